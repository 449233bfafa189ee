// Package domain contains the per-period usage counter models.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/opsfield/opsfield/internal/plan/domain"
)

// CounterKind identifies one metered plan dimension.
type CounterKind string

const (
	KindProjects    CounterKind = "projects"
	KindSeats       CounterKind = "seats"
	KindTasks       CounterKind = "tasks"
	KindPublicTasks CounterKind = "public_tasks"
)

// PeriodAll is the period key for lifetime counters (projects, seats),
// which track a current count rather than a rolling window.
const PeriodAll = "all"

// UsagePeriodCounter is the consumption row for one (org, kind, period).
// The unique index is the concurrency backstop: increments race on a
// single row rather than on application-level reads.
type UsagePeriodCounter struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID     snowflake.ID `gorm:"not null;uniqueIndex:ux_usage_counters_org_kind_period" json:"org_id"`
	Kind      CounterKind  `gorm:"type:text;not null;uniqueIndex:ux_usage_counters_org_kind_period" json:"kind"`
	Period    string       `gorm:"type:text;not null;uniqueIndex:ux_usage_counters_org_kind_period" json:"period"`
	Used      int64        `gorm:"not null;default:0" json:"used"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (UsagePeriodCounter) TableName() string { return "usage_period_counters" }

// ConsumeResult reports the outcome of one consumption attempt.
type ConsumeResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Used   int64  `json:"used"`
	Limit  int64  `json:"limit"`
}

// KindUsage is one counter's state in a snapshot.
type KindUsage struct {
	Used   int64  `json:"used"`
	Limit  int64  `json:"limit"`
	Period string `json:"period"`
}

// UsageSnapshot is the read-only view of every counter for one org at a
// given instant, keyed by kind.
type UsageSnapshot struct {
	OrgID snowflake.ID              `json:"org_id"`
	Plan  string                    `json:"plan"`
	Kinds map[CounterKind]KindUsage `json:"kinds"`
}

// PlanLookup resolves the effective plan for an organization. Satisfied
// by the subscription service; orgs without a subscription get the basic
// tier.
type PlanLookup interface {
	CurrentPlan(ctx context.Context, orgID snowflake.ID) (plandomain.PlanEntry, error)
}

type Service interface {
	// CheckAndConsume reserves one unit of kind for the current period.
	// Never exceeds a finite plan limit, even under concurrent calls.
	CheckAndConsume(ctx context.Context, orgID snowflake.ID, kind CounterKind, now time.Time) (ConsumeResult, error)
	// Release returns one unit for lifetime counters, e.g. when a project
	// is deleted or a seat is freed. Never drops below zero.
	Release(ctx context.Context, orgID snowflake.ID, kind CounterKind, now time.Time) error
	Peek(ctx context.Context, orgID snowflake.ID, now time.Time) (UsageSnapshot, error)
}

const ReasonLimitExceeded = "limit_exceeded"

var ErrUnknownCounterKind = errors.New("unknown_counter_kind")
