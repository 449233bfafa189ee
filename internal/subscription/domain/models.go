// Package domain contains the subscription state machine models.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/opsfield/opsfield/internal/plan/domain"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Subscription is the billing state of one organization. Orgs without a
// row are on the implicit free tier.
type Subscription struct {
	ID     snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID  snowflake.ID `gorm:"not null;uniqueIndex:ux_subscriptions_org" json:"org_id"`
	Plan   string       `gorm:"type:text;not null" json:"plan"`
	Status Status       `gorm:"type:text;not null;default:'active'" json:"status"`
	// Period bounds are half-open: [PeriodStart, PeriodEnd).
	PeriodStart time.Time `gorm:"not null" json:"period_start"`
	PeriodEnd   time.Time `gorm:"not null" json:"period_end"`
	// A scheduled plan change applies when its effective time passes,
	// instead of re-prorating mid-cycle.
	PendingPlan            *string    `gorm:"type:text" json:"pending_plan,omitempty"`
	PendingPlanEffectiveAt *time.Time `json:"pending_plan_effective_at,omitempty"`
	// GraceUsedMonth is the UTC year-month of the last grace activation;
	// it is never reset by renewal.
	GraceUsedMonth *string    `gorm:"type:text" json:"grace_used_month,omitempty"`
	GraceUntil     *time.Time `json:"grace_until,omitempty"`
	CreatedAt      time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// ChargeOutcome is one org's result in a periodic billing pass.
type ChargeOutcome struct {
	OrgID       snowflake.ID `json:"org_id"`
	OK          bool         `json:"ok"`
	Charged     bool         `json:"charged"`
	AppliedPlan string       `json:"applied_plan,omitempty"`
	Status      Status       `json:"status,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// AccessDecision is the single write-permission answer consumed by every
// gated operation elsewhere in the system.
type AccessDecision struct {
	OK             bool       `json:"is_active"`
	ReadOnly       bool       `json:"read_only"`
	Reason         string     `json:"reason,omitempty"`
	GraceUntil     *time.Time `json:"grace_until,omitempty"`
	GraceAvailable bool       `json:"grace_available"`
}

type Service interface {
	Get(ctx context.Context, orgID snowflake.ID) (Subscription, error)
	// CurrentPlan resolves the org's plan entry; orgs without a
	// subscription get the basic tier.
	CurrentPlan(ctx context.Context, orgID snowflake.ID) (plandomain.PlanEntry, error)
	// Start provisions an active subscription beginning at now.
	Start(ctx context.Context, orgID snowflake.ID, plan string, now time.Time) (Subscription, error)
	// SchedulePlanChange records a plan change; effective times at or
	// before now apply on the next billing run (or immediately via it).
	SchedulePlanChange(ctx context.Context, orgID snowflake.ID, plan string, effectiveAt time.Time) error
	// ChargeDue applies due pending plans and renews due periods. One
	// org may get both in a single pass. Per-org failures are isolated.
	ChargeDue(ctx context.Context, now time.Time) ([]ChargeOutcome, error)
	// ActivateGracePeriod grants a bounded access window to a past-due
	// org, at most once per calendar month.
	ActivateGracePeriod(ctx context.Context, orgID snowflake.ID, now time.Time) (AccessDecision, error)
	EnsureAccess(ctx context.Context, orgID snowflake.ID, now time.Time) (AccessDecision, error)
}

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrSubscriptionExists   = errors.New("subscription_already_exists")
	ErrGraceNotApplicable   = errors.New("grace_not_applicable")
	// ErrGraceAlreadyUsed carries the wire-level code returned to
	// clients that retry within the same month.
	ErrGraceAlreadyUsed = errors.New("GRACE_ALREADY_USED")
)

const (
	ReasonPastDue     = "past_due"
	ReasonCanceled    = "subscription_canceled"
	ReasonGracePeriod = "grace_period"
)
