// Package domain contains the hourly storage overage charge models.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/opsfield/opsfield/internal/plan/domain"
)

// HourKey buckets an instant into the UTC hour the charge covers,
// e.g. "2026-08-28T14". The unique index on (org_id, hour_key) is the
// idempotency guard: however many times the job runs in one hour, at most
// one charge per org exists.
func HourKey(t time.Time) string {
	return t.UTC().Format("2006-01-02T15")
}

// HourlyChargeRecord is one settled (or attempted) hourly overage charge.
type HourlyChargeRecord struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID         snowflake.ID `gorm:"not null;uniqueIndex:ux_hourly_charges_org_hour" json:"org_id"`
	HourKey       string       `gorm:"type:text;not null;uniqueIndex:ux_hourly_charges_org_hour" json:"hour_key"`
	Period        string       `gorm:"type:text;not null" json:"period"`
	BytesSnapshot int64        `gorm:"not null" json:"bytes_snapshot"`
	GbBilled      float64      `gorm:"not null" json:"gb_billed"`
	AmountRub     float64      `gorm:"not null" json:"amount_rub"`
	ChargedAt     time.Time    `gorm:"not null" json:"charged_at"`
}

// TableName sets the database table name.
func (HourlyChargeRecord) TableName() string { return "hourly_charge_records" }

// ChargeStatus summarizes one org's outcome in a billing pass.
type ChargeStatus string

const (
	ChargeApplied ChargeStatus = "charged"
	ChargeSkipped ChargeStatus = "skipped"
	ChargeFailed  ChargeStatus = "failed"
)

type ChargeResult struct {
	OrgID     snowflake.ID `json:"org_id"`
	Status    ChargeStatus `json:"status"`
	AmountRub float64      `json:"amount_rub,omitempty"`
	GbBilled  float64      `json:"gb_billed,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// PlanLookup resolves the effective plan for an org; satisfied by the
// subscription service.
type PlanLookup interface {
	CurrentPlan(ctx context.Context, orgID snowflake.ID) (plandomain.PlanEntry, error)
}

type Service interface {
	// ChargeHourlyOverage bills every org whose storage exceeds its plan
	// quota for the hour containing now. Safe to call repeatedly within
	// the hour; per-org failures do not stop the pass.
	ChargeHourlyOverage(ctx context.Context, now time.Time) ([]ChargeResult, error)
}
