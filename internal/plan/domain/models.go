// Package domain contains the plan catalog models.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// PlanBasic is the free tier. It is never billed by the periodic job and
// is the fallback when an organization references an unknown plan code.
const PlanBasic = "basic"

// PlanEntry resolves a plan code to numeric limits and prices. Entries are
// immutable within a billing cycle; only administrative configuration
// mutates them.
type PlanEntry struct {
	ID                      snowflake.ID `gorm:"primaryKey" json:"id"`
	Code                    string       `gorm:"type:text;not null;uniqueIndex:ux_plans_code" json:"code"`
	PriceRubMonthly         float64      `gorm:"not null" json:"price_rub_monthly"`
	LimitProjects           int64        `gorm:"not null" json:"limit_projects"`
	LimitSeats              int64        `gorm:"not null" json:"limit_seats"`
	LimitTasksWeekly        int64        `gorm:"not null" json:"limit_tasks_weekly"`
	LimitPublicTasksMonthly int64        `gorm:"not null" json:"limit_public_tasks_monthly"`
	StorageIncludedGb       float64      `gorm:"not null" json:"storage_included_gb"`
	StorageOverageRubPerGb  float64      `gorm:"not null" json:"storage_overage_rub_per_gb"`
	StoragePackageGb        *float64     `gorm:"" json:"storage_package_gb,omitempty"`
	CreatedAt               time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt               time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (PlanEntry) TableName() string { return "plans" }

// HasCap reports whether a limit value is a finite cap. Zero or negative
// limits mean "no cap".
func HasCap(limit int64) bool { return limit > 0 }

// EffectiveStorageQuotaGb is the footprint an org may hold before overage
// billing starts: the plan allowance plus the plan's storage package, when
// it carries one.
func (p PlanEntry) EffectiveStorageQuotaGb() float64 {
	quota := p.StorageIncludedGb
	if p.StoragePackageGb != nil && *p.StoragePackageGb > 0 {
		quota += *p.StoragePackageGb
	}
	return quota
}

type UpdatePlanRequest struct {
	PriceRubMonthly         *float64 `json:"price_rub_monthly,omitempty"`
	LimitProjects           *int64   `json:"limit_projects,omitempty"`
	LimitSeats              *int64   `json:"limit_seats,omitempty"`
	LimitTasksWeekly        *int64   `json:"limit_tasks_weekly,omitempty"`
	LimitPublicTasksMonthly *int64   `json:"limit_public_tasks_monthly,omitempty"`
	StorageIncludedGb       *float64 `json:"storage_included_gb,omitempty"`
	StorageOverageRubPerGb  *float64 `json:"storage_overage_rub_per_gb,omitempty"`
	StoragePackageGb        *float64 `json:"storage_package_gb,omitempty"`
}

type Service interface {
	// Resolve returns the entry for code, falling back to the basic tier
	// when the code is unknown.
	Resolve(ctx context.Context, code string) (PlanEntry, error)
	List(ctx context.Context) ([]PlanEntry, error)
	Update(ctx context.Context, code string, req UpdatePlanRequest) (PlanEntry, error)
	EnsureDefaults(ctx context.Context) error
}

var (
	ErrInvalidPlanCode    = errors.New("invalid_plan_code")
	ErrPlanNotFound       = errors.New("plan_not_found")
	ErrPlanNotConfigured  = errors.New("plan_catalog_not_configured")
	ErrEmptyUpdateRequest = errors.New("empty_update_request")
)
