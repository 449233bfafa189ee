// Package domain contains the per-org storage consumption models.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ReadOnlyReasonUnpaidOverage marks orgs frozen by the hourly biller after
// their wallet fell below the configured floor.
const ReadOnlyReasonUnpaidOverage = "unpaid_overage"

// StorageUsageRecord tracks the current storage footprint of one org.
// Upload and delete paths report absolute byte counts; this service never
// computes deltas.
type StorageUsageRecord struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID `gorm:"not null;uniqueIndex:ux_storage_usage_org" json:"org_id"`
	BytesUsed      int64        `gorm:"not null;default:0" json:"bytes_used"`
	ReadOnly       bool         `gorm:"not null;default:false" json:"read_only"`
	ReadOnlyReason string       `gorm:"type:text;not null;default:''" json:"read_only_reason,omitempty"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (StorageUsageRecord) TableName() string { return "storage_usage_records" }

// GbUsed converts the byte counter to decimal gigabytes for billing math.
func (r StorageUsageRecord) GbUsed() float64 {
	return float64(r.BytesUsed) / 1e9
}

type Service interface {
	// Get returns the record for orgID, a zero-usage record when the org
	// has never reported storage.
	Get(ctx context.Context, orgID snowflake.ID) (StorageUsageRecord, error)
	// SetBytesUsed upserts the absolute byte count reported by the file
	// storage collaborator.
	SetBytesUsed(ctx context.Context, orgID snowflake.ID, bytes int64) error
	// SetReadOnly flips the read-only flag in one conditional update; a
	// no-op when the flag already has the requested value.
	SetReadOnly(ctx context.Context, orgID snowflake.ID, readOnly bool, reason string) error
	// ListWithUsage returns every record with a non-zero byte count, for
	// the hourly biller to filter against plan quotas.
	ListWithUsage(ctx context.Context) ([]StorageUsageRecord, error)
}
