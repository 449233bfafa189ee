package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	storagedomain "github.com/opsfield/opsfield/internal/storage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) storagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("storage.service"),
		genID: p.GenID,
	}
}

func (s *Service) Get(ctx context.Context, orgID snowflake.ID) (storagedomain.StorageUsageRecord, error) {
	var record storagedomain.StorageUsageRecord
	err := s.db.WithContext(ctx).Where("org_id = ?", orgID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storagedomain.StorageUsageRecord{OrgID: orgID}, nil
		}
		return storagedomain.StorageUsageRecord{}, err
	}
	return record, nil
}

func (s *Service) SetBytesUsed(ctx context.Context, orgID snowflake.ID, bytes int64) error {
	if bytes < 0 {
		bytes = 0
	}
	now := time.Now().UTC()
	record := storagedomain.StorageUsageRecord{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		BytesUsed: bytes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "org_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"bytes_used": bytes,
				"updated_at": now,
			}),
		}).
		Create(&record).Error
}

func (s *Service) SetReadOnly(ctx context.Context, orgID snowflake.ID, readOnly bool, reason string) error {
	if !readOnly {
		reason = ""
	}
	result := s.db.WithContext(ctx).
		Model(&storagedomain.StorageUsageRecord{}).
		Where("org_id = ? AND read_only <> ?", orgID, readOnly).
		Updates(map[string]any{
			"read_only":        readOnly,
			"read_only_reason": reason,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Info("storage read-only flag changed",
			zap.Int64("org_id", int64(orgID)),
			zap.Bool("read_only", readOnly),
			zap.String("reason", reason),
		)
	}
	return nil
}

func (s *Service) ListWithUsage(ctx context.Context) ([]storagedomain.StorageUsageRecord, error) {
	var records []storagedomain.StorageUsageRecord
	err := s.db.WithContext(ctx).
		Where("bytes_used > 0").
		Order("org_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
