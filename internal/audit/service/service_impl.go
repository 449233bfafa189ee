package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/opsfield/opsfield/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
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

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
	}
}

// AuditLog appends one audit row. Audit writes are best effort from the
// caller's point of view; callers log the error and proceed.
func (s *Service) AuditLog(
	ctx context.Context,
	orgID *snowflake.ID,
	actorType auditdomain.ActorType,
	actor string,
	action string,
	targetType string,
	targetID *string,
	metadata map[string]any,
) error {
	record := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  actorType,
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		CreatedAt:  time.Now().UTC(),
	}
	if orgID != nil {
		record.OrgID = *orgID
	}
	if metadata != nil {
		record.Metadata = datatypes.JSONMap(metadata)
	}

	return s.db.WithContext(ctx).Create(&record).Error
}
