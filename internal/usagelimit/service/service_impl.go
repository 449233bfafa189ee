package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/opsfield/opsfield/internal/observability/metrics"
	plandomain "github.com/opsfield/opsfield/internal/plan/domain"
	usagedomain "github.com/opsfield/opsfield/internal/usagelimit/domain"
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
	Plans usagedomain.PlanLookup
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	plans usagedomain.PlanLookup
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usagelimit.service"),
		genID: p.GenID,
		plans: p.Plans,
	}
}

// CheckAndConsume increments first and verifies after. Two concurrent
// callers racing past the same read both land on the atomic increment, so
// the overflowing one observes used > limit and backs out. The counter
// row itself may transiently exceed the limit; the admitted count never
// does.
func (s *Service) CheckAndConsume(ctx context.Context, orgID snowflake.ID, kind usagedomain.CounterKind, now time.Time) (usagedomain.ConsumeResult, error) {
	period, err := usagedomain.PeriodKey(kind, now)
	if err != nil {
		return usagedomain.ConsumeResult{}, err
	}

	plan, err := s.plans.CurrentPlan(ctx, orgID)
	if err != nil {
		return usagedomain.ConsumeResult{}, err
	}
	limit, err := usagedomain.LimitFor(kind, plan)
	if err != nil {
		return usagedomain.ConsumeResult{}, err
	}

	if err := s.ensureRow(ctx, orgID, kind, period, now); err != nil {
		return usagedomain.ConsumeResult{}, err
	}

	if err := s.adjust(ctx, orgID, kind, period, +1, now); err != nil {
		return usagedomain.ConsumeResult{}, err
	}

	used, err := s.readUsed(ctx, orgID, kind, period)
	if err != nil {
		return usagedomain.ConsumeResult{}, err
	}

	if plandomain.HasCap(limit) && used > limit {
		if err := s.adjust(ctx, orgID, kind, period, -1, now); err != nil {
			return usagedomain.ConsumeResult{}, err
		}
		metrics.Billing().IncLimitRejection(string(kind))
		s.log.Info("usage limit exceeded",
			zap.Int64("org_id", int64(orgID)),
			zap.String("kind", string(kind)),
			zap.String("period", period),
			zap.Int64("limit", limit),
		)
		return usagedomain.ConsumeResult{
			OK:     false,
			Reason: usagedomain.ReasonLimitExceeded,
			Used:   used - 1,
			Limit:  limit,
		}, nil
	}

	return usagedomain.ConsumeResult{OK: true, Used: used, Limit: limit}, nil
}

func (s *Service) Release(ctx context.Context, orgID snowflake.ID, kind usagedomain.CounterKind, now time.Time) error {
	period, err := usagedomain.PeriodKey(kind, now)
	if err != nil {
		return err
	}

	// Floor at zero; releasing a counter that was never consumed is a
	// caller bug, not a reason to go negative.
	return s.db.WithContext(ctx).
		Model(&usagedomain.UsagePeriodCounter{}).
		Where("org_id = ? AND kind = ? AND period = ? AND used > 0", orgID, kind, period).
		Updates(map[string]any{
			"used":       gorm.Expr("used - 1"),
			"updated_at": now.UTC(),
		}).Error
}

func (s *Service) Peek(ctx context.Context, orgID snowflake.ID, now time.Time) (usagedomain.UsageSnapshot, error) {
	plan, err := s.plans.CurrentPlan(ctx, orgID)
	if err != nil {
		return usagedomain.UsageSnapshot{}, err
	}

	snapshot := usagedomain.UsageSnapshot{
		OrgID: orgID,
		Plan:  plan.Code,
		Kinds: make(map[usagedomain.CounterKind]usagedomain.KindUsage, 4),
	}

	kinds := []usagedomain.CounterKind{
		usagedomain.KindProjects,
		usagedomain.KindSeats,
		usagedomain.KindTasks,
		usagedomain.KindPublicTasks,
	}
	for _, kind := range kinds {
		period, err := usagedomain.PeriodKey(kind, now)
		if err != nil {
			return usagedomain.UsageSnapshot{}, err
		}
		limit, err := usagedomain.LimitFor(kind, plan)
		if err != nil {
			return usagedomain.UsageSnapshot{}, err
		}
		used, err := s.readUsed(ctx, orgID, kind, period)
		if err != nil {
			return usagedomain.UsageSnapshot{}, err
		}
		snapshot.Kinds[kind] = usagedomain.KindUsage{
			Used:   used,
			Limit:  limit,
			Period: period,
		}
	}
	return snapshot, nil
}

func (s *Service) ensureRow(ctx context.Context, orgID snowflake.ID, kind usagedomain.CounterKind, period string, now time.Time) error {
	row := usagedomain.UsagePeriodCounter{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		Kind:      kind,
		Period:    period,
		Used:      0,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "org_id"}, {Name: "kind"}, {Name: "period"},
			},
			DoNothing: true,
		}).
		Create(&row).Error
}

func (s *Service) adjust(ctx context.Context, orgID snowflake.ID, kind usagedomain.CounterKind, period string, delta int64, now time.Time) error {
	return s.db.WithContext(ctx).
		Model(&usagedomain.UsagePeriodCounter{}).
		Where("org_id = ? AND kind = ? AND period = ?", orgID, kind, period).
		Updates(map[string]any{
			"used":       gorm.Expr("used + ?", delta),
			"updated_at": now.UTC(),
		}).Error
}

func (s *Service) readUsed(ctx context.Context, orgID snowflake.ID, kind usagedomain.CounterKind, period string) (int64, error) {
	var counter usagedomain.UsagePeriodCounter
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND kind = ? AND period = ?", orgID, kind, period).
		First(&counter).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return counter.Used, nil
}
