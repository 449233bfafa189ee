package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/opsfield/opsfield/internal/cache"
	"github.com/opsfield/opsfield/internal/config"
	plandomain "github.com/opsfield/opsfield/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// planCacheTTL bounds catalog staleness across replicas; an admin update
// invalidates the local entry immediately.
const planCacheTTL = 5 * time.Minute

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Billing *config.BillingConfigHolder
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	billing *config.BillingConfigHolder
	entries cache.Cache[string, plandomain.PlanEntry]
}

func NewService(p Params) plandomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("plan.service"),
		genID:   p.GenID,
		billing: p.Billing,
		entries: cache.NewTTLCache[string, plandomain.PlanEntry](),
	}
}

func (s *Service) Resolve(ctx context.Context, code string) (plandomain.PlanEntry, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		code = plandomain.PlanBasic
	}

	entry, err := s.lookup(ctx, code)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, plandomain.ErrPlanNotFound) {
		return plandomain.PlanEntry{}, err
	}
	if code == plandomain.PlanBasic {
		return plandomain.PlanEntry{}, plandomain.ErrPlanNotConfigured
	}

	// Unknown plan code is a configuration problem, not a runtime error;
	// the organization keeps operating on the lowest tier.
	s.log.Warn("unknown plan code, falling back to basic", zap.String("plan", code))
	fallback, err := s.lookup(ctx, plandomain.PlanBasic)
	if err != nil {
		if errors.Is(err, plandomain.ErrPlanNotFound) {
			return plandomain.PlanEntry{}, plandomain.ErrPlanNotConfigured
		}
		return plandomain.PlanEntry{}, err
	}
	return fallback, nil
}

func (s *Service) lookup(ctx context.Context, code string) (plandomain.PlanEntry, error) {
	if cached, ok := s.entries.Get(code); ok {
		return cached, nil
	}

	var entry plandomain.PlanEntry
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return plandomain.PlanEntry{}, plandomain.ErrPlanNotFound
		}
		return plandomain.PlanEntry{}, err
	}

	s.entries.Set(code, entry, planCacheTTL)
	return entry, nil
}

func (s *Service) List(ctx context.Context) ([]plandomain.PlanEntry, error) {
	var entries []plandomain.PlanEntry
	if err := s.db.WithContext(ctx).Order("price_rub_monthly ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Service) Update(ctx context.Context, code string, req plandomain.UpdatePlanRequest) (plandomain.PlanEntry, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return plandomain.PlanEntry{}, plandomain.ErrInvalidPlanCode
	}

	updates := map[string]any{}
	if req.PriceRubMonthly != nil {
		updates["price_rub_monthly"] = *req.PriceRubMonthly
	}
	if req.LimitProjects != nil {
		updates["limit_projects"] = *req.LimitProjects
	}
	if req.LimitSeats != nil {
		updates["limit_seats"] = *req.LimitSeats
	}
	if req.LimitTasksWeekly != nil {
		updates["limit_tasks_weekly"] = *req.LimitTasksWeekly
	}
	if req.LimitPublicTasksMonthly != nil {
		updates["limit_public_tasks_monthly"] = *req.LimitPublicTasksMonthly
	}
	if req.StorageIncludedGb != nil {
		updates["storage_included_gb"] = *req.StorageIncludedGb
	}
	if req.StorageOverageRubPerGb != nil {
		updates["storage_overage_rub_per_gb"] = *req.StorageOverageRubPerGb
	}
	if req.StoragePackageGb != nil {
		updates["storage_package_gb"] = *req.StoragePackageGb
	}
	if len(updates) == 0 {
		return plandomain.PlanEntry{}, plandomain.ErrEmptyUpdateRequest
	}
	updates["updated_at"] = time.Now().UTC()

	result := s.db.WithContext(ctx).
		Model(&plandomain.PlanEntry{}).
		Where("code = ?", code).
		Updates(updates)
	if result.Error != nil {
		return plandomain.PlanEntry{}, result.Error
	}
	if result.RowsAffected == 0 {
		return plandomain.PlanEntry{}, plandomain.ErrPlanNotFound
	}

	s.entries.Delete(code)
	return s.lookup(ctx, code)
}

// EnsureDefaults idempotently seeds one row per configured plan code.
// Existing rows are left untouched so admin edits survive restarts.
func (s *Service) EnsureDefaults(ctx context.Context) error {
	now := time.Now().UTC()
	for _, seed := range s.billing.Get().Plans {
		entry := plandomain.PlanEntry{
			ID:                      s.genID.Generate(),
			Code:                    seed.Code,
			PriceRubMonthly:         seed.PriceRubMonthly,
			LimitProjects:           seed.LimitProjects,
			LimitSeats:              seed.LimitSeats,
			LimitTasksWeekly:        seed.LimitTasksWeekly,
			LimitPublicTasksMonthly: seed.LimitPublicTasksMonthly,
			StorageIncludedGb:       seed.StorageIncludedGb,
			StorageOverageRubPerGb:  seed.StorageOverageRubPerGb,
			CreatedAt:               now,
			UpdatedAt:               now,
		}
		if seed.StoragePackageGb > 0 {
			pkg := seed.StoragePackageGb
			entry.StoragePackageGb = &pkg
		}

		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "code"}},
				DoNothing: true,
			}).
			Create(&entry).Error
		if err != nil {
			return err
		}
	}
	return nil
}
