package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/opsfield/opsfield/internal/audit/domain"
	billingdomain "github.com/opsfield/opsfield/internal/billing/domain"
	"github.com/opsfield/opsfield/internal/config"
	"github.com/opsfield/opsfield/internal/observability/metrics"
	storagedomain "github.com/opsfield/opsfield/internal/storage/domain"
	usagedomain "github.com/opsfield/opsfield/internal/usagelimit/domain"
	walletdomain "github.com/opsfield/opsfield/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const jobName = "storage_hourly"

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Billing *config.BillingConfigHolder
	Storage storagedomain.Service
	Wallets walletdomain.Service
	Plans   billingdomain.PlanLookup
	Audit   auditdomain.Service
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	billing *config.BillingConfigHolder
	storage storagedomain.Service
	wallets walletdomain.Service
	plans   billingdomain.PlanLookup
	audit   auditdomain.Service
}

func NewService(p Params) billingdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("billing.service"),
		genID:   p.GenID,
		billing: p.Billing,
		storage: p.Storage,
		wallets: p.Wallets,
		plans:   p.Plans,
		audit:   p.Audit,
	}
}

func (s *Service) ChargeHourlyOverage(ctx context.Context, now time.Time) ([]billingdomain.ChargeResult, error) {
	records, err := s.storage.ListWithUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("list storage usage: %w", err)
	}

	cfg := s.billing.Get()
	hourKey := billingdomain.HourKey(now)

	results := make([]billingdomain.ChargeResult, 0, len(records))
	var errs error
	for _, record := range records {
		result, err := s.chargeOrg(ctx, record, cfg, hourKey, now)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("org %s: %w", record.OrgID, err))
			result = billingdomain.ChargeResult{
				OrgID:  record.OrgID,
				Status: billingdomain.ChargeFailed,
				Error:  err.Error(),
			}
		}
		results = append(results, result)
	}
	return results, errs
}

func (s *Service) chargeOrg(ctx context.Context, record storagedomain.StorageUsageRecord, cfg config.BillingConfig, hourKey string, now time.Time) (billingdomain.ChargeResult, error) {
	plan, err := s.plans.CurrentPlan(ctx, record.OrgID)
	if err != nil {
		return billingdomain.ChargeResult{}, err
	}

	overGb := record.GbUsed() - plan.EffectiveStorageQuotaGb()
	if overGb <= 0 {
		return billingdomain.ChargeResult{OrgID: record.OrgID, Status: billingdomain.ChargeSkipped}, nil
	}

	amount := overGb * plan.StorageOverageRubPerGb / float64(cfg.HoursInMonth)
	if amount <= 0 {
		return billingdomain.ChargeResult{OrgID: record.OrgID, Status: billingdomain.ChargeSkipped}, nil
	}

	charged := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		charge := billingdomain.HourlyChargeRecord{
			ID:            s.genID.Generate(),
			OrgID:         record.OrgID,
			HourKey:       hourKey,
			Period:        usagedomain.MonthKey(now),
			BytesSnapshot: record.BytesUsed,
			GbBilled:      overGb,
			AmountRub:     amount,
			ChargedAt:     now.UTC(),
		}
		result := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "org_id"}, {Name: "hour_key"},
			},
			DoNothing: true,
		}).Create(&charge)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Another run already settled this hour.
			return nil
		}

		_, err := s.wallets.DebitTx(ctx, tx, walletdomain.OwnerOrg, record.OrgID, amount, walletdomain.SourceStorageOverage, map[string]any{
			"hour_key":  hourKey,
			"gb_billed": overGb,
		})
		if err != nil {
			return err
		}
		charged = true
		return nil
	})
	if err != nil {
		return billingdomain.ChargeResult{}, err
	}

	if !charged {
		metrics.Billing().IncIdempotentSkip(jobName)
		return billingdomain.ChargeResult{OrgID: record.OrgID, Status: billingdomain.ChargeSkipped}, nil
	}

	metrics.Billing().IncCharge(string(walletdomain.SourceStorageOverage), amount)
	s.log.Info("hourly overage charged",
		zap.Int64("org_id", int64(record.OrgID)),
		zap.String("hour_key", hourKey),
		zap.Float64("gb_billed", overGb),
		zap.Float64("amount_rub", amount),
	)

	targetID := hourKey
	if err := s.audit.AuditLog(ctx, &record.OrgID, auditdomain.ActorTypeSystem, "billing", "storage_overage_charged", "hourly_charge", &targetID, map[string]any{
		"amount_rub": amount,
		"gb_billed":  overGb,
	}); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}

	if err := s.enforceFloor(ctx, record.OrgID, cfg.WalletFloorRub); err != nil {
		return billingdomain.ChargeResult{}, err
	}

	return billingdomain.ChargeResult{
		OrgID:     record.OrgID,
		Status:    billingdomain.ChargeApplied,
		AmountRub: amount,
		GbBilled:  overGb,
	}, nil
}

// enforceFloor freezes storage writes once the wallet drops below the
// configured floor. Unfreezing happens on topup through the same flag.
func (s *Service) enforceFloor(ctx context.Context, orgID snowflake.ID, floor float64) error {
	wallet, err := s.wallets.GetOrCreate(ctx, walletdomain.OwnerOrg, orgID)
	if err != nil {
		return err
	}
	if wallet.Balance < floor {
		return s.storage.SetReadOnly(ctx, orgID, true, storagedomain.ReadOnlyReasonUnpaidOverage)
	}

	// Only lift freezes this biller imposed; flags set for other reasons
	// stay.
	record, err := s.storage.Get(ctx, orgID)
	if err != nil {
		return err
	}
	if record.ReadOnly && record.ReadOnlyReason == storagedomain.ReadOnlyReasonUnpaidOverage {
		return s.storage.SetReadOnly(ctx, orgID, false, "")
	}
	return nil
}
