package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/opsfield/opsfield/internal/audit/domain"
	"github.com/opsfield/opsfield/internal/config"
	"github.com/opsfield/opsfield/internal/notification"
	"github.com/opsfield/opsfield/internal/observability/metrics"
	plandomain "github.com/opsfield/opsfield/internal/plan/domain"
	storagedomain "github.com/opsfield/opsfield/internal/storage/domain"
	subdomain "github.com/opsfield/opsfield/internal/subscription/domain"
	usagedomain "github.com/opsfield/opsfield/internal/usagelimit/domain"
	walletdomain "github.com/opsfield/opsfield/internal/wallet/domain"
	"github.com/opsfield/opsfield/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const jobName = "subscription_charge"

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Billing  *config.BillingConfigHolder
	Plans    plandomain.Service
	Wallets  walletdomain.Service
	Storage  storagedomain.Service
	Notifier notification.Notifier
	Audit    auditdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	billing  *config.BillingConfigHolder
	plans    plandomain.Service
	wallets  walletdomain.Service
	storage  storagedomain.Service
	notifier notification.Notifier
	audit    auditdomain.Service
}

func NewService(p Params) subdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("subscription.service"),
		genID:    p.GenID,
		billing:  p.Billing,
		plans:    p.Plans,
		wallets:  p.Wallets,
		storage:  p.Storage,
		notifier: p.Notifier,
		audit:    p.Audit,
	}
}

func (s *Service) Get(ctx context.Context, orgID snowflake.ID) (subdomain.Subscription, error) {
	var sub subdomain.Subscription
	err := s.db.WithContext(ctx).Where("org_id = ?", orgID).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return subdomain.Subscription{}, subdomain.ErrSubscriptionNotFound
		}
		return subdomain.Subscription{}, err
	}
	return sub, nil
}

func (s *Service) CurrentPlan(ctx context.Context, orgID snowflake.ID) (plandomain.PlanEntry, error) {
	sub, err := s.Get(ctx, orgID)
	if err != nil {
		if errors.Is(err, subdomain.ErrSubscriptionNotFound) {
			return s.plans.Resolve(ctx, plandomain.PlanBasic)
		}
		return plandomain.PlanEntry{}, err
	}
	return s.plans.Resolve(ctx, sub.Plan)
}

func (s *Service) Start(ctx context.Context, orgID snowflake.ID, plan string, now time.Time) (subdomain.Subscription, error) {
	entry, err := s.plans.Resolve(ctx, plan)
	if err != nil {
		return subdomain.Subscription{}, err
	}

	now = now.UTC()
	sub := subdomain.Subscription{
		ID:          s.genID.Generate(),
		OrgID:       orgID,
		Plan:        entry.Code,
		Status:      subdomain.StatusActive,
		PeriodStart: now,
		PeriodEnd:   now.AddDate(0, 1, 0),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&sub).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return subdomain.Subscription{}, subdomain.ErrSubscriptionExists
		}
		return subdomain.Subscription{}, err
	}
	return sub, nil
}

func (s *Service) SchedulePlanChange(ctx context.Context, orgID snowflake.ID, plan string, effectiveAt time.Time) error {
	if _, err := s.plans.Resolve(ctx, plan); err != nil {
		return err
	}

	result := s.db.WithContext(ctx).
		Model(&subdomain.Subscription{}).
		Where("org_id = ?", orgID).
		Updates(map[string]any{
			"pending_plan":              plan,
			"pending_plan_effective_at": effectiveAt.UTC(),
			"updated_at":                time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return subdomain.ErrSubscriptionNotFound
	}

	targetID := plan
	if err := s.audit.AuditLog(ctx, &orgID, auditdomain.ActorTypeUser, "admin", "plan_change_scheduled", "subscription", &targetID, map[string]any{
		"effective_at": effectiveAt.UTC(),
	}); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}
	return nil
}

func (s *Service) ChargeDue(ctx context.Context, now time.Time) ([]subdomain.ChargeOutcome, error) {
	now = now.UTC()
	cfg := s.billing.Get()

	if err := s.notifyExpiring(ctx, now, cfg); err != nil {
		s.log.Warn("expiring notifications failed", zap.Error(err))
	}

	var due []subdomain.Subscription
	err := s.db.WithContext(ctx).
		Where("(plan <> ? AND status IN ? AND period_end <= ?) OR (pending_plan IS NOT NULL AND pending_plan_effective_at <= ?)",
			plandomain.PlanBasic,
			[]subdomain.Status{subdomain.StatusActive, subdomain.StatusPastDue},
			now, now).
		Order("org_id ASC").
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("select due subscriptions: %w", err)
	}

	outcomes := make([]subdomain.ChargeOutcome, 0, len(due))
	var errs error
	for _, sub := range due {
		outcome, err := s.processOne(ctx, sub, now)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("org %s: %w", sub.OrgID, err))
			outcome = subdomain.ChargeOutcome{
				OrgID: sub.OrgID,
				OK:    false,
				Error: err.Error(),
			}
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, errs
}

// processOne may both apply a due pending plan and renew a due period in
// the same pass; the plan change is never conditional on payment.
func (s *Service) processOne(ctx context.Context, sub subdomain.Subscription, now time.Time) (subdomain.ChargeOutcome, error) {
	outcome := subdomain.ChargeOutcome{OrgID: sub.OrgID, OK: true}

	if sub.PendingPlan != nil && sub.PendingPlanEffectiveAt != nil && !sub.PendingPlanEffectiveAt.After(now) {
		applied, err := s.applyPendingPlan(ctx, sub, now)
		if err != nil {
			return subdomain.ChargeOutcome{}, err
		}
		if applied {
			outcome.AppliedPlan = *sub.PendingPlan
			sub, err = s.Get(ctx, sub.OrgID)
			if err != nil {
				return subdomain.ChargeOutcome{}, err
			}
		}
	}

	renewDue := sub.Plan != plandomain.PlanBasic &&
		(sub.Status == subdomain.StatusActive || sub.Status == subdomain.StatusPastDue) &&
		!sub.PeriodEnd.After(now)
	if !renewDue {
		outcome.Status = sub.Status
		return outcome, nil
	}

	entry, err := s.plans.Resolve(ctx, sub.Plan)
	if err != nil {
		return subdomain.ChargeOutcome{}, err
	}

	charged, err := s.renew(ctx, sub, entry.PriceRubMonthly, now)
	if err != nil {
		if errors.Is(err, walletdomain.ErrInsufficientFunds) {
			if err := s.markPastDue(ctx, sub, now); err != nil {
				return subdomain.ChargeOutcome{}, err
			}
			if err := s.notifier.NotifyPastDue(ctx, sub.OrgID, sub.Plan); err != nil {
				s.log.Warn("past-due notification failed", zap.Error(err))
			}
			outcome.Status = subdomain.StatusPastDue
			return outcome, nil
		}
		return subdomain.ChargeOutcome{}, err
	}

	outcome.Charged = charged
	outcome.Status = subdomain.StatusActive
	return outcome, nil
}

// renew advances the period by one month and debits the wallet in one
// transaction. The conditional claim on the old period_end makes
// overlapping runs settle exactly one charge: the loser updates zero rows
// and walks away.
func (s *Service) renew(ctx context.Context, sub subdomain.Subscription, price float64, now time.Time) (bool, error) {
	charged := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		newEnd := sub.PeriodEnd.AddDate(0, 1, 0)
		claim := tx.Model(&subdomain.Subscription{}).
			Where("id = ? AND period_end = ?", sub.ID, sub.PeriodEnd).
			Updates(map[string]any{
				"period_start": sub.PeriodEnd,
				"period_end":   newEnd,
				"status":       subdomain.StatusActive,
				"updated_at":   now,
			})
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			metrics.Billing().IncIdempotentSkip(jobName)
			return nil
		}

		if price <= 0 {
			return nil
		}

		_, err := s.wallets.DebitTx(ctx, tx, walletdomain.OwnerOrg, sub.OrgID, price, walletdomain.SourceSubscriptionCharge, map[string]any{
			"plan":         sub.Plan,
			"period_start": sub.PeriodEnd,
			"period_end":   newEnd,
		})
		if err != nil {
			return err
		}
		charged = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if charged {
		metrics.Billing().IncCharge(string(walletdomain.SourceSubscriptionCharge), price)
		s.log.Info("subscription renewed",
			zap.Int64("org_id", int64(sub.OrgID)),
			zap.String("plan", sub.Plan),
			zap.Float64("amount_rub", price),
		)
		targetID := sub.ID.String()
		if err := s.audit.AuditLog(ctx, &sub.OrgID, auditdomain.ActorTypeSystem, "billing", "subscription_charged", "subscription", &targetID, map[string]any{
			"plan":       sub.Plan,
			"amount_rub": price,
		}); err != nil {
			s.log.Warn("audit write failed", zap.Error(err))
		}
	}
	return charged, nil
}

// markPastDue demotes the subscription without touching period bounds.
// The failed renewal left no wallet transaction, so the next run retries
// the same period.
func (s *Service) markPastDue(ctx context.Context, sub subdomain.Subscription, now time.Time) error {
	return s.db.WithContext(ctx).
		Model(&subdomain.Subscription{}).
		Where("id = ? AND period_end = ? AND status = ?", sub.ID, sub.PeriodEnd, subdomain.StatusActive).
		Updates(map[string]any{
			"status":     subdomain.StatusPastDue,
			"updated_at": now,
		}).Error
}

func (s *Service) applyPendingPlan(ctx context.Context, sub subdomain.Subscription, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&subdomain.Subscription{}).
		Where("id = ? AND pending_plan IS NOT NULL AND pending_plan_effective_at <= ?", sub.ID, now).
		Updates(map[string]any{
			"plan":                      gorm.Expr("pending_plan"),
			"pending_plan":              nil,
			"pending_plan_effective_at": nil,
			"updated_at":                now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	s.log.Info("pending plan applied",
		zap.Int64("org_id", int64(sub.OrgID)),
		zap.Stringp("plan", sub.PendingPlan),
	)
	targetID := sub.ID.String()
	if err := s.audit.AuditLog(ctx, &sub.OrgID, auditdomain.ActorTypeSystem, "billing", "pending_plan_applied", "subscription", &targetID, map[string]any{
		"plan": sub.PendingPlan,
	}); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}
	return true, nil
}

func (s *Service) notifyExpiring(ctx context.Context, now time.Time, cfg config.BillingConfig) error {
	horizon := now.AddDate(0, 0, cfg.ExpiryNoticeDays)

	var expiring []subdomain.Subscription
	err := s.db.WithContext(ctx).
		Where("plan <> ? AND status = ? AND period_end > ? AND period_end <= ?",
			plandomain.PlanBasic, subdomain.StatusActive, now, horizon).
		Find(&expiring).Error
	if err != nil {
		return err
	}

	var errs error
	for _, sub := range expiring {
		if err := s.notifier.NotifyExpiring(ctx, sub.OrgID, sub.Plan, sub.PeriodEnd); err != nil {
			errs = errors.Join(errs, fmt.Errorf("org %s: %w", sub.OrgID, err))
		}
	}
	return errs
}

func (s *Service) ActivateGracePeriod(ctx context.Context, orgID snowflake.ID, now time.Time) (subdomain.AccessDecision, error) {
	now = now.UTC()
	sub, err := s.Get(ctx, orgID)
	if err != nil {
		return subdomain.AccessDecision{}, err
	}
	if sub.Status != subdomain.StatusPastDue {
		return subdomain.AccessDecision{}, subdomain.ErrGraceNotApplicable
	}

	cfg := s.billing.Get()
	month := usagedomain.MonthKey(now)
	graceUntil := now.AddDate(0, 0, cfg.GraceDays)

	result := s.db.WithContext(ctx).
		Model(&subdomain.Subscription{}).
		Where("org_id = ? AND (grace_used_month IS NULL OR grace_used_month <> ?)", orgID, month).
		Updates(map[string]any{
			"grace_used_month": month,
			"grace_until":      graceUntil,
			"updated_at":       now,
		})
	if result.Error != nil {
		return subdomain.AccessDecision{}, result.Error
	}
	if result.RowsAffected == 0 {
		return subdomain.AccessDecision{}, subdomain.ErrGraceAlreadyUsed
	}

	metrics.Billing().IncGraceActivation()
	s.log.Info("grace period activated",
		zap.Int64("org_id", int64(orgID)),
		zap.String("month", month),
		zap.Time("grace_until", graceUntil),
	)
	targetID := sub.ID.String()
	if err := s.audit.AuditLog(ctx, &orgID, auditdomain.ActorTypeUser, "org", "grace_activated", "subscription", &targetID, map[string]any{
		"month":       month,
		"grace_until": graceUntil,
	}); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}

	return s.EnsureAccess(ctx, orgID, now)
}

func (s *Service) EnsureAccess(ctx context.Context, orgID snowflake.ID, now time.Time) (subdomain.AccessDecision, error) {
	now = now.UTC()

	record, err := s.storage.Get(ctx, orgID)
	if err != nil {
		return subdomain.AccessDecision{}, err
	}

	sub, err := s.Get(ctx, orgID)
	if err != nil {
		if errors.Is(err, subdomain.ErrSubscriptionNotFound) {
			// Implicit free tier: always active, storage flag still
			// applies.
			return subdomain.AccessDecision{
				OK:       true,
				ReadOnly: record.ReadOnly,
				Reason:   record.ReadOnlyReason,
			}, nil
		}
		return subdomain.AccessDecision{}, err
	}

	decision := subdomain.AccessDecision{
		ReadOnly:   record.ReadOnly,
		GraceUntil: sub.GraceUntil,
	}

	graceActive := sub.GraceUntil != nil && now.Before(*sub.GraceUntil)
	month := usagedomain.MonthKey(now)
	decision.GraceAvailable = sub.Status == subdomain.StatusPastDue && !graceActive &&
		(sub.GraceUsedMonth == nil || *sub.GraceUsedMonth != month)

	switch sub.Status {
	case subdomain.StatusCanceled:
		decision.OK = false
		decision.Reason = subdomain.ReasonCanceled
	case subdomain.StatusPastDue:
		if graceActive {
			decision.OK = true
			decision.Reason = subdomain.ReasonGracePeriod
		} else {
			decision.OK = false
			decision.Reason = subdomain.ReasonPastDue
		}
	default:
		decision.OK = true
		if record.ReadOnly {
			decision.Reason = record.ReadOnlyReason
		}
	}
	return decision, nil
}
