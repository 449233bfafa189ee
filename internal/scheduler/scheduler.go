// Package scheduler drives the periodic billing jobs. Every job entry
// point is idempotent, so the loop assumes at-least-once execution and
// tolerates overlapping runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	billingdomain "github.com/opsfield/opsfield/internal/billing/domain"
	"github.com/opsfield/opsfield/internal/clock"
	"github.com/opsfield/opsfield/internal/observability/metrics"
	"github.com/opsfield/opsfield/internal/ratelimit"
	subdomain "github.com/opsfield/opsfield/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobStorageHourly      = "storage_hourly"
	JobSubscriptionCharge = "subscription_charge"
)

var ErrInvalidConfig = errors.New("scheduler requires db, logger, billing and subscription services")

type Params struct {
	fx.In

	Log             *zap.Logger
	BillingSvc      billingdomain.Service
	SubscriptionSvc subdomain.Service
	Clock           clock.Clock
	Locker          *ratelimit.Locker `optional:"true"`
	Config          Config            `optional:"true"`
}

type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	clock           clock.Clock
	billingSvc      billingdomain.Service
	subscriptionSvc subdomain.Service
	locker          *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.BillingSvc == nil || p.SubscriptionSvc == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		clock:           p.Clock,
		billingSvc:      p.BillingSvc,
		subscriptionSvc: p.SubscriptionSvc,
		locker:          p.Locker,
	}, nil
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobStorageHourly, s.StorageHourlyJob},
		{JobSubscriptionCharge, s.SubscriptionChargeJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	release, acquired, err := s.acquireLock(parent, name)
	if err != nil {
		s.log.Warn("job lock unavailable, running unguarded",
			zap.String("job", name), zap.Error(err))
	} else if !acquired {
		s.log.Debug("job held by another replica", zap.String("job", name))
		return nil
	}
	if release != nil {
		defer release()
	}

	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	m := metrics.Billing()
	m.IncJobRun(name)

	err = fn(ctx)
	m.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	m.IncJobError(name)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// Soft timeout: the idempotency records make the next run pick
		// up where this one stopped.
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) acquireLock(ctx context.Context, name string) (func(), bool, error) {
	if s.locker == nil {
		return nil, true, nil
	}
	key := "billing:job:" + name
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("job lock release failed", zap.String("job", name), zap.Error(err))
		}
	}, true, nil
}

func (s *Scheduler) isJobEnabled(name string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if enabled == name {
			return true
		}
	}
	return false
}

func (s *Scheduler) StorageHourlyJob(ctx context.Context) error {
	now := s.clock.Now()
	results, err := s.billingSvc.ChargeHourlyOverage(ctx, now)
	s.log.Info("storage hourly pass finished",
		zap.Int("processed", len(results)),
		zap.String("hour_key", billingdomain.HourKey(now)),
	)
	return err
}

func (s *Scheduler) SubscriptionChargeJob(ctx context.Context) error {
	outcomes, err := s.subscriptionSvc.ChargeDue(ctx, s.clock.Now())
	s.log.Info("subscription charge pass finished",
		zap.Int("processed", len(outcomes)),
	)
	return err
}
