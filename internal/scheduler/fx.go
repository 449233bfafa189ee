package scheduler

import (
	"context"

	"github.com/opsfield/opsfield/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(func(cfg config.Config) Config {
		return Config{RunInterval: cfg.SchedulerInterval}
	}),
	fx.Provide(New),
	fx.Invoke(registerHooks),
)

func registerHooks(lc fx.Lifecycle, s *Scheduler, cfg config.Config, log *zap.Logger) {
	if !cfg.SchedulerEnabled {
		log.Named("scheduler").Info("scheduler disabled, billing runs on external triggers only")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
