// Package notification is the outbound boundary to the messaging
// collaborator. The billing core only announces events; delivery channels
// live elsewhere.
package notification

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Notifier announces billing lifecycle events.
type Notifier interface {
	// NotifyExpiring tells an org its paid period ends at periodEnd.
	NotifyExpiring(ctx context.Context, orgID snowflake.ID, plan string, periodEnd time.Time) error
	// NotifyPastDue tells an org a renewal charge failed.
	NotifyPastDue(ctx context.Context, orgID snowflake.ID, plan string) error
}

// NoOpNotifier drops every event. Default until a delivery integration is
// configured.
type NoOpNotifier struct{}

func (NoOpNotifier) NotifyExpiring(ctx context.Context, orgID snowflake.ID, plan string, periodEnd time.Time) error {
	return nil
}

func (NoOpNotifier) NotifyPastDue(ctx context.Context, orgID snowflake.ID, plan string) error {
	return nil
}

// LogNotifier records events in the service log so operators can see what
// would have been sent.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notification")}
}

func (n *LogNotifier) NotifyExpiring(ctx context.Context, orgID snowflake.ID, plan string, periodEnd time.Time) error {
	n.log.Info("subscription expiring",
		zap.Int64("org_id", int64(orgID)),
		zap.String("plan", plan),
		zap.Time("period_end", periodEnd),
	)
	return nil
}

func (n *LogNotifier) NotifyPastDue(ctx context.Context, orgID snowflake.ID, plan string) error {
	n.log.Info("subscription past due",
		zap.Int64("org_id", int64(orgID)),
		zap.String("plan", plan),
	)
	return nil
}

var Module = fx.Module("notification",
	fx.Provide(func(log *zap.Logger) Notifier {
		return NewLogNotifier(log)
	}),
)
