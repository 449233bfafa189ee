package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/opsfield/opsfield/internal/audit"
	"github.com/opsfield/opsfield/internal/billing"
	"github.com/opsfield/opsfield/internal/clock"
	"github.com/opsfield/opsfield/internal/config"
	"github.com/opsfield/opsfield/internal/logger"
	"github.com/opsfield/opsfield/internal/migration"
	"github.com/opsfield/opsfield/internal/notification"
	"github.com/opsfield/opsfield/internal/plan"
	"github.com/opsfield/opsfield/internal/ratelimit"
	"github.com/opsfield/opsfield/internal/scheduler"
	"github.com/opsfield/opsfield/internal/server"
	"github.com/opsfield/opsfield/internal/storage"
	"github.com/opsfield/opsfield/internal/subscription"
	"github.com/opsfield/opsfield/internal/usagelimit"
	"github.com/opsfield/opsfield/internal/wallet"
	"github.com/opsfield/opsfield/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		// Domains
		audit.Module,
		plan.Module,
		usagelimit.Module,
		storage.Module,
		wallet.Module,
		billing.Module,
		notification.Module,
		subscription.Module,

		// Startup and drivers
		migration.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
