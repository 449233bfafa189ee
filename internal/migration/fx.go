package migration

import (
	"context"

	auditdomain "github.com/opsfield/opsfield/internal/audit/domain"
	billingdomain "github.com/opsfield/opsfield/internal/billing/domain"
	"github.com/opsfield/opsfield/internal/config"
	plandomain "github.com/opsfield/opsfield/internal/plan/domain"
	storagedomain "github.com/opsfield/opsfield/internal/storage/domain"
	subdomain "github.com/opsfield/opsfield/internal/subscription/domain"
	usagedomain "github.com/opsfield/opsfield/internal/usagelimit/domain"
	walletdomain "github.com/opsfield/opsfield/internal/wallet/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, plans plandomain.Service) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// sqlite and mysql run from the model definitions; the
			// versioned SQL tracks postgres deployments.
			if err := AutoMigrate(conn); err != nil {
				return err
			}
		}

		return plans.EnsureDefaults(context.Background())
	}),
)

func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&plandomain.PlanEntry{},
		&usagedomain.UsagePeriodCounter{},
		&storagedomain.StorageUsageRecord{},
		&walletdomain.Wallet{},
		&walletdomain.WalletTransaction{},
		&billingdomain.HourlyChargeRecord{},
		&subdomain.Subscription{},
		&auditdomain.AuditLog{},
	)
}
