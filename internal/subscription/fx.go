package subscription

import (
	billingdomain "github.com/opsfield/opsfield/internal/billing/domain"
	subdomain "github.com/opsfield/opsfield/internal/subscription/domain"
	"github.com/opsfield/opsfield/internal/subscription/service"
	usagedomain "github.com/opsfield/opsfield/internal/usagelimit/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(service.NewService),
	// The usage counters and the hourly biller resolve plans through the
	// subscription state.
	fx.Provide(func(s subdomain.Service) usagedomain.PlanLookup { return s }),
	fx.Provide(func(s subdomain.Service) billingdomain.PlanLookup { return s }),
)
