package usagelimit

import (
	"github.com/opsfield/opsfield/internal/usagelimit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usagelimit.service",
	fx.Provide(service.NewService),
)
