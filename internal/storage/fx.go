package storage

import (
	"github.com/opsfield/opsfield/internal/storage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("storage.service",
	fx.Provide(service.NewService),
)
