package auction

import (
	"github.com/tinylvt/tinylvt/internal/auction/service"
	"go.uber.org/fx"
)

var Module = fx.Module("auction.service",
	fx.Provide(service.NewService),
)
