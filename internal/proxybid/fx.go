package proxybid

import (
	"github.com/tinylvt/tinylvt/internal/proxybid/service"
	"go.uber.org/fx"
)

var Module = fx.Module("proxybid.service",
	fx.Provide(service.NewService),
)
