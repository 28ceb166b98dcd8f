package invoice

import (
	"github.com/smallbiznis/seikyu/internal/invoice/service"
	"github.com/smallbiznis/seikyu/internal/invoice/versioning"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(versioning.NewManager),
	fx.Provide(service.NewService),
)
