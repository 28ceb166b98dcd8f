package sourcefact

import "go.uber.org/fx"

var Module = fx.Module("sourcefact",
	fx.Provide(NewRepository),
)
