package invoicebatch

import (
	"context"

	"go.uber.org/fx"
)

//go:generate mockgen -destination=mock/generator_mock.go -package=mock_invoicebatch . Generator

// Generator runs one invoice generation batch.
type Generator interface {
	Generate(ctx context.Context, req Request) (Report, error)
}

var Module = fx.Module("invoicebatch",
	fx.Provide(NewOrchestrator),
	fx.Provide(func(o *Orchestrator) Generator { return o }),
)
