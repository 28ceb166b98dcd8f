package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/seikyu/internal/audit"
	"github.com/smallbiznis/seikyu/internal/clock"
	"github.com/smallbiznis/seikyu/internal/config"
	"github.com/smallbiznis/seikyu/internal/invoice"
	"github.com/smallbiznis/seikyu/internal/invoicebatch"
	"github.com/smallbiznis/seikyu/internal/migration"
	"github.com/smallbiznis/seikyu/internal/observability"
	"github.com/smallbiznis/seikyu/internal/orgunit"
	"github.com/smallbiznis/seikyu/internal/sourcefact"
	"github.com/smallbiznis/seikyu/pkg/db"
	"github.com/smallbiznis/seikyu/pkg/lock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// infraModules opens the database and applies the schema.
func infraModules() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
	)
}

// engineModules wires everything needed to run a generation batch.
func engineModules() fx.Option {
	return fx.Options(
		infraModules(),
		lock.Module,
		orgunit.Module,
		sourcefact.Module,
		audit.Module,
		invoice.Module,
		invoicebatch.Module,
	)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
