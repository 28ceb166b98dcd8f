package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/seikyu/internal/audit"
	"github.com/smallbiznis/seikyu/internal/clock"
	"github.com/smallbiznis/seikyu/internal/config"
	"github.com/smallbiznis/seikyu/internal/invoice"
	"github.com/smallbiznis/seikyu/internal/invoicebatch"
	"github.com/smallbiznis/seikyu/internal/observability"
	"github.com/smallbiznis/seikyu/internal/orgunit"
	"github.com/smallbiznis/seikyu/internal/scheduler"
	"github.com/smallbiznis/seikyu/internal/sourcefact"
	"github.com/smallbiznis/seikyu/pkg/db"
	"github.com/smallbiznis/seikyu/pkg/lock"
	"go.uber.org/fx"
)

// Runs only the background jobs; the schema is owned by `seikyu migrate`.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,

		// Domain services required by scheduler
		orgunit.Module,
		sourcefact.Module,
		audit.Module,
		invoice.Module,
		invoicebatch.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
