package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenvault/internal/clock"
	"github.com/smallbiznis/tokenvault/internal/config"
	"github.com/smallbiznis/tokenvault/internal/migration"
	"github.com/smallbiznis/tokenvault/internal/observability"
	"github.com/smallbiznis/tokenvault/internal/scheduler"
	"github.com/smallbiznis/tokenvault/internal/server"
	"github.com/smallbiznis/tokenvault/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		server.Module,
		scheduler.Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
