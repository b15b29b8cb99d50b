package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/songforge/internal/authorization"
	"github.com/smallbiznis/songforge/internal/cache"
	"github.com/smallbiznis/songforge/internal/clock"
	"github.com/smallbiznis/songforge/internal/config"
	"github.com/smallbiznis/songforge/internal/ledger"
	"github.com/smallbiznis/songforge/internal/migration"
	"github.com/smallbiznis/songforge/internal/observability"
	"github.com/smallbiznis/songforge/internal/payment"
	"github.com/smallbiznis/songforge/internal/queue"
	"github.com/smallbiznis/songforge/internal/ratelimit"
	"github.com/smallbiznis/songforge/internal/request"
	"github.com/smallbiznis/songforge/internal/server"
	"github.com/smallbiznis/songforge/internal/store"
	"github.com/smallbiznis/songforge/internal/view"
	"github.com/smallbiznis/songforge/pkg/db"
	"go.uber.org/fx"
)

// api serves HTTP only. Change events written here are relayed by the worker.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		store.Module,
		cache.Module,
		ratelimit.Module,

		// Core dependencies for API
		ledger.Module,
		request.Module,
		payment.Module,
		fx.Provide(queue.New),
		fx.Provide(view.New),
		authorization.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
