package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/songforge/internal/authorization"
	"github.com/smallbiznis/songforge/internal/cache"
	"github.com/smallbiznis/songforge/internal/clock"
	"github.com/smallbiznis/songforge/internal/config"
	"github.com/smallbiznis/songforge/internal/dispatch"
	"github.com/smallbiznis/songforge/internal/finalizer"
	"github.com/smallbiznis/songforge/internal/ledger"
	"github.com/smallbiznis/songforge/internal/migration"
	"github.com/smallbiznis/songforge/internal/observability"
	"github.com/smallbiznis/songforge/internal/payment"
	"github.com/smallbiznis/songforge/internal/poller"
	"github.com/smallbiznis/songforge/internal/providers"
	"github.com/smallbiznis/songforge/internal/queue"
	"github.com/smallbiznis/songforge/internal/ratelimit"
	"github.com/smallbiznis/songforge/internal/refund"
	"github.com/smallbiznis/songforge/internal/request"
	"github.com/smallbiznis/songforge/internal/scheduler"
	"github.com/smallbiznis/songforge/internal/server"
	"github.com/smallbiznis/songforge/internal/storage"
	"github.com/smallbiznis/songforge/internal/store"
	"github.com/smallbiznis/songforge/internal/view"
	"github.com/smallbiznis/songforge/pkg/db"
	"go.uber.org/fx"
)

// songforge runs the HTTP surface, the queue worker and the scheduler in one process.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		store.Module,
		cache.Module,
		ratelimit.Module,
		queue.Module,
		storage.Module,
		providers.Module,

		// Pipeline
		ledger.Module,
		request.Module,
		payment.Module,
		refund.Module,
		dispatch.Module,
		poller.Module,
		finalizer.Module,
		view.Module,
		scheduler.Module,
		authorization.Module,

		server.Module,
		fx.Invoke(queue.RunWorker),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
