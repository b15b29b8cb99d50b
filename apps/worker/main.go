package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/songforge/internal/cache"
	"github.com/smallbiznis/songforge/internal/clock"
	"github.com/smallbiznis/songforge/internal/config"
	"github.com/smallbiznis/songforge/internal/dispatch"
	"github.com/smallbiznis/songforge/internal/finalizer"
	"github.com/smallbiznis/songforge/internal/ledger"
	"github.com/smallbiznis/songforge/internal/observability"
	"github.com/smallbiznis/songforge/internal/poller"
	"github.com/smallbiznis/songforge/internal/providers"
	"github.com/smallbiznis/songforge/internal/queue"
	"github.com/smallbiznis/songforge/internal/ratelimit"
	"github.com/smallbiznis/songforge/internal/refund"
	"github.com/smallbiznis/songforge/internal/scheduler"
	"github.com/smallbiznis/songforge/internal/storage"
	"github.com/smallbiznis/songforge/internal/store"
	"github.com/smallbiznis/songforge/internal/view"
	"github.com/smallbiznis/songforge/pkg/db"
	"go.uber.org/fx"
)

// worker runs queue handlers, the change feed relay and maintenance jobs.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		store.Module,
		cache.Module,
		ratelimit.Module,
		queue.Module,
		storage.Module,
		providers.Module,

		// Domain services required by handlers and triggers
		ledger.Module,
		refund.Module,
		dispatch.Module,
		poller.Module,
		finalizer.Module,
		view.Module,
		scheduler.Module,

		fx.Invoke(queue.RunWorker),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
