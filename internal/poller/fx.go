package poller

import (
	"github.com/smallbiznis/songforge/internal/queue"
	"go.uber.org/fx"
)

var Module = fx.Module("poller",
	fx.Provide(New),
	fx.Invoke(Register),
)

func Register(w *queue.Worker, p *Poller) {
	w.Register(TaskType, p.Handler())
}
