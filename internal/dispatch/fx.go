package dispatch

import (
	"github.com/smallbiznis/songforge/internal/queue"
	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/fx"
)

var Module = fx.Module("dispatch",
	fx.Provide(New),
	fx.Invoke(Register),
)

func Register(w *queue.Worker, relay *store.Relay, d *Dispatcher) {
	w.Register(TaskType, d.Handler())
	relay.Subscribe(store.EntityGenerationRequest, "dispatch.trigger", d.OnRequestChanged)
}
