package finalizer

import (
	"github.com/smallbiznis/songforge/internal/queue"
	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/fx"
)

var Module = fx.Module("finalizer",
	fx.Provide(New),
	fx.Invoke(Register),
)

func Register(w *queue.Worker, relay *store.Relay, f *Finalizer) {
	w.Register(TaskType, f.Handler())
	relay.Subscribe(store.EntitySong, "finalize.trigger", f.OnSongChanged)
}
