package view

import (
	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/fx"
)

var Module = fx.Module("view",
	fx.Provide(New),
	fx.Invoke(Register),
)

func Register(relay *store.Relay, a *Aggregator) {
	relay.Subscribe(store.EntityGenerationRequest, "view.request", a.OnRequestChanged)
	relay.Subscribe(store.EntityTaskStatus, "view.task_status", a.OnTaskStatusChanged)
	relay.Subscribe(store.EntityTaskStatus, "view.stats", a.OnTaskStatusStats)
	relay.Subscribe(store.EntitySong, "view.song", a.OnSongChanged)
}
