package providers

import (
	"github.com/smallbiznis/songforge/internal/providers/lyrics"
	"github.com/smallbiznis/songforge/internal/providers/music"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	lyrics.Module,
	music.Module,
)
