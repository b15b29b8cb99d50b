package music

import "go.uber.org/fx"

var Module = fx.Module("providers.music",
	fx.Provide(NewFromConfig),
	fx.Provide(func(c *Client) Provider { return c }),
)
