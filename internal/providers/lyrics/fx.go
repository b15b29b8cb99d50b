package lyrics

import "go.uber.org/fx"

var Module = fx.Module("providers.lyrics",
	fx.Provide(NewFromConfig),
	fx.Provide(func(c *Client) Generator { return c }),
)
