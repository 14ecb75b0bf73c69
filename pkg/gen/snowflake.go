package gen

import (
	"github.com/bwmarrin/snowflake"
	"github.com/facebookgo/clock"
	"go.uber.org/fx"
)

var Module = fx.Module("gen",
	fx.Provide(
		NewSnowflakeNode,
		NewClock,
	),
)

func NewSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func NewClock() clock.Clock {
	return clock.New()
}
