package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/nestbill/internal/billingevent"
	"github.com/smallbiznis/nestbill/internal/clock"
	"github.com/smallbiznis/nestbill/internal/config"
	"github.com/smallbiznis/nestbill/internal/invoice"
	"github.com/smallbiznis/nestbill/internal/observability"
	"github.com/smallbiznis/nestbill/internal/payment"
	"github.com/smallbiznis/nestbill/internal/ratelimit"
	"github.com/smallbiznis/nestbill/internal/recovery"
	"github.com/smallbiznis/nestbill/internal/scheduler"
	"github.com/smallbiznis/nestbill/internal/subscription"
	"github.com/smallbiznis/nestbill/internal/tax"
	"github.com/smallbiznis/nestbill/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		// Domain services required by scheduler
		scheduler.Module,
		subscription.Module,
		recovery.Module,
		tax.Module,
		payment.Module,
		invoice.Module,
		billingevent.Module,

		// No server module!
	)
	app.Run()
}

// RegisterSnowflake uses node 2 so ids never collide with the API process.
func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
