package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/nestbill/internal/billingevent"
	"github.com/smallbiznis/nestbill/internal/clock"
	"github.com/smallbiznis/nestbill/internal/config"
	"github.com/smallbiznis/nestbill/internal/conversion"
	"github.com/smallbiznis/nestbill/internal/entitlement"
	"github.com/smallbiznis/nestbill/internal/invoice"
	"github.com/smallbiznis/nestbill/internal/migration"
	"github.com/smallbiznis/nestbill/internal/observability"
	"github.com/smallbiznis/nestbill/internal/payment"
	"github.com/smallbiznis/nestbill/internal/ratelimit"
	"github.com/smallbiznis/nestbill/internal/recovery"
	"github.com/smallbiznis/nestbill/internal/scheduler"
	"github.com/smallbiznis/nestbill/internal/server"
	"github.com/smallbiznis/nestbill/internal/subscription"
	"github.com/smallbiznis/nestbill/internal/tax"
	"github.com/smallbiznis/nestbill/internal/trial"
	"github.com/smallbiznis/nestbill/pkg/db"
	"go.uber.org/fx"
)

// nestbill runs the API and the lifecycle scheduler in one process.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,

		// Functional Domains
		subscription.Module,
		trial.Module,
		conversion.Module,
		recovery.Module,
		tax.Module,
		payment.Module,
		invoice.Module,
		entitlement.Module,
		billingevent.Module,

		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
