package service

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/smallbiznis/nestbill/internal/billingevent/domain"
)

func newRefundEvent(s *Service, subscriptionID, requestID snowflake.ID, amount int64, currency, gatewayRef string) (*billingeventdomain.BillingEvent, error) {
	return billingeventdomain.New(
		s.genID.Generate(),
		subscriptionID,
		"subscription.refund_issued",
		fmt.Sprintf("refund-%d", requestID),
		map[string]any{
			"cancellation_id": requestID.String(),
			"amount":          amount,
			"currency":        currency,
			"gateway_ref":     gatewayRef,
		},
		s.clock.Now(),
	)
}
