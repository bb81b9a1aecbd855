package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/smallbiznis/nestbill/internal/billingevent/domain"
)

type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
	Drain() error
}

// NATSSink publishes to <subject>.<event type>. The Nats-Msg-Id header lets
// a JetStream stream drop redeliveries.
type NATSSink struct {
	conn    msgPublisher
	subject string
}

func NewNATSSink(url, subject string) (*NATSSink, error) {
	if strings.TrimSpace(url) == "" || strings.TrimSpace(subject) == "" {
		return nil, domain.ErrSinkNotConfigured
	}
	conn, err := nats.Connect(url, nats.Name("nestbill-billing-events"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return newNATSSink(conn, subject), nil
}

func newNATSSink(conn msgPublisher, subject string) *NATSSink {
	return &NATSSink{conn: conn, subject: strings.TrimSuffix(strings.TrimSpace(subject), ".")}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(_ context.Context, event domain.BillingEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return err
	}
	msg := nats.NewMsg(s.subject + "." + event.EventType)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.IdempotencyKey)
	msg.Header.Set("Subscription-Id", event.SubscriptionID.String())
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish billing event to %q: %w", msg.Subject, err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
