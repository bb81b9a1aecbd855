package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/nestbill/internal/billingevent/domain"
	"github.com/smallbiznis/nestbill/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testEvent(t *testing.T) domain.BillingEvent {
	t.Helper()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	event, err := domain.New(node.Generate(), node.Generate(), "subscription.converted", "subscription-1-v2",
		map[string]any{"amount": 1129}, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return *event
}

func TestRedisStreamSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s, err := NewRedisStreamSink(client, "nestbill:billing-events")
	require.NoError(t, err)

	event := testEvent(t)
	require.NoError(t, s.Publish(context.Background(), event))

	entries, err := client.XRange(context.Background(), "nestbill:billing-events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "subscription.converted", entries[0].Values["event_type"])
	assert.Equal(t, event.IdempotencyKey, entries[0].Values["idempotency_key"])
	assert.Equal(t, event.SubscriptionID.String(), entries[0].Values["subscription_id"])

	_, err = NewRedisStreamSink(nil, "stream")
	assert.ErrorIs(t, err, domain.ErrSinkNotConfigured)
}

func TestKafkaSink(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	s := newKafkaSink(producer, "nestbill.billing-events")
	event := testEvent(t)

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "nestbill.billing-events" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != event.SubscriptionID.String() {
			return errors.New("record not keyed by subscription")
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var envelope domain.Envelope
		if err := json.Unmarshal(value, &envelope); err != nil {
			return err
		}
		if envelope.EventType != event.EventType {
			return errors.New("unexpected event type " + envelope.EventType)
		}
		return nil
	})
	require.NoError(t, s.Publish(context.Background(), event))

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	err := s.Publish(context.Background(), event)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	require.NoError(t, s.Close())
}

type fakeNATS struct {
	msgs    []*nats.Msg
	err     error
	drained bool
}

func (f *fakeNATS) PublishMsg(m *nats.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeNATS) Drain() error {
	f.drained = true
	return nil
}

func TestNATSSink(t *testing.T) {
	conn := &fakeNATS{}
	s := newNATSSink(conn, "nestbill.billing.events.")
	event := testEvent(t)

	require.NoError(t, s.Publish(context.Background(), event))
	require.Len(t, conn.msgs, 1)
	msg := conn.msgs[0]
	assert.Equal(t, "nestbill.billing.events.subscription.converted", msg.Subject)
	assert.Equal(t, event.IdempotencyKey, msg.Header.Get(nats.MsgIdHdr))

	var envelope domain.Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &envelope))
	assert.Equal(t, event.ID.String(), envelope.ID)
	assert.JSONEq(t, string(event.Payload), string(envelope.Payload))

	conn.err = nats.ErrConnectionClosed
	assert.ErrorIs(t, s.Publish(context.Background(), event), nats.ErrConnectionClosed)

	require.NoError(t, s.Close())
	assert.True(t, conn.drained)
}

func TestBuild(t *testing.T) {
	log := zap.NewNop()

	s, err := build(config.EventSinkConfig{Type: "log"}, log, nil)
	require.NoError(t, err)
	assert.Equal(t, "log", s.Name())
	require.NoError(t, s.Publish(context.Background(), testEvent(t)))

	_, err = build(config.EventSinkConfig{Type: "redis", RedisStream: "x"}, log, nil)
	assert.ErrorIs(t, err, domain.ErrSinkNotConfigured)

	_, err = build(config.EventSinkConfig{Type: "kafka"}, log, nil)
	assert.ErrorIs(t, err, domain.ErrSinkNotConfigured)

	_, err = build(config.EventSinkConfig{Type: "carrier-pigeon"}, log, nil)
	assert.ErrorIs(t, err, domain.ErrUnsupportedSink)
}
