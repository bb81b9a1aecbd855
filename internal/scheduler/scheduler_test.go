package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	redis "github.com/redis/go-redis/v9"
	billingeventdomain "github.com/smallbiznis/nestbill/internal/billingevent/domain"
	billingeventservice "github.com/smallbiznis/nestbill/internal/billingevent/service"
	"github.com/smallbiznis/nestbill/internal/clock"
	obsmetrics "github.com/smallbiznis/nestbill/internal/observability/metrics"
	"github.com/smallbiznis/nestbill/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	"github.com/smallbiznis/nestbill/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var baseLabels = map[string]string{
	"service": "nestbill",
	"env":     "test",
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := useTestRegistry(t)

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if got := getCounterValue(t, registry, "nestbill_scheduler_job_timeouts_total", withLabels("job", "timeout_job")); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := withLabels("job", "timeout_job", "reason", obsmetrics.SchedulerJobReasonDeadlineExceeded)
	if got := getCounterValue(t, registry, "nestbill_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobWrapsFailure(t *testing.T) {
	registry := useTestRegistry(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "renewals", 10, time.Second, func(context.Context) error {
		return errors.New("gateway unavailable")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "renewals: gateway unavailable")

	labels := withLabels("job", "renewals", "reason", obsmetrics.SchedulerJobReasonGateway)
	assert.Equal(t, float64(1), getCounterValue(t, registry, "nestbill_scheduler_job_errors_total", labels))
}

func TestRunOnceExpiresTrialsAndRelaysEvents(t *testing.T) {
	registry := useTestRegistry(t)
	k := testkit.New(t)
	ctx := context.Background()

	sub, err := k.Subscriptions.StartTrial(ctx, subscriptiondomain.StartTrialRequest{
		FamilyID: "fam-1",
		PlanTier: "premium",
		Cadence:  "monthly",
	})
	require.NoError(t, err)

	sink := &recordingSink{}
	s := newTestScheduler(t, k, sink, nil, Config{})

	// still inside the trial: only the start event is relayed
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, subscriptiondomain.StatusTrialing, k.Reload(t, sub.ID).Status)
	require.Len(t, sink.events, 1)

	k.Clock.Advance(15 * 24 * time.Hour)
	require.NoError(t, s.RunOnce(ctx))

	assert.Equal(t, subscriptiondomain.StatusExpired, k.Reload(t, sub.ID).Status)
	require.Len(t, sink.events, 2)
	assert.Equal(t, "subscription.trial_started", sink.events[0].EventType)
	assert.Equal(t, "subscription.trial_expired", sink.events[1].EventType)
	assert.Equal(t, int64(0), k.Count(t, `SELECT COUNT(*) FROM billing_events WHERE published_at IS NULL`))

	assert.Equal(t, float64(1), getCounterValue(t, registry, "nestbill_scheduler_batch_processed_total", withLabels("job", JobTrialExpiry)))
	assert.Equal(t, float64(2), getCounterValue(t, registry, "nestbill_scheduler_job_runs_total", withLabels("job", JobTrialExpiry)))

	// a second pass finds nothing new
	require.NoError(t, s.RunOnce(ctx))
	assert.Len(t, sink.events, 2)
}

func TestRunOnceRelayFailureIsReported(t *testing.T) {
	useTestRegistry(t)
	k := testkit.New(t)
	ctx := context.Background()

	_, err := k.Subscriptions.StartTrial(ctx, subscriptiondomain.StartTrialRequest{
		FamilyID: "fam-2",
		PlanTier: "basic",
		Cadence:  "annual",
	})
	require.NoError(t, err)

	s := newTestScheduler(t, k, &recordingSink{fail: true}, nil, Config{EnabledJobs: []string{JobBillingEventRelay}})
	err = s.RunOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobBillingEventRelay)
	assert.Equal(t, int64(1), k.Count(t, `SELECT COUNT(*) FROM billing_events WHERE published_at IS NULL`))
}

func TestRunOnceSkipsJobWhenLockHeld(t *testing.T) {
	registry := useTestRegistry(t)
	k := testkit.New(t)
	ctx := context.Background()

	sub, err := k.Subscriptions.StartTrial(ctx, subscriptiondomain.StartTrialRequest{
		FamilyID: "fam-3",
		PlanTier: "premium",
		Cadence:  "monthly",
	})
	require.NoError(t, err)

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, srv.Set(lockKey(JobTrialExpiry), "other-replica"))

	s := newTestScheduler(t, k, &recordingSink{}, ratelimit.NewLocker(client), Config{EnabledJobs: []string{JobTrialExpiry}})
	k.Clock.Advance(15 * 24 * time.Hour)

	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, subscriptiondomain.StatusTrialing, k.Reload(t, sub.ID).Status)
	assert.Equal(t, float64(1), getCounterValue(t, registry, "nestbill_scheduler_lock_skipped_total", withLabels("job", JobTrialExpiry)))

	srv.Del(lockKey(JobTrialExpiry))
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, subscriptiondomain.StatusExpired, k.Reload(t, sub.ID).Status)
	assert.False(t, srv.Exists(lockKey(JobTrialExpiry)))
}

func TestIsJobEnabled(t *testing.T) {
	all := &Scheduler{cfg: Config{}}
	assert.True(t, all.isJobEnabled(JobRenewals))

	some := &Scheduler{cfg: Config{EnabledJobs: []string{" Trial_Expiry ", JobPaymentRetry}}}
	assert.True(t, some.isJobEnabled(JobTrialExpiry))
	assert.True(t, some.isJobEnabled(JobPaymentRetry))
	assert.False(t, some.isJobEnabled(JobRenewals))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{JobTimeout: 10 * time.Minute, LockTTL: time.Minute}.withDefaults()
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 10*time.Minute, cfg.LockTTL)
}

func TestNewRequiresServices(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

type recordingSink struct {
	events []billingeventdomain.BillingEvent
	fail   bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, event billingeventdomain.BillingEvent) error {
	if s.fail {
		return errors.New("broker down")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func newTestScheduler(t *testing.T, k *testkit.Kit, sink billingeventdomain.Sink, locker *ratelimit.Locker, cfg Config) *Scheduler {
	t.Helper()
	relay := billingeventservice.NewRelay(billingeventservice.RelayParam{
		DB:    k.DB,
		Log:   k.Log,
		Clock: k.Clock,
		Repo:  k.EventRepo,
		Sink:  sink,
	})
	s, err := New(Params{
		Log:           k.Log,
		GenID:         k.Node,
		Clock:         k.Clock,
		Config:        cfg,
		Subscriptions: k.Subscriptions,
		Recovery:      k.Recovery,
		Relay:         relay,
		Locker:        locker,
	})
	require.NoError(t, err)
	return s
}

func useTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "nestbill",
		Environment: "test",
	})
	return registry
}

func withLabels(kv ...string) map[string]string {
	labels := make(map[string]string, len(baseLabels)+len(kv)/2)
	for k, v := range baseLabels {
		labels[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		labels[kv[i]] = kv[i+1]
	}
	return labels
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
