package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/smallbiznis/nestbill/internal/billingevent/domain"
	"github.com/smallbiznis/nestbill/internal/clock"
	obsmetrics "github.com/smallbiznis/nestbill/internal/observability/metrics"
	"github.com/smallbiznis/nestbill/internal/ratelimit"
	recoverydomain "github.com/smallbiznis/nestbill/internal/recovery/domain"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobTrialExpiry           = "trial_expiry"
	JobCancellationPromotion = "cancellation_promotion"
	JobRefundResolution      = "refund_resolution"
	JobRenewals              = "renewals"
	JobPaymentRetry          = "payment_retry"
	JobBillingEventRelay     = "billing_event_relay"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Config        Config `optional:"true"`
	Subscriptions subscriptiondomain.Service
	Recovery      recoverydomain.Service
	Relay         billingeventdomain.Relay `optional:"true"`
	Locker        *ratelimit.Locker        `optional:"true"`
}

type Scheduler struct {
	log           *zap.Logger
	cfg           Config
	genID         *snowflake.Node
	clock         clock.Clock
	subscriptions subscriptiondomain.Service
	recovery      recoverydomain.Service
	relay         billingeventdomain.Relay
	locker        *ratelimit.Locker
}

// sweep advances at most limit records and reports how many moved.
type sweep func(ctx context.Context, now time.Time, limit int) (int, error)

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Subscriptions == nil || p.Recovery == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           p.Config.withDefaults(),
		genID:         p.GenID,
		clock:         p.Clock,
		subscriptions: p.Subscriptions,
		recovery:      p.Recovery,
		relay:         p.Relay,
		locker:        p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.beginRun(ctx, name, batchSize)
	log := s.logger(ctx).With(run.fields()...)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := s.withJobLock(ctx, name, fn)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	schedMetrics.AddBatchProcessed(name, run.processed)
	if owner {
		if err != nil && run.failures == 0 {
			run.addFailure()
		}
		s.finishRun(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick resumes the sweep
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// withJobLock holds scheduler:lock:<job> for the duration of fn when a
// locker is configured. Transitions are compare-and-swap guarded, so a lock
// backend failure falls through to running unlocked.
func (s *Scheduler) withJobLock(ctx context.Context, name string, fn func(context.Context) error) error {
	if !s.locker.Enabled() {
		return fn(ctx)
	}
	var jobErr error
	ran, err := s.locker.WithLock(ctx, lockKey(name), s.cfg.LockTTL, func(ctx context.Context) error {
		jobErr = fn(ctx)
		return jobErr
	})
	if err != nil && jobErr == nil {
		s.logger(ctx).Warn("scheduler.lock.failed", zap.String("job", name), zap.Error(err))
		return fn(ctx)
	}
	if !ran {
		obsmetrics.Scheduler().IncLockSkipped(name)
		s.logger(ctx).Debug("scheduler.lock.skipped", zap.String("job", name))
		return nil
	}
	return jobErr
}

func lockKey(job string) string {
	return "scheduler:lock:" + job
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     sweep
	}{
		{JobTrialExpiry, s.isJobEnabled(JobTrialExpiry), s.subscriptions.ExpireTrials},
		{JobCancellationPromotion, s.isJobEnabled(JobCancellationPromotion), s.subscriptions.PromoteDueCancellations},
		{JobRefundResolution, s.isJobEnabled(JobRefundResolution), s.subscriptions.ResolveRefunds},
		{JobRenewals, s.isJobEnabled(JobRenewals), s.recovery.ProcessDueRenewals},
		{JobPaymentRetry, s.isJobEnabled(JobPaymentRetry), s.recovery.ProcessDueRetries},
		{JobBillingEventRelay, s.relay != nil && s.isJobEnabled(JobBillingEventRelay), s.publishEvents},
	}

	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		name, run := job.Name, job.Run
		err = errors.Join(err, s.runJob(parent, name, s.cfg.BatchSize, s.cfg.JobTimeout, func(ctx context.Context) error {
			return s.drain(ctx, run)
		}))
	}

	return err
}

// drain repeats a sweep until a pass moves nothing. Every pass sees the same
// "now" so records made due by the pass itself wait for the next tick.
func (s *Scheduler) drain(ctx context.Context, fn sweep) error {
	run := runFrom(ctx)
	now := s.clock.Now()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		processed, err := fn(ctx, now, s.cfg.BatchSize)
		run.addProcessed(processed)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.reportBatchError(ctx, run, err, zap.Int("processed", processed))
		}
		if processed == 0 {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) publishEvents(ctx context.Context, _ time.Time, limit int) (int, error) {
	published, err := s.relay.PublishPending(ctx, limit)
	if err != nil {
		// stop the drain; unpublished events are retried on the next tick
		return 0, err
	}
	return published, nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means every job runs in this process
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}
