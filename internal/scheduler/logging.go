package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/smallbiznis/nestbill/internal/observability/context"
	obslogger "github.com/smallbiznis/nestbill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/nestbill/internal/observability/metrics"
	"go.uber.org/zap"
)

// jobRun accumulates counters for one pass of a job. It rides on the context
// so nested helpers report into the same run.
type jobRun struct {
	job       string
	id        snowflake.ID
	batchSize int
	asOf      time.Time
	started   time.Time
	processed int
	failures  int
}

type jobRunKey struct{}

func (r *jobRun) addProcessed(n int) {
	if r != nil && n > 0 {
		r.processed += n
	}
}

func (r *jobRun) addFailure() {
	if r != nil {
		r.failures++
	}
}

func (r *jobRun) fields() []zap.Field {
	return []zap.Field{
		zap.String("job", r.job),
		zap.String("run_id", r.id.String()),
	}
}

// beginRun attaches a run to ctx unless one is already there. owner reports
// whether the caller created it and so must finish it.
func (s *Scheduler) beginRun(ctx context.Context, job string, batchSize int) (_ context.Context, run *jobRun, owner bool) {
	if existing := runFrom(ctx); existing != nil {
		return ctx, existing, false
	}
	run = &jobRun{
		job:       job,
		id:        s.genID.Generate(),
		batchSize: batchSize,
		asOf:      s.clock.Now(),
		started:   time.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithActor(ctx, "system", "scheduler")

	s.logger(ctx).Info("scheduler.job.start", append(run.fields(),
		zap.Int("batch_size", run.batchSize),
		zap.Time("as_of", run.asOf),
	)...)
	return ctx, run, true
}

func (s *Scheduler) finishRun(ctx context.Context, run *jobRun) {
	fields := append(run.fields(),
		zap.Int64("duration_ms", time.Since(run.started).Milliseconds()),
		zap.Int("processed_count", run.processed),
		zap.Int("error_count", run.failures),
	)
	if run.failures > 0 {
		s.logger(ctx).Warn("scheduler.job.finish", fields...)
		return
	}
	s.logger(ctx).Info("scheduler.job.finish", fields...)
}

func runFrom(ctx context.Context) *jobRun {
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

// reportBatchError counts a failed sweep pass against the run and logs it
// with the classified reason used by the job error metric.
func (s *Scheduler) reportBatchError(ctx context.Context, run *jobRun, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.addFailure()
	log := s.logger(ctx)
	if run != nil {
		log = log.With(run.fields()...)
	}
	log.Error("scheduler.batch.failed", append([]zap.Field{
		zap.String("reason", obsmetrics.ClassifySchedulerJobReason(err)),
		zap.Error(err),
	}, fields...)...)
}
