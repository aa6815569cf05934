package tasks

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Enqueuer accepts tasks for later execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, t *Task) error
}

// Scheduler enqueues tasks on cron schedules. Expressions carry a leading seconds field
// and accept descriptors such as "@every 1h".
type Scheduler struct {
	cron  *cron.Cron
	queue Enqueuer
	log   *zap.Logger
}

func NewScheduler(queue Enqueuer, log *zap.Logger) *Scheduler {
	log = log.With(zap.String("component", "scheduler"))
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cronLogger{log.Sugar()}),
		cron.WithChain(cron.Recover(cronLogger{log.Sugar()})),
	)
	return &Scheduler{cron: c, queue: queue, log: log}
}

// Add enqueues a task of kind on every tick of spec. An empty spec is ignored.
func (s *Scheduler) Add(spec string, kind Kind) error {
	if spec == "" {
		return nil
	}
	if err := (Task{Kind: kind}).Validate(); err != nil {
		return err
	}
	_, err := s.cron.AddFunc(spec, func() {
		t := &Task{Kind: kind, Source: SourceSchedule}
		if err := s.queue.Enqueue(context.Background(), t); err != nil {
			s.log.Error("scheduled enqueue failed", zap.String("kind", string(kind)), zap.Error(err))
			return
		}
		s.log.Info("scheduled task enqueued", zap.String("kind", string(kind)), zap.String("task_id", t.ID))
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", kind, spec, err)
	}
	s.log.Info("schedule registered", zap.String("kind", string(kind)), zap.String("spec", spec))
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
