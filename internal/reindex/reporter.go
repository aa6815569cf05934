package reindex

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"catalogsearch/indexer/internal/lock"
	"catalogsearch/indexer/internal/metrics"
)

// Reporter captures escalated errors for error tracking.
type Reporter interface {
	Report(ctx context.Context, op Operation, err error)
}

// LogReporter records errors in the log with a stack trace and counts them by kind.
type LogReporter struct {
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewLogReporter(log *zap.Logger, m *metrics.Metrics) *LogReporter {
	return &LogReporter{log: log.With(zap.String("component", "reporter")), metrics: m}
}

func (r *LogReporter) Report(ctx context.Context, op Operation, err error) {
	kind := ErrorKind(err)
	r.metrics.ErrorsReported.WithLabelValues(kind).Inc()
	r.log.Error("error captured",
		zap.String("operation", string(op)),
		zap.String("kind", kind),
		zap.Error(err),
		zap.Stack("stack"))
}

// ErrorKind names the failure class of err.
func ErrorKind(err error) string {
	var (
		createErr *GenerationCreateError
		loadErr   *LoadError
		swapErr   *SwapError
	)
	switch {
	case errors.Is(err, lock.ErrTimeout):
		return "lock_timeout"
	case errors.As(err, &createErr):
		return "generation_create"
	case errors.As(err, &loadErr):
		return "load"
	case errors.As(err, &swapErr):
		return "swap"
	default:
		return "other"
	}
}
