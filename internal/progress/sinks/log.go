package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/tfaulkner/listing-crawler/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a metrics backend is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("city", evt.City),
			zap.String("mode", evt.Mode),
			zap.Int("page", evt.Page),
			zap.String("verdict", evt.Verdict),
			zap.Int64("new_listings", evt.NewListings),
			zap.Int64("duplicate_listings", evt.DuplicateListings),
			zap.Float64("stale_fraction", evt.StaleFraction),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
