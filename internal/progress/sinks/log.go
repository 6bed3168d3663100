package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/commons-photos/internal/progress"
)

// LogSink emits structured logs for debugging overlay sessions.
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

// Consume logs each event in the batch using structured fields. Failed
// queries are logged at warn level, everything else at debug.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("overlay_id", evt.OverlayUUID()),
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		switch evt.Stage {
		case progress.StageAttach, progress.StageViewport:
			fields = append(fields, zap.Int("zoom", evt.Zoom), zap.Bool("fetching", evt.Fetching))
		case progress.StageQueryDone:
			fields = append(fields,
				zap.String("outcome", string(evt.Outcome)),
				zap.String("bbox", evt.BBox),
				zap.Int("rows", evt.Rows),
				zap.Int("added", evt.Added),
				zap.Duration("dur", evt.Dur),
			)
		case progress.StageDetach:
			fields = append(fields, zap.Duration("lifetime", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Outcome == progress.OutcomeFailed {
			s.logger.Warn("overlay event", fields...)
			continue
		}
		s.logger.Debug("overlay event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
