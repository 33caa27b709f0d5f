package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/pricescan/internal/progress"
)

// LogSink writes each event as a structured log line. Fetch and record events
// log at debug so a large batch does not flood production logs.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs every event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.DebugLevel
		switch evt.Stage {
		case progress.StageBatchStart, progress.StageBatchDone:
			level = zapcore.InfoLevel
		case progress.StageBatchError:
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "progress event")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.String("batch_id", evt.BatchUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.Site != "" {
			fields = append(fields, zap.String("site", evt.Site), zap.String("url", evt.URL))
		}
		if evt.StatusClass != "" {
			fields = append(fields,
				zap.String("status_class", string(evt.StatusClass)),
				zap.Int("attempts", evt.Attempts),
				zap.Int64("bytes", evt.Bytes),
			)
		}
		if evt.URLStatus != "" {
			fields = append(fields, zap.String("url_status", string(evt.URLStatus)), zap.String("method", string(evt.Method)))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
