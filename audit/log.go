// Package audit provides sinks for inferbill audit events.
package audit

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ineyio/inferbill"
)

// LogSink writes audit events as structured log lines.
type LogSink struct {
	log *zap.Logger
}

var _ inferbill.Sink = (*LogSink)(nil)

// NewLogSink creates a LogSink. If log is nil, zap.L() is used.
func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.L()
	}
	return &LogSink{log: log.Named("ops")}
}

// Write implements inferbill.Sink. Critical events are logged at error level
// with a "critical" flag; they never terminate the process.
func (s *LogSink) Write(_ context.Context, e inferbill.Event) error {
	fields := make([]zap.Field, 0, 6)
	fields = append(fields,
		zap.String("correlation_id", e.CorrelationID),
		zap.String("code", e.Code),
		zap.Time("at", e.At),
	)
	if e.Identity != "" {
		fields = append(fields, zap.String("identity", e.Identity))
	}
	if len(e.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", e.Metadata))
	}
	if e.Level == inferbill.LevelCritical {
		fields = append(fields, zap.Bool("critical", true))
	}

	if ce := s.log.Check(levelOf(e.Level), e.Message); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

func levelOf(l inferbill.Level) zapcore.Level {
	switch l {
	case inferbill.LevelWarn:
		return zapcore.WarnLevel
	case inferbill.LevelError, inferbill.LevelCritical:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
