package meter

import (
	"go.uber.org/zap"

	"github.com/ineyio/inferbill"
)

// LogMeter logs orchestration events using zap.
type LogMeter struct {
	Logger *zap.Logger
}

var _ inferbill.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, zap.L() is used.
func NewLogMeter(logger *zap.Logger) *LogMeter {
	if logger == nil {
		logger = zap.L()
	}
	return &LogMeter{Logger: logger.Named("meter")}
}

func (m *LogMeter) OnRoute(e inferbill.RouteEvent) {
	m.Logger.Debug("route",
		zap.String("provider", e.Provider),
		zap.String("model", e.Model),
		zap.Int("attempt", e.AttemptNum),
		zap.Int64("estimated_tokens", e.EstimatedIn),
	)
}

func (m *LogMeter) OnResult(e inferbill.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			zap.String("provider", e.Provider),
			zap.String("model", e.Model),
			zap.Int64("duration_ms", e.Duration.Milliseconds()),
			zap.Int64("prompt_tokens", e.Usage.PromptTokens),
			zap.Int64("completion_tokens", e.Usage.CompletionTokens),
		)
	} else {
		m.Logger.Warn("result_error",
			zap.String("provider", e.Provider),
			zap.String("model", e.Model),
			zap.Int64("duration_ms", e.Duration.Milliseconds()),
			zap.Error(e.Error),
		)
	}
}

func (m *LogMeter) OnBreaker(e inferbill.BreakerEvent) {
	m.Logger.Warn("breaker",
		zap.String("dependency", e.Name),
		zap.String("from", string(e.From)),
		zap.String("to", string(e.To)),
	)
}

func (m *LogMeter) OnConfirm(e inferbill.ConfirmEvent) {
	m.Logger.Info("confirm",
		zap.String("model", e.Model),
		zap.String("outcome", outcome(e.Kind)),
		zap.Bool("replayed", e.Replayed),
		zap.Int64("duration_ms", e.Duration.Milliseconds()),
	)
}

func outcome(k inferbill.Kind) string {
	if k == "" {
		return "ok"
	}
	return string(k)
}
