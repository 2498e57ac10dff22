package meter

import "github.com/ineyio/inferbill"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ inferbill.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnRoute(inferbill.RouteEvent)     {}
func (m *NoopMeter) OnResult(inferbill.ResultEvent)   {}
func (m *NoopMeter) OnBreaker(inferbill.BreakerEvent) {}
func (m *NoopMeter) OnConfirm(inferbill.ConfirmEvent) {}

// Multi fans events out to several meters.
type Multi []inferbill.Meter

var _ inferbill.Meter = Multi(nil)

func (ms Multi) OnRoute(e inferbill.RouteEvent) {
	for _, m := range ms {
		m.OnRoute(e)
	}
}

func (ms Multi) OnResult(e inferbill.ResultEvent) {
	for _, m := range ms {
		m.OnResult(e)
	}
}

func (ms Multi) OnBreaker(e inferbill.BreakerEvent) {
	for _, m := range ms {
		m.OnBreaker(e)
	}
}

func (ms Multi) OnConfirm(e inferbill.ConfirmEvent) {
	for _, m := range ms {
		m.OnConfirm(e)
	}
}
