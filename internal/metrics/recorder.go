package metrics

import "opsagent/internal/audit"

// Recorder forwards events to an inner audit.Recorder and counts them.
type Recorder struct {
	inner   audit.Recorder
	metrics *Metrics
}

// Instrument wraps rec so every emitted event also updates m.
func Instrument(rec audit.Recorder, m *Metrics) *Recorder {
	return &Recorder{inner: rec, metrics: m}
}

func (r *Recorder) Emit(ev audit.Event) {
	r.inner.Emit(ev)
	r.metrics.Observe(ev)
}

func (r *Recorder) Trail(requestID string) []audit.Event {
	return r.inner.Trail(requestID)
}
