package buffer

// Metrics receives buffer events. internal/metrics provides the Prometheus
// implementation.
type Metrics interface {
	Appended(identity string, frames, bytes int)
	BlockAllocated(identity string)
	BlocksReleased(identity string, n int)
	Spilled(identity string, bytes int)
	Loaded(identity string)
	SpillFailed(identity string, op string)
}

// NoopMetrics discards every event.
type NoopMetrics struct{}

func (NoopMetrics) Appended(string, int, int)  {}
func (NoopMetrics) BlockAllocated(string)      {}
func (NoopMetrics) BlocksReleased(string, int) {}
func (NoopMetrics) Spilled(string, int)        {}
func (NoopMetrics) Loaded(string)              {}
func (NoopMetrics) SpillFailed(string, string) {}
