package bus

// Metrics receives delivery outcomes. observability/metrics implements it.
type Metrics interface {
	Published(domain string, err error)
	Delivered(subscriber, domain string, err error)
	Malformed(subscriber string)
	DeadLettered(domain, source string)
	ClaimChecked(domain string, size int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) Published(string, error) {}
func (NopMetrics) Delivered(string, string, error) {}
func (NopMetrics) Malformed(string) {}
func (NopMetrics) DeadLettered(string, string) {}
func (NopMetrics) ClaimChecked(string, int) {}

// MetricsOrNop returns m, or NopMetrics when m is nil.
func MetricsOrNop(m Metrics) Metrics {
	if m == nil {
		return NopMetrics{}
	}
	return m
}
