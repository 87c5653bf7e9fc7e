package metrics

// NullMetrics is used for every metrics backend that is switched off and
// wherever a component is built without an injected Metrics.
type NullMetrics struct{}

var _ Metrics = (*NullMetrics)(nil)

func (*NullMetrics) Start()                        {}
func (*NullMetrics) Register(Metadata)             {}
func (*NullMetrics) Increment(string)              {}
func (*NullMetrics) Gauge(string, interface{})     {}
func (*NullMetrics) Count(string, interface{})     {}
func (*NullMetrics) Histogram(string, interface{}) {}
func (*NullMetrics) Up(string)                     {}
func (*NullMetrics) Down(string)                   {}
func (*NullMetrics) Store(string, float64)         {}

// Get reports nothing recorded.
func (*NullMetrics) Get(string) (float64, bool) { return 0, false }
