package metrics

import (
	"sync"
)

var _ Metrics = (*MultiMetrics)(nil)

// MultiMetrics is a metrics provider that sends metrics to zero or more other
// metrics providers.
//
// It implements and intercepts the Store method since the children don't need
// to know about it, and also records the values that Get returns. Even if there
// are no metrics providers configured, this allows us to use the metrics
// package to store values that can be retrieved later.
type MultiMetrics struct {
	// Prom and OTel are the configured exporters, or NullMetrics when
	// disabled. Injecting them makes the object graph start them first.
	Prom Metrics `inject:"promMetrics"`
	OTel Metrics `inject:"otelMetrics"`

	children []Metrics
	// values keeps a map of all the non-histogram metrics and their current
	// value so that we can retrieve them with Get()
	values map[string]float64
	lock   sync.RWMutex
}

func NewMultiMetrics() *MultiMetrics {
	return &MultiMetrics{
		values: make(map[string]float64),
	}
}

// Start adopts the injected exporters that are enabled.
func (m *MultiMetrics) Start() error {
	for _, ch := range []Metrics{m.Prom, m.OTel} {
		if _, null := ch.(*NullMetrics); ch != nil && !null {
			m.AddChild(ch)
		}
	}
	return nil
}

// AddChild adds a metrics provider. Call it before any metric is registered.
func (m *MultiMetrics) AddChild(met Metrics) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.children = append(m.children, met)
}

// Children returns the providers metrics are fanned out to.
func (m *MultiMetrics) Children() []Metrics {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return append([]Metrics(nil), m.children...)
}

func (m *MultiMetrics) Register(metadata Metadata) {
	for _, ch := range m.Children() {
		ch.Register(metadata)
	}
	if metadata.Type == Histogram {
		return
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.values[metadata.Name]; !ok {
		m.values[metadata.Name] = 0
	}
}

func (m *MultiMetrics) Increment(name string) { // for counters
	for _, ch := range m.Children() {
		ch.Increment(name)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.values[name]++
}

func (m *MultiMetrics) Gauge(name string, val interface{}) { // for gauges
	for _, ch := range m.Children() {
		ch.Gauge(name, val)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.values[name] = ConvertNumeric(val)
}

func (m *MultiMetrics) Count(name string, n interface{}) { // for counters
	for _, ch := range m.Children() {
		ch.Count(name, n)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.values[name] += ConvertNumeric(n)
}

func (m *MultiMetrics) Histogram(name string, obs interface{}) { // for histogram
	for _, ch := range m.Children() {
		ch.Histogram(name, obs)
	}
}

func (m *MultiMetrics) Up(name string) { // for updown
	for _, ch := range m.Children() {
		ch.Up(name)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.values[name]++
}

func (m *MultiMetrics) Down(name string) { // for updown
	for _, ch := range m.Children() {
		ch.Down(name)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.values[name]--
}

func (m *MultiMetrics) Get(name string) (float64, bool) { // for reading back a counter or a gauge
	m.lock.RLock()
	defer m.lock.RUnlock()
	v, ok := m.values[name]
	return v, ok
}

func (m *MultiMetrics) Store(name string, val float64) { // for storing a rarely-changing value not sent as a metric
	m.lock.Lock()
	defer m.lock.Unlock()
	m.values[name] = val
}
