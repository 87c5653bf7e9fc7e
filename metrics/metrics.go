package metrics

import (
	"fmt"
)

// The Metrics object supports "constants", which are just float values that can be attached to the
// metrics system. They do not need to be (and should not) be registered in advance; they are just
// a bucket of key-float pairs that can be used in combination with other metrics.
type Metrics interface {
	// Register declares a metric; its Type decides which of the methods below apply
	Register(metadata Metadata)
	Increment(name string)                  // for counters
	Gauge(name string, val interface{})     // for gauges
	Count(name string, n interface{})       // for counters
	Histogram(name string, obs interface{}) // for histogram
	Up(name string)                         // for updown
	Down(name string)                       // for updown
	Get(name string) (float64, bool)        // for reading back a counter or a gauge
	Store(name string, val float64)         // for storing a rarely-changing value not sent as a metric
}

type MetricType int

const (
	Counter MetricType = iota
	Gauge
	Histogram
	UpDown
)

func (m MetricType) String() string {
	switch m {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	case Histogram:
		return "histogram"
	case UpDown:
		return "updown"
	default:
		return "unknown"
	}
}

// Unit is the UCUM unit string reported with a metric.
type Unit string

const (
	Dimensionless Unit = "1"
	Milliseconds  Unit = "ms"
	Microseconds  Unit = "us"
	Bytes         Unit = "By"
)

type Metadata struct {
	Name string
	Type MetricType
	Unit Unit
	// Description is a human-readable description of the metric
	Description string
}

func ConvertNumeric(val interface{}) float64 {
	switch n := val.(type) {
	case int:
		return float64(n)
	case uint:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case int32:
		return float64(n)
	case uint32:
		return float64(n)
	case int16:
		return float64(n)
	case uint16:
		return float64(n)
	case int8:
		return float64(n)
	case uint8:
		return float64(n)
	case float64:
		return n
	case float32:
		return float64(n)
	default:
		return 0
	}
}

func PrefixMetricName(prefix string, name string) string {
	if prefix != "" {
		return fmt.Sprintf(`%s_%s`, prefix, name)
	}
	return name
}
