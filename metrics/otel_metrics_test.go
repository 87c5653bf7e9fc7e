package metrics

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/hitrelay/hitrelay/config"
	"github.com/hitrelay/hitrelay/logger"
)

func newTestOTelMetrics(t *testing.T) (*OTelMetrics, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	o := &OTelMetrics{
		Logger: &logger.MockLogger{},
		Config: &config.MockConfig{GetOTelMetricsConfigVal: config.OTelMetricsConfig{
			APIHost: "http://localhost:4318",
		}},
		testReader: reader,
	}
	require.NoError(t, o.Start())
	t.Cleanup(o.Stop)
	return o, reader
}

func Test_OTelMetrics_MultipleRegistrations(t *testing.T) {
	o, _ := newTestOTelMetrics(t)

	o.Register(Metadata{
		Name: "test",
		Type: Counter,
	})

	o.Register(Metadata{
		Name: "test",
		Type: Counter,
	})
}

func Test_OTelMetrics_Raciness(t *testing.T) {
	o, _ := newTestOTelMetrics(t)

	o.Register(Metadata{
		Name: "race",
		Type: Counter,
	})

	var wg sync.WaitGroup
	loopLength := 50

	// this loop modifying the metric registry and reading it to increment
	// a counter should not trigger a race condition
	for i := 0; i < loopLength; i++ {
		wg.Add(1)
		go func(j int) {
			defer wg.Done()
			metricName := fmt.Sprintf("metric%d", j)
			o.Register(Metadata{
				Name: metricName,
				Type: Counter,
			})
		}(i)

		wg.Add(1)
		go func(j int) {
			defer wg.Done()
			o.Increment("race")
		}(i)
	}

	wg.Wait()
	v, ok := o.Get("race")
	assert.True(t, ok)
	assert.Equal(t, float64(loopLength), v)
}

func Test_OTelMetrics_ExportsInstruments(t *testing.T) {
	o, reader := newTestOTelMetrics(t)

	o.Register(Metadata{Name: "hits_sent", Type: Counter, Unit: Dimensionless})
	o.Register(Metadata{Name: "queue_length", Type: Gauge, Unit: Dimensionless})
	o.Register(Metadata{Name: "dispatch_in_flight", Type: UpDown, Unit: Dimensionless})
	o.Register(Metadata{Name: "queue_time_ms", Type: Histogram, Unit: Milliseconds})

	o.Count("hits_sent", 3)
	o.Gauge("queue_length", 7)
	o.Up("dispatch_in_flight")
	o.Up("dispatch_in_flight")
	o.Down("dispatch_in_flight")
	o.Histogram("queue_time_ms", 12.5)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	for _, want := range []string{"hits_sent", "queue_length", "dispatch_in_flight", "queue_time_ms", "num_goroutines"} {
		assert.True(t, names[want], "missing %s", want)
	}

	v, _ := o.Get("dispatch_in_flight")
	assert.Equal(t, 1.0, v)
	v, _ = o.Get("queue_length")
	assert.Equal(t, 7.0, v)
}
