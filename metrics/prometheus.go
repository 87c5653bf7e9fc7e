package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitrelay/hitrelay/config"
	"github.com/hitrelay/hitrelay/logger"
)

var _ Metrics = (*PromMetrics)(nil)

type PromMetrics struct {
	Config config.Config `inject:""`
	Logger logger.Logger `inject:""`
	// metrics keeps a record of all the registered metrics so we can increment
	// them by name
	metrics  map[string]interface{}
	values   map[string]float64
	lock     sync.RWMutex
	registry *prometheus.Registry
	factory  promauto.Factory
	server   *http.Server

	prefix string
}

func (p *PromMetrics) Start() error {
	p.Logger.Debug().Logf("Starting PromMetrics")
	defer func() { p.Logger.Debug().Logf("Finished starting PromMetrics") }()
	pc := p.Config.GetPrometheusMetricsConfig()

	p.metrics = make(map[string]interface{})
	p.values = make(map[string]float64)
	p.registry = prometheus.NewRegistry()
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	p.factory = promauto.With(p.registry)

	if pc.ListenAddr == "" {
		return nil
	}

	muxxer := mux.NewRouter()
	muxxer.Handle("/metrics", p.Handler())
	p.server = &http.Server{
		Addr:              pc.ListenAddr,
		Handler:           muxxer,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.Logger.Error().WithString("listen_addr", pc.ListenAddr).Logf("prometheus metrics server stopped: %s", err)
		}
	}()
	return nil
}

func (p *PromMetrics) Stop() error {
	if p.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.server.Shutdown(ctx)
}

// Handler serves the registered metrics in the Prometheus exposition format.
func (p *PromMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Register takes a name and a metric type. The type should be one of "counter",
// "gauge", "histogram" or "updown".
func (p *PromMetrics) Register(metadata Metadata) {
	p.lock.Lock()
	defer p.lock.Unlock()

	newmet, exists := p.metrics[metadata.Name]

	// don't attempt to add the metric again as this will cause a panic
	if exists {
		return
	}

	help := metadata.Description
	if help == "" {
		help = metadata.Name
	}

	switch metadata.Type {
	case Counter:
		newmet = p.factory.NewCounter(prometheus.CounterOpts{
			Name:      metadata.Name,
			Namespace: p.prefix,
			Help:      help,
		})
	case Gauge, UpDown:
		newmet = p.factory.NewGauge(prometheus.GaugeOpts{
			Name:      metadata.Name,
			Namespace: p.prefix,
			Help:      help,
		})
	case Histogram:
		newmet = p.factory.NewHistogram(prometheus.HistogramOpts{
			Name:      metadata.Name,
			Namespace: p.prefix,
			Help:      help,
			// This is an attempt at a usable set of buckets for a wide range of metrics
			// 16 buckets, first upper bound of 1, each following upper bound is 4x the previous
			Buckets: prometheus.ExponentialBuckets(1, 4, 16),
		})
	default:
		p.Logger.Error().WithString("type", metadata.Type.String()).Logf("unknown metric type")
		return
	}

	p.metrics[metadata.Name] = newmet
}

func (p *PromMetrics) Increment(name string) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if counterIface, ok := p.metrics[name]; ok {
		if counter, ok := counterIface.(prometheus.Counter); ok {
			counter.Inc()
			p.values[name]++
		}
	}
}

func (p *PromMetrics) Count(name string, n interface{}) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if counterIface, ok := p.metrics[name]; ok {
		if counter, ok := counterIface.(prometheus.Counter); ok {
			f := ConvertNumeric(n)
			counter.Add(f)
			p.values[name] += f
		}
	}
}

func (p *PromMetrics) Gauge(name string, val interface{}) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if gaugeIface, ok := p.metrics[name]; ok {
		if gauge, ok := gaugeIface.(prometheus.Gauge); ok {
			f := ConvertNumeric(val)
			gauge.Set(f)
			p.values[name] = f
		}
	}
}

func (p *PromMetrics) Histogram(name string, obs interface{}) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	if histIface, ok := p.metrics[name]; ok {
		if hist, ok := histIface.(prometheus.Histogram); ok {
			hist.Observe(ConvertNumeric(obs))
		}
	}
}

func (p *PromMetrics) Up(name string) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if gaugeIface, ok := p.metrics[name]; ok {
		if gauge, ok := gaugeIface.(prometheus.Gauge); ok {
			gauge.Inc()
			p.values[name]++
		}
	}
}

func (p *PromMetrics) Down(name string) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if gaugeIface, ok := p.metrics[name]; ok {
		if gauge, ok := gaugeIface.(prometheus.Gauge); ok {
			gauge.Dec()
			p.values[name]--
		}
	}
}

func (p *PromMetrics) Get(name string) (float64, bool) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	v, ok := p.values[name]
	return v, ok
}

func (p *PromMetrics) Store(name string, val float64) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.values[name] = val
}
