// Package connectivity watches whether the collector is reachable and
// switches dispatching off while it is not.
package connectivity

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hitrelay/hitrelay/config"
	"github.com/hitrelay/hitrelay/internal/health"
	"github.com/hitrelay/hitrelay/logger"
	"github.com/hitrelay/hitrelay/metrics"
)

const subsystem = "connectivity"

var ErrBadInterval = errors.New("connectivity probe interval and timeout must be positive")

// Switch is turned on while the collector is reachable and off while it is
// not. The dispatch engine's SetEnabled satisfies it.
type Switch interface {
	SetEnabled(enabled bool)
}

var monitorMetrics = []metrics.Metadata{
	{Name: "connectivity_online", Type: metrics.Gauge, Unit: metrics.Dimensionless, Description: "1 while the collector answers probes"},
	{Name: "connectivity_probe_failures", Type: metrics.Counter, Unit: metrics.Dimensionless, Description: "probes that could not reach the collector"},
	{Name: "connectivity_changes", Type: metrics.Counter, Unit: metrics.Dimensionless, Description: "transitions between online and offline"},
}

// Monitor probes a URL on a fixed interval. Any HTTP response counts as
// online; only a transport failure or timeout counts as offline. The switch
// is only called when the state changes.
type Monitor struct {
	Config  config.Config   `inject:""`
	Logger  logger.Logger   `inject:""`
	Metrics metrics.Metrics `inject:"metrics"`
	Health  health.Recorder `inject:""`
	Clock   clockwork.Clock `inject:""`
	Switch  Switch          `inject:"dispatchEngine"`

	// Transport is used for probes when set.
	Transport http.RoundTripper

	mut      sync.Mutex
	client   *http.Client
	cfg      config.ConnectivityConfig
	online   bool
	ticker   clockwork.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

func (m *Monitor) Start() error {
	if m.Logger == nil {
		m.Logger = &logger.NullLogger{}
	}
	if m.Metrics == nil {
		m.Metrics = &metrics.NullMetrics{}
	}
	if m.Clock == nil {
		m.Clock = clockwork.NewRealClock()
	}
	for _, md := range monitorMetrics {
		m.Metrics.Register(md)
	}

	m.mut.Lock()
	m.online = true
	m.cfg = m.Config.GetConnectivityConfig()
	m.done = make(chan struct{})
	transport := m.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	m.client = &http.Client{Transport: otelhttp.NewTransport(transport)}
	enabled := m.cfg.Enabled
	interval := time.Duration(m.cfg.Interval)
	if enabled && (interval <= 0 || m.cfg.Timeout <= 0) {
		m.mut.Unlock()
		return ErrBadInterval
	}
	if enabled {
		m.ticker = m.Clock.NewTicker(interval)
	}
	m.mut.Unlock()

	m.Metrics.Gauge("connectivity_online", 1)
	if !enabled {
		m.Logger.Debug().Logf("connectivity monitor disabled")
		return nil
	}
	if m.Health != nil {
		m.Health.Register(subsystem, 3*interval)
		m.Health.Ready(subsystem, true)
	}
	m.Config.RegisterReloadCallback(m.reload)
	m.Logger.Info().WithString("probe_url", m.cfg.ProbeURL).WithField("interval", interval).Logf("starting connectivity monitor")

	go m.run()
	return nil
}

func (m *Monitor) Stop() error {
	m.stopOnce.Do(func() {
		m.mut.Lock()
		defer m.mut.Unlock()
		if m.done != nil {
			close(m.done)
		}
		if m.ticker != nil {
			m.ticker.Stop()
		}
	})
	if m.Health != nil {
		m.Health.Unregister(subsystem)
	}
	return nil
}

func (m *Monitor) reload(hash string) {
	cfg := m.Config.GetConnectivityConfig()
	m.mut.Lock()
	defer m.mut.Unlock()
	if m.ticker != nil && cfg.Interval > 0 && cfg.Interval != m.cfg.Interval {
		m.ticker.Reset(time.Duration(cfg.Interval))
	}
	// turning the monitor on or off takes a restart
	cfg.Enabled = m.cfg.Enabled
	m.cfg = cfg
}

func (m *Monitor) run() {
	m.mut.Lock()
	tick := m.ticker.Chan()
	m.mut.Unlock()
	for {
		select {
		case <-tick:
			m.Probe(context.Background())
		case <-m.done:
			return
		}
	}
}

// Online reports the result of the last probe. It is true before the first
// probe.
func (m *Monitor) Online() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.online
}

// Probe checks the collector once and applies the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	m.mut.Lock()
	cfg := m.cfg
	client := m.client
	m.mut.Unlock()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Timeout))
		defer cancel()
	}
	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.ProbeURL, nil)
	if err == nil {
		var resp *http.Response
		resp, err = client.Do(req)
		if err == nil {
			resp.Body.Close()
			online = true
		}
	}
	if err != nil {
		m.Metrics.Increment("connectivity_probe_failures")
		m.Logger.Debug().WithString("probe_url", cfg.ProbeURL).WithField("error", err.Error()).Logf("connectivity probe failed")
	}
	if m.Health != nil {
		m.Health.Ready(subsystem, true)
	}
	m.apply(online)
	return online
}

func (m *Monitor) apply(online bool) {
	m.mut.Lock()
	changed := m.online != online
	m.online = online
	m.mut.Unlock()
	if !changed {
		return
	}

	m.Metrics.Increment("connectivity_changes")
	if online {
		m.Metrics.Gauge("connectivity_online", 1)
		m.Logger.Info().Logf("collector reachable again, resuming dispatch")
	} else {
		m.Metrics.Gauge("connectivity_online", 0)
		m.Logger.Warn().Logf("collector unreachable, pausing dispatch")
	}
	if m.Switch != nil {
		m.Switch.SetEnabled(online)
	}
}
