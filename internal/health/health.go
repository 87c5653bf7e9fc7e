// Package health tracks whether the relay's subsystems are alive and ready.
//
// A subsystem registers with a reporting timeout and then calls Ready at
// least that often. A subsystem that stops reporting is dead, and one dead
// subsystem makes the whole process not alive. A subsystem may report that
// it is alive but not ready, which is how shutdown drains traffic.
// Registration alone does not start the timeout; that begins with the first
// Ready call.
package health

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hitrelay/hitrelay/logger"
	"github.com/hitrelay/hitrelay/metrics"
)

// Recorder is used by subsystems to report their own state.
type Recorder interface {
	Register(subsystem string, timeout time.Duration)
	Unregister(subsystem string)
	Ready(subsystem string, ready bool)
}

// Reporter is used by the API to answer liveness and readiness probes.
type Reporter interface {
	IsAlive() bool
	IsReady() bool
}

// TickerTime is how often reporting deadlines are checked. It should be
// shorter than any subsystem's timeout.
var TickerTime = 500 * time.Millisecond

var healthMetrics = []metrics.Metadata{
	{Name: "is_ready", Type: metrics.Gauge, Unit: metrics.Dimensionless, Description: "whether every subsystem is ready to receive hits"},
	{Name: "is_alive", Type: metrics.Gauge, Unit: metrics.Dimensionless, Description: "whether every subsystem has reported within its timeout"},
}

type subsystemState struct {
	timeout time.Duration
	// remaining is negative before the first report and zero once dead
	remaining  time.Duration
	ready      bool
	alive      bool
	registered bool
}

type Health struct {
	Clock   clockwork.Clock `inject:""`
	Metrics metrics.Metrics `inject:"metrics"`
	Logger  logger.Logger   `inject:""`

	mut        sync.RWMutex
	subsystems map[string]*subsystemState
	done       chan struct{}
}

var (
	_ Recorder = (*Health)(nil)
	_ Reporter = (*Health)(nil)
)

func (h *Health) Start() error {
	if h.Logger == nil {
		h.Logger = &logger.NullLogger{}
	}
	if h.Metrics == nil {
		h.Metrics = &metrics.NullMetrics{}
	}
	if h.Clock == nil {
		h.Clock = clockwork.NewRealClock()
	}
	for _, m := range healthMetrics {
		h.Metrics.Register(m)
	}
	h.subsystems = make(map[string]*subsystemState)
	h.done = make(chan struct{})

	tick := h.Clock.NewTicker(TickerTime)
	go h.countdown(tick)
	return nil
}

func (h *Health) Stop() error {
	close(h.done)
	return nil
}

func (h *Health) countdown(tick clockwork.Ticker) {
	defer tick.Stop()
	for {
		select {
		case <-tick.Chan():
			h.mut.Lock()
			for _, s := range h.subsystems {
				if s.registered && s.remaining > 0 {
					s.remaining = max(s.remaining-TickerTime, 0)
				}
			}
			h.mut.Unlock()
		case <-h.done:
			return
		}
	}
}

// Register adds a subsystem that must call Ready at least every timeout.
func (h *Health) Register(subsystem string, timeout time.Duration) {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.subsystems[subsystem] = &subsystemState{
		timeout:    timeout,
		remaining:  -1,
		registered: true,
	}
	h.Logger.Debug().WithString("subsystem", subsystem).WithField("timeout", timeout).Logf("registered with health")
	if timeout < TickerTime {
		h.Logger.Error().WithString("subsystem", subsystem).WithField("timeout", timeout).Logf("health timeout is shorter than the check interval")
	}
}

// Unregister stops tracking a subsystem's liveness. It stays in the set as
// permanently not ready, and later reports from it are ignored.
func (h *Health) Unregister(subsystem string) {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.subsystems[subsystem] = &subsystemState{}
}

// Ready records a report from a subsystem and restarts its timeout.
func (h *Health) Ready(subsystem string, ready bool) {
	h.mut.Lock()
	defer h.mut.Unlock()

	s, ok := h.subsystems[subsystem]
	if !ok {
		h.Logger.Error().WithString("subsystem", subsystem).Logf("health report from unregistered subsystem")
		return
	}
	if !s.registered {
		return
	}
	if s.ready != ready {
		h.Logger.Info().WithString("subsystem", subsystem).WithField("ready", ready).Logf("subsystem readiness changed")
	}
	s.ready = ready
	s.remaining = s.timeout
	if !s.alive {
		s.alive = true
		h.Logger.Info().WithString("subsystem", subsystem).Logf("subsystem is alive")
	}
	h.Metrics.Gauge("is_ready", boolGauge(h.readyLocked()))
	h.Metrics.Gauge("is_alive", boolGauge(h.aliveLocked()))
}

// IsAlive is false once any registered subsystem misses its timeout.
func (h *Health) IsAlive() bool {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.aliveLocked()
}

func (h *Health) aliveLocked() bool {
	alive := true
	for name, s := range h.subsystems {
		if s.registered && s.remaining == 0 {
			if s.alive {
				h.Logger.Error().WithString("subsystem", name).Logf("subsystem missed its health timeout")
				s.alive = false
			}
			alive = false
		}
	}
	return alive
}

// IsReady is true when at least one subsystem has registered and every
// subsystem is alive and reports ready.
func (h *Health) IsReady() bool {
	h.mut.RLock()
	defer h.mut.RUnlock()
	return h.readyLocked()
}

func (h *Health) readyLocked() bool {
	if len(h.subsystems) == 0 {
		return false
	}
	for _, s := range h.subsystems {
		if !s.ready || (s.registered && s.remaining <= 0) {
			return false
		}
	}
	return true
}

func boolGauge(b bool) int {
	if b {
		return 1
	}
	return 0
}
