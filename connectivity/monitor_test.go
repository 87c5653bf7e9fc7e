package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitrelay/hitrelay/config"
	"github.com/hitrelay/hitrelay/internal/health"
	"github.com/hitrelay/hitrelay/metrics"
)

type recordingSwitch struct {
	mut   sync.Mutex
	calls []bool
}

func (r *recordingSwitch) SetEnabled(enabled bool) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.calls = append(r.calls, enabled)
}

func (r *recordingSwitch) Calls() []bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	return append([]bool(nil), r.calls...)
}

// flakyTransport fails every request while down is set.
type flakyTransport struct {
	down  atomic.Bool
	count atomic.Int32
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.count.Add(1)
	if f.down.Load() {
		return nil, errors.New("network is unreachable")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func newTestMonitor(t *testing.T, url string, enabled bool) (*Monitor, *recordingSwitch, *flakyTransport, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	sw := &recordingSwitch{}
	tr := &flakyTransport{}
	m := &Monitor{
		Config: &config.MockConfig{
			GetConnectivityConfigVal: config.ConnectivityConfig{
				Enabled:  enabled,
				ProbeURL: url,
				Interval: config.Duration(30 * time.Second),
				Timeout:  config.Duration(time.Second),
			},
		},
		Clock:     clock,
		Switch:    sw,
		Transport: tr,
		Health:    &health.MockHealth{},
	}
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Stop() })
	return m, sw, tr, clock
}

func newCollector(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeSwitchesOnlyOnChange(t *testing.T) {
	srv := newCollector(t, http.StatusOK)
	m, sw, tr, _ := newTestMonitor(t, srv.URL, true)

	assert.True(t, m.Online())
	assert.True(t, m.Probe(context.Background()))
	assert.Empty(t, sw.Calls(), "still online, nothing to switch")

	tr.down.Store(true)
	assert.False(t, m.Probe(context.Background()))
	assert.False(t, m.Probe(context.Background()))
	assert.False(t, m.Online())
	assert.Equal(t, []bool{false}, sw.Calls())

	tr.down.Store(false)
	assert.True(t, m.Probe(context.Background()))
	assert.Equal(t, []bool{false, true}, sw.Calls())
}

func TestErrorStatusStillCountsAsOnline(t *testing.T) {
	srv := newCollector(t, http.StatusServiceUnavailable)
	m, sw, _, _ := newTestMonitor(t, srv.URL, true)

	assert.True(t, m.Probe(context.Background()))
	assert.Empty(t, sw.Calls())
}

func TestProbeTimeoutCountsAsOffline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	m, sw, _, _ := newTestMonitor(t, srv.URL, true)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.False(t, m.Probe(ctx))
	assert.Equal(t, []bool{false}, sw.Calls())
}

func TestTickerDrivesProbes(t *testing.T) {
	srv := newCollector(t, http.StatusOK)
	m, sw, tr, clock := newTestMonitor(t, srv.URL, true)
	tr.down.Store(true)

	require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
	clock.Advance(30 * time.Second)
	assert.Eventually(t, func() bool { return !m.Online() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{false}, sw.Calls())
	assert.Equal(t, int32(1), tr.count.Load())
}

func TestDisabledMonitorNeverProbes(t *testing.T) {
	srv := newCollector(t, http.StatusOK)
	m, sw, tr, clock := newTestMonitor(t, srv.URL, false)

	clock.Advance(10 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.True(t, m.Online())
	assert.Empty(t, sw.Calls())
	assert.Zero(t, tr.count.Load())
}

func TestProbeReportsHealthAndMetrics(t *testing.T) {
	srv := newCollector(t, http.StatusOK)
	mm := &metrics.MockMetrics{}
	mm.Start()
	h := &health.MockHealth{}
	tr := &flakyTransport{}
	m := &Monitor{
		Config: &config.MockConfig{
			GetConnectivityConfigVal: config.ConnectivityConfig{
				Enabled:  true,
				ProbeURL: srv.URL,
				Interval: config.Duration(time.Minute),
			},
		},
		Clock:     clockwork.NewFakeClock(),
		Metrics:   mm,
		Health:    h,
		Transport: tr,
	}
	require.NoError(t, m.Start())
	defer m.Stop()

	tr.down.Store(true)
	m.Probe(context.Background())

	ready, ok := h.Reported(subsystem)
	assert.True(t, ok)
	assert.True(t, ready)
	failures, _ := mm.Get("connectivity_probe_failures")
	assert.Equal(t, 1.0, failures)
	online, _ := mm.Get("connectivity_online")
	assert.Equal(t, 0.0, online)
}

func TestStartRejectsNonPositiveInterval(t *testing.T) {
	for _, cfg := range []config.ConnectivityConfig{
		{Enabled: true, ProbeURL: "http://localhost", Timeout: config.Duration(time.Second)},
		{Enabled: true, ProbeURL: "http://localhost", Interval: config.Duration(time.Second)},
	} {
		m := &Monitor{
			Config: &config.MockConfig{GetConnectivityConfigVal: cfg},
			Clock:  clockwork.NewFakeClock(),
			Switch: &recordingSwitch{},
		}
		assert.ErrorIs(t, m.Start(), ErrBadInterval)
	}

	off := &Monitor{
		Config: &config.MockConfig{},
		Clock:  clockwork.NewFakeClock(),
		Switch: &recordingSwitch{},
	}
	require.NoError(t, off.Start())
	off.Stop()
}
