package health

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitrelay/hitrelay/metrics"
)

func newTestHealth(t *testing.T) (*Health, *clockwork.FakeClock) {
	t.Helper()
	cl := clockwork.NewFakeClock()
	h := &Health{Clock: cl}
	require.NoError(t, h.Start())
	t.Cleanup(func() { h.Stop() })
	return h, cl
}

// advance moves the clock tick by tick so the countdown goroutine sees each
// one before the next.
func advance(t *testing.T, cl *clockwork.FakeClock, ticks int) {
	t.Helper()
	for i := 0; i < ticks; i++ {
		require.NoError(t, cl.BlockUntilContext(t.Context(), 1))
		cl.Advance(TickerTime)
		time.Sleep(time.Millisecond)
	}
}

func TestNothingRegisteredIsAliveButNotReady(t *testing.T) {
	h, _ := newTestHealth(t)
	assert.True(t, h.IsAlive())
	assert.False(t, h.IsReady())
}

func TestRegisteredWithoutReportNeverTimesOut(t *testing.T) {
	h, cl := newTestHealth(t)
	h.Register("dispatch", 3*TickerTime)

	advance(t, cl, 10)
	assert.True(t, h.IsAlive())
	assert.False(t, h.IsReady())
}

func TestReportsKeepSubsystemAlive(t *testing.T) {
	h, cl := newTestHealth(t)
	h.Register("dispatch", 3*TickerTime)

	for i := 0; i < 10; i++ {
		h.Ready("dispatch", true)
		advance(t, cl, 1)
		assert.True(t, h.IsAlive())
		assert.True(t, h.IsReady())
	}

	advance(t, cl, 5)
	assert.False(t, h.IsAlive())
	assert.False(t, h.IsReady())

	h.Ready("dispatch", true)
	assert.True(t, h.IsAlive(), "a late report revives the subsystem")
}

func TestOneNotReadySubsystemMakesProcessNotReady(t *testing.T) {
	h, cl := newTestHealth(t)
	for _, name := range []string{"dispatch", "connectivity", "settings"} {
		h.Register(name, 3*TickerTime)
		h.Ready(name, true)
	}
	assert.True(t, h.IsReady())

	h.Ready("connectivity", false)
	advance(t, cl, 1)
	assert.True(t, h.IsAlive())
	assert.False(t, h.IsReady())
}

func TestUnregisteredSubsystemIsIgnoredForLiveness(t *testing.T) {
	h, cl := newTestHealth(t)
	h.Register("dispatch", 3*TickerTime)
	h.Ready("dispatch", true)
	h.Unregister("dispatch")

	advance(t, cl, 10)
	assert.True(t, h.IsAlive())
	assert.False(t, h.IsReady())

	h.Ready("dispatch", true)
	assert.False(t, h.IsReady(), "reports after unregistering are dropped")
}

func TestReadyPublishesGauges(t *testing.T) {
	m := &metrics.MockMetrics{}
	m.Start()
	h := &Health{Clock: clockwork.NewFakeClock(), Metrics: m}
	require.NoError(t, h.Start())
	defer h.Stop()

	h.Register("dispatch", 3*TickerTime)
	h.Ready("dispatch", true)
	v, ok := m.Get("is_ready")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	h.Ready("dispatch", false)
	v, _ = m.Get("is_ready")
	assert.Equal(t, 0.0, v)
}
