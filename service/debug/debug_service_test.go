package debug

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitrelay/hitrelay/config"
	"github.com/hitrelay/hitrelay/dispatch"
	"github.com/hitrelay/hitrelay/logger"
	"github.com/hitrelay/hitrelay/settings"
	"github.com/hitrelay/hitrelay/transmit"
	"github.com/hitrelay/hitrelay/types"
)

func newTestService(t *testing.T, addr string) (*DebugService, *dispatch.Engine) {
	t.Helper()
	engine, err := dispatch.NewEngine(&transmit.MockTransmission{}, settings.NewMemoryStore(), dispatch.Options{Period: time.Minute}, clockwork.NewFakeClock())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Stop() })

	s := &DebugService{
		Config: &config.MockConfig{GetGeneralConfigVal: config.GeneralConfig{DebugServiceAddr: addr}},
		Logger: &logger.NullLogger{},
		Engine: engine,
	}
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s, engine
}

func TestVarsIncludeDispatchState(t *testing.T) {
	s, engine := newTestService(t, "")
	engine.EnqueueHit(types.Params{"t": "event"})
	engine.EnqueueHit(types.Params{"t": "event"})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/debug/vars", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var vars map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vars))
	assert.Contains(t, vars, "memstats")
	assert.Contains(t, vars, "cmdline")
	assert.JSONEq(t, `{"queued":2,"in_flight":0,"enabled":true,"opt_out":false,"period":"1m0s"}`, string(vars["dispatch"]))
}

func TestPublishRejectsDuplicates(t *testing.T) {
	s, _ := newTestService(t, "")
	assert.Error(t, s.Publish("cmdline", "again"))
	assert.NoError(t, s.Publish("extra", 1))
}

func TestIndexListsHandlers(t *testing.T) {
	s, _ := newTestService(t, "")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Contains(t, w.Body.String(), "/debug/pprof/")
	assert.Contains(t, w.Body.String(), "/debug/vars")
}

func TestListensWhenConfigured(t *testing.T) {
	s, _ := newTestService(t, "127.0.0.1:0")
	require.NotNil(t, s.listener)

	resp, err := http.Get("http://" + s.listener.Addr().String() + "/debug/vars")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeltaHeapProfile(t *testing.T) {
	s, _ := newTestService(t, "")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/debug/pprof/delta_heap", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotZero(t, w.Body.Len())
}
