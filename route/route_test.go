package route

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	"github.com/hitrelay/hitrelay/config"
	"github.com/hitrelay/hitrelay/dispatch"
	"github.com/hitrelay/hitrelay/internal/health"
	"github.com/hitrelay/hitrelay/logger"
	"github.com/hitrelay/hitrelay/metrics"
	"github.com/hitrelay/hitrelay/settings"
	"github.com/hitrelay/hitrelay/tracker"
	"github.com/hitrelay/hitrelay/transmit"
)

type testController struct {
	trackers  *tracker.Manager
	engine    *dispatch.Engine
	suspended atomic.Bool

	mut      sync.Mutex
	reported []any
}

func (c *testController) CreateTracker(propertyID string) (*tracker.Tracker, error) {
	if propertyID == "broken" {
		return nil, errors.New("cannot create tracker")
	}
	return c.trackers.CreateTracker(propertyID), nil
}

func (c *testController) Suspend(ctx context.Context) error {
	c.suspended.Store(true)
	return c.engine.Suspend(ctx)
}

func (c *testController) Resume() {
	c.suspended.Store(false)
	c.engine.Resume()
}

func (c *testController) ReportPanic(v any) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.reported = append(c.reported, v)
	return nil
}

func (c *testController) panics() []any {
	c.mut.Lock()
	defer c.mut.Unlock()
	return append([]any(nil), c.reported...)
}

type routerFixture struct {
	router     *Router
	handler    http.Handler
	engine     *dispatch.Engine
	tx         *transmit.MockTransmission
	health     *health.MockHealth
	controller *testController
	config     *config.MockConfig
}

func newRouterFixture(t *testing.T, propertyIDs ...string) *routerFixture {
	t.Helper()
	tx := &transmit.MockTransmission{}
	engine, err := dispatch.NewEngine(tx, settings.NewMemoryStore(), dispatch.Options{Period: time.Minute}, clockwork.NewFakeClock())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Stop() })

	mgr := tracker.NewManager(engine, nil)
	for _, id := range propertyIDs {
		mgr.CreateTracker(id)
	}
	mm := &metrics.MockMetrics{}
	mm.Start()
	cfg := &config.MockConfig{
		GetGeneralConfigVal: config.GeneralConfig{PropertyIDs: propertyIDs},
	}
	h := &health.MockHealth{}
	ctrl := &testController{trackers: mgr, engine: engine}
	r := &Router{
		Config:   cfg,
		Logger:   &logger.NullLogger{},
		Metrics:  mm,
		Health:   h,
		Engine:   engine,
		Trackers: mgr,
	}
	r.SetVersion("1.2.3")
	r.SetController(ctrl)
	handler, err := r.Handler()
	require.NoError(t, err)
	return &routerFixture{router: r, handler: handler, engine: engine, tx: tx, health: h, controller: ctrl, config: cfg}
}

func (f *routerFixture) do(method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func TestCollectFormHit(t *testing.T) {
	f := newRouterFixture(t, "UA-1")

	w := f.do("POST", "/collect/UA-1?ds=relay", []byte("t=event&ec=cat&ea=act&tid=UA-666"), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.JSONEq(t, `{"status":202,"accepted":1}`, w.Body.String())
	assert.Equal(t, 1, f.engine.QueueLen())

	w = f.do("POST", "/dispatch", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	sent := f.tx.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "UA-1", sent[0]["tid"])
	assert.Equal(t, "event", sent[0]["t"])
	assert.Equal(t, "cat", sent[0]["ec"])
	assert.Equal(t, "relay", sent[0]["ds"])
	assert.Equal(t, "1", sent[0]["v"])
}

func TestCollectDecodesBodies(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte("t=pageview&dp=%2Fhome"))
	zw.Close()

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zstdBody := enc.EncodeAll([]byte("t=pageview&dp=%2Fzstd"), nil)

	packed, err := msgpack.Marshal(map[string]string{"t": "pageview", "dp": "/msgpack"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		body    []byte
		headers map[string]string
		want    string
	}{
		{"gzip form", gz.Bytes(), map[string]string{"Content-Encoding": "gzip"}, "/home"},
		{"zstd form", zstdBody, map[string]string{"Content-Encoding": "zstd"}, "/zstd"},
		{"json", []byte(`{"t":"pageview","dp":"/json"}`), map[string]string{"Content-Type": "application/json; charset=utf-8"}, "/json"},
		{"msgpack", packed, map[string]string{"Content-Type": "application/msgpack"}, "/msgpack"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t, "UA-1")
			w := f.do("POST", "/collect/UA-1", tt.body, tt.headers)
			require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
			require.NoError(t, f.engine.Dispatch(context.Background()))
			sent := f.tx.Sent()
			require.Len(t, sent, 1)
			assert.Equal(t, tt.want, sent[0]["dp"])
		})
	}
}

func TestCollectRejectsBadInput(t *testing.T) {
	f := newRouterFixture(t, "UA-1")

	w := f.do("POST", "/collect/UA-2", []byte("t=event"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "only configured properties are accepted")

	w = f.do("POST", "/collect/UA-1", []byte(`{"t":`), map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "failed to parse hit")

	w = f.do("POST", "/collect/UA-1", []byte("t=event"), map[string]string{"Content-Encoding": "gzip"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Zero(t, f.engine.QueueLen())
}

func TestCollectCreatesTrackersOnDemand(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do("POST", "/collect/UA-9", []byte("t=event"), nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	_, ok := f.router.Trackers.Tracker("UA-9")
	assert.True(t, ok)

	w = f.do("POST", "/collect/broken", []byte("t=event"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBatch(t *testing.T) {
	f := newRouterFixture(t, "UA-1")

	body := "t=event&ec=a\n\nt=event&ec=b\nt=pageview&dp=%2Fc\n"
	w := f.do("POST", "/batch/UA-1", []byte(body), nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.JSONEq(t, `{"status":202,"accepted":3}`, w.Body.String())
	assert.Equal(t, 3, f.engine.QueueLen())

	w = f.do("POST", "/batch/UA-1", []byte(strings.Repeat("t=event\n", maxBatchHits+1)), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, 3, f.engine.QueueLen(), "an oversized batch is rejected whole")
}

func TestOptOutEndpoints(t *testing.T) {
	f := newRouterFixture(t, "UA-1")
	f.do("POST", "/collect/UA-1", []byte("t=event"), nil)
	require.Equal(t, 1, f.engine.QueueLen())

	w := f.do("GET", "/optout", nil, nil)
	assert.JSONEq(t, `{"optOut":false}`, w.Body.String())

	w = f.do("PUT", "/optout", []byte(`{"optOut":true}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.engine.OptOut())
	assert.Zero(t, f.engine.QueueLen(), "opting out clears the queue")

	w = f.do("POST", "/collect/UA-1", []byte("t=event"), nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Zero(t, f.engine.QueueLen(), "hits are dropped while opted out")

	w = f.do("PUT", "/optout", []byte(`nope`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSuspendResume(t *testing.T) {
	f := newRouterFixture(t, "UA-1")
	f.do("POST", "/collect/UA-1", []byte("t=event"), nil)

	w := f.do("POST", "/suspend", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.controller.suspended.Load())
	assert.Equal(t, 1, f.tx.Count(), "suspend flushes the queue")

	w = f.do("POST", "/resume", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.controller.suspended.Load())
}

func TestHealthEndpoints(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do("GET", "/alive", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	f.health.SetAlive(true)
	w = f.do("GET", "/alive", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"source":"hitrelay","alive":"yes"}`, w.Body.String())

	w = f.do("GET", "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	f.health.SetReady(true)
	w = f.do("GET", "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do("GET", "/version", nil, nil)
	assert.JSONEq(t, `{"source":"hitrelay","version":"1.2.3"}`, w.Body.String())

	w = f.do("POST", "/alive", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestStatusFormats(t *testing.T) {
	f := newRouterFixture(t, "UA-1", "UA-2")
	f.do("POST", "/collect/UA-1", []byte("t=event"), nil)

	w := f.do("GET", "/status/json", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"version":"1.2.3","enabled":true,"optOut":false,"queued":1,"inFlight":0,"period":"1m0s","trackers":["UA-1","UA-2"]}`, w.Body.String())

	w = f.do("GET", "/status/yaml", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st Status
	require.NoError(t, yaml.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))

	w = f.do("GET", "/status/toml", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "queued = 1")

	w = f.do("GET", "/status/xml", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPanicCatcher(t *testing.T) {
	f := newRouterFixture(t)
	h := f.router.panicCatcher(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), ErrGenericMessage)
	assert.Empty(t, f.controller.panics(), "reporting is off by default")
}

func TestPanicCatcherReportsWhenConfigured(t *testing.T) {
	f := newRouterFixture(t)
	f.config.Mux.Lock()
	f.config.GetTrackingConfigVal.ReportUncaughtPanics = true
	f.config.Mux.Unlock()

	h := f.router.panicCatcher(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, []any{"boom"}, f.controller.panics())
}

func TestLnSServesAndStops(t *testing.T) {
	f := newRouterFixture(t)
	f.config.GetGeneralConfigVal.ListenAddr = "127.0.0.1:0"
	f.health.SetAlive(true)

	require.NoError(t, f.router.LnS())
	resp, err := http.Get("http://" + f.router.Addr() + "/alive")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, f.router.Stop())
	_, err = http.Get("http://" + f.router.Addr() + "/alive")
	assert.Error(t, err)
}
