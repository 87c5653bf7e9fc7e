package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/facebookgo/inject"
	"github.com/facebookgo/startstop"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/hitrelay/hitrelay/config"
	"github.com/hitrelay/hitrelay/dispatch"
	"github.com/hitrelay/hitrelay/internal/health"
	"github.com/hitrelay/hitrelay/logger"
	"github.com/hitrelay/hitrelay/metrics"
	"github.com/hitrelay/hitrelay/platform"
	"github.com/hitrelay/hitrelay/route"
	"github.com/hitrelay/hitrelay/settings"
	"github.com/hitrelay/hitrelay/tracker"
	"github.com/hitrelay/hitrelay/transmit"
	"github.com/hitrelay/hitrelay/types"
)

type appFixture struct {
	app    *App
	engine *dispatch.Engine
	tx     *transmit.MockTransmission
	health *health.MockHealth
	logger *logger.MockLogger
	config *config.MockConfig
}

func newTestConfig(propertyIDs ...string) *config.MockConfig {
	return &config.MockConfig{
		GetGeneralConfigVal: config.GeneralConfig{
			ListenAddr:      "127.0.0.1:0",
			PropertyIDs:     propertyIDs,
			AppName:         "relay-test",
			AppVersion:      "0.1",
			ShutdownTimeout: config.Duration(time.Second),
		},
		GetDispatchConfigVal: config.DispatchConfig{
			Period:         config.Duration(time.Minute),
			BucketCapacity: 60,
			BucketFillRate: 0.5,
		},
		GetTrackingConfigVal: config.TrackingConfig{
			SampleRate:           100,
			AnonymizeIP:          true,
			ReportUncaughtPanics: true,
		},
	}
}

// newStartedApp builds the same object graph as the daemon, minus the
// listener, and starts it.
func newStartedApp(t *testing.T, propertyIDs ...string) *appFixture {
	t.Helper()
	c := newTestConfig(propertyIDs...)
	tx := &transmit.MockTransmission{}
	engine := &dispatch.Engine{}
	provider := platform.NewStaticProvider("client-1", "en-us", "test-agent")
	mgr := tracker.NewManager(engine, provider)
	h := &health.MockHealth{}
	lgr := &logger.MockLogger{}
	mm := &metrics.MockMetrics{}
	mm.Start()

	a := &App{Version: "test"}
	var g inject.Graph
	err := g.Provide(
		&inject.Object{Value: c},
		&inject.Object{Value: lgr},
		&inject.Object{Value: mm, Name: "metrics"},
		&inject.Object{Value: clockwork.NewFakeClock()},
		&inject.Object{Value: trace.Tracer(noop.Tracer{}), Name: "tracer"},
		&inject.Object{Value: tx, Name: "collectorTransmission"},
		&inject.Object{Value: settings.NewMemoryStore()},
		&inject.Object{Value: h},
		&inject.Object{Value: engine, Name: "dispatchEngine"},
		&inject.Object{Value: mgr},
		&inject.Object{Value: provider},
		&inject.Object{Value: &route.Router{}},
		&inject.Object{Value: a},
	)
	require.NoError(t, err)
	require.NoError(t, g.Populate())

	ststLogger := logrus.New()
	ststLogger.SetLevel(logrus.WarnLevel)
	require.NoError(t, startstop.Start(g.Objects(), ststLogger))
	t.Cleanup(func() { startstop.Stop(g.Objects(), ststLogger) })

	return &appFixture{app: a, engine: engine, tx: tx, health: h, logger: lgr, config: c}
}

func TestStartCreatesConfiguredTrackers(t *testing.T) {
	f := newStartedApp(t, "UA-2", "UA-1")

	trackers := f.app.Trackers.Trackers()
	require.Len(t, trackers, 2)
	assert.Equal(t, "UA-2", f.app.Trackers.DefaultTracker().PropertyID(), "the first configured property is the default")

	fields := trackers[0].Fields()
	assert.True(t, fields.AnonymizeIP)
	assert.Equal(t, "relay-test", fields.AppName)
	assert.Equal(t, "0.1", fields.AppVersion)
	assert.Equal(t, "client-1", fields.ClientID)

	ready, ok := f.health.Reported(healthSubsystem)
	assert.True(t, ok)
	assert.True(t, ready)
}

func TestCreateTrackerAppliesTrackingConfig(t *testing.T) {
	f := newStartedApp(t)
	f.config.Mux.Lock()
	f.config.GetTrackingConfigVal.SampleRate = 25
	f.config.Mux.Unlock()

	tr, err := f.app.CreateTracker("UA-7")
	require.NoError(t, err)
	assert.Equal(t, 25.0, tr.SampleRate())

	_, err = f.app.CreateTracker("")
	assert.ErrorIs(t, err, tracker.ErrEmptyPropertyID)

	f.config.Mux.Lock()
	f.config.GetTrackingConfigVal.SampleRate = 500
	f.config.Mux.Unlock()
	_, err = f.app.CreateTracker("UA-8")
	assert.Error(t, err)
}

func TestReloadReappliesTrackingConfig(t *testing.T) {
	f := newStartedApp(t, "UA-1")
	f.config.Mux.Lock()
	f.config.GetTrackingConfigVal.SampleRate = 10
	f.config.GetTrackingConfigVal.AnonymizeIP = false
	f.config.Mux.Unlock()
	f.config.Reload()

	tr, _ := f.app.Trackers.Tracker("UA-1")
	assert.Equal(t, 10.0, tr.SampleRate())
	assert.False(t, tr.Fields().AnonymizeIP)
}

func TestReportPanicSendsFatalExceptionOnEveryTracker(t *testing.T) {
	f := newStartedApp(t, "UA-1", "UA-2")

	require.NoError(t, f.app.ReportPanic(errors.New("disk on fire")))

	sent := f.tx.Sent()
	require.Len(t, sent, 2, "the report is flushed right away")
	var tids []string
	for _, p := range sent {
		tids = append(tids, p[types.ParamPropertyID])
		assert.Equal(t, "exception", p[types.ParamHitType])
		assert.Equal(t, "*errors.errorString: disk on fire", p["exd"])
		_, nonFatal := p["exf"]
		assert.False(t, nonFatal)
	}
	assert.ElementsMatch(t, []string{"UA-1", "UA-2"}, tids)
}

func TestRecoverReportsAndRepanics(t *testing.T) {
	f := newStartedApp(t, "UA-1")

	assert.PanicsWithValue(t, "boom", func() {
		defer f.app.Recover()
		panic("boom")
	})
	require.Equal(t, 1, f.tx.Count())
	assert.Equal(t, "boom", f.tx.Sent()[0]["exd"])

	f.config.Mux.Lock()
	f.config.GetTrackingConfigVal.ReportUncaughtPanics = false
	f.config.Mux.Unlock()
	assert.Panics(t, func() {
		defer f.app.Recover()
		panic("quiet")
	})
	assert.Equal(t, 1, f.tx.Count(), "reporting is off")

	assert.NotPanics(t, func() {
		defer f.app.Recover()
	})
}

func TestSuspendAndResumeReportReadiness(t *testing.T) {
	f := newStartedApp(t, "UA-1")
	tr, _ := f.app.Trackers.Tracker("UA-1")
	require.NoError(t, tr.Send(types.Params{"t": "event"}))
	require.Equal(t, 1, f.engine.QueueLen())

	require.NoError(t, f.app.Suspend(context.Background()))
	assert.Equal(t, 1, f.tx.Count(), "suspend flushes")
	ready, _ := f.health.Reported(healthSubsystem)
	assert.False(t, ready)
	assert.False(t, f.app.ready())

	f.app.Resume()
	ready, _ = f.health.Reported(healthSubsystem)
	assert.True(t, ready)
	assert.True(t, f.app.ready())
}

func TestStopFlushesAndClosesTrackers(t *testing.T) {
	f := newStartedApp(t, "UA-1")
	tr, _ := f.app.Trackers.Tracker("UA-1")
	for i := 0; i < 3; i++ {
		require.NoError(t, tr.Send(types.Params{"t": "event"}))
	}

	require.NoError(t, f.app.Stop())
	assert.Equal(t, 3, f.tx.Count())
	assert.Empty(t, f.app.Trackers.Trackers())
	assert.Zero(t, f.engine.QueueLen())
}

func TestOutcomeLogger(t *testing.T) {
	lgr := &logger.MockLogger{}
	o := &outcomeLogger{logger: lgr}
	hit := types.NewHit(types.Params{"tid": "UA-1", "t": "event"}, time.Now())

	o.OnOutcome(types.Outcome{Kind: types.OutcomeSent, Hit: hit})
	o.OnOutcome(types.Outcome{Kind: types.OutcomeMalformed, Hit: hit, StatusCode: http.StatusBadRequest})
	o.OnOutcome(types.Outcome{Kind: types.OutcomeFailed, Hit: hit, Err: errors.New("dial tcp: refused")})

	require.Len(t, lgr.Events, 3)
	assert.Equal(t, config.DebugLevel, lgr.Events[0].Level())
	assert.Equal(t, config.WarnLevel, lgr.Events[1].Level())
	assert.Equal(t, http.StatusBadRequest, lgr.Events[1].Fields["status"])
	assert.Equal(t, config.ErrorLevel, lgr.Events[2].Level())
	assert.Equal(t, "UA-1", lgr.Events[2].Fields["tid"])
}
