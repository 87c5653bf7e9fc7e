package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/hitrelay/hitrelay/config"
	"github.com/hitrelay/hitrelay/dispatch"
	"github.com/hitrelay/hitrelay/hitbuilder"
	"github.com/hitrelay/hitrelay/internal/health"
	"github.com/hitrelay/hitrelay/logger"
	"github.com/hitrelay/hitrelay/metrics"
	"github.com/hitrelay/hitrelay/platform"
	"github.com/hitrelay/hitrelay/route"
	"github.com/hitrelay/hitrelay/tracker"
	"github.com/hitrelay/hitrelay/types"
)

const healthSubsystem = "dispatch"

// heartbeat is how often the app reports its readiness to health.
var heartbeat = time.Second

var appMetrics = []metrics.Metadata{
	{Name: "panics_reported", Type: metrics.Counter, Unit: metrics.Dimensionless, Description: "panics reported as fatal exception hits"},
	{Name: "suspended", Type: metrics.Gauge, Unit: metrics.Dimensionless, Description: "1 while dispatching is suspended"},
}

type App struct {
	Config   config.Config     `inject:""`
	Logger   logger.Logger     `inject:""`
	Metrics  metrics.Metrics   `inject:"metrics"`
	Clock    clockwork.Clock   `inject:""`
	Health   health.Recorder   `inject:""`
	Engine   *dispatch.Engine  `inject:"dispatchEngine"`
	Trackers *tracker.Manager  `inject:""`
	Router   *route.Router     `inject:""`
	Platform platform.Provider `inject:""`

	// Version is the build ID so that the running process may answer
	// requests for the version
	Version string

	mut       sync.Mutex
	suspended bool
	stopping  bool
	done      chan struct{}
}

var _ route.Controller = (*App)(nil)

// Start creates the configured trackers, hooks outcome logging into the
// engine and starts the relay API.
func (a *App) Start() error {
	a.Logger.Debug().Logf("Starting up App...")
	if a.Clock == nil {
		a.Clock = clockwork.NewRealClock()
	}
	for _, m := range appMetrics {
		a.Metrics.Register(m)
	}

	a.Engine.AddObserver(&outcomeLogger{logger: a.Logger})

	general := a.Config.GetGeneralConfig()
	for _, id := range general.PropertyIDs {
		if _, err := a.CreateTracker(id); err != nil {
			return err
		}
	}
	a.Config.RegisterReloadCallback(a.applyTrackingConfig)

	a.done = make(chan struct{})
	if a.Health != nil {
		a.Health.Register(healthSubsystem, 5*heartbeat)
		a.Health.Ready(healthSubsystem, true)
		go a.reportHealth()
	}

	if a.Router != nil {
		a.Router.SetVersion(a.Version)
		a.Router.SetController(a)
		if err := a.Router.LnS(); err != nil {
			return err
		}
	}
	a.Logger.Info().WithString("version", a.Version).WithString("client_id", a.Platform.AnonymousClientID()).WithField("trackers", len(general.PropertyIDs)).Logf("hitrelay started")
	return nil
}

// CreateTracker returns the tracker for propertyID with the configured
// tracking defaults applied.
func (a *App) CreateTracker(propertyID string) (*tracker.Tracker, error) {
	if propertyID == "" {
		return nil, tracker.ErrEmptyPropertyID
	}
	t := a.Trackers.CreateTracker(propertyID)
	if err := a.configureTracker(t, a.Config.GetTrackingConfig()); err != nil {
		return nil, fmt.Errorf("configuring tracker %s: %w", propertyID, err)
	}
	return t, nil
}

func (a *App) configureTracker(t *tracker.Tracker, cfg config.TrackingConfig) error {
	if err := t.SetSampleRate(cfg.SampleRate); err != nil {
		return err
	}
	general := a.Config.GetGeneralConfig()
	t.UpdateFields(func(f *tracker.Fields) {
		f.AnonymizeIP = cfg.AnonymizeIP
		if cfg.Language != "" {
			f.Language = cfg.Language
		}
		if cfg.ClientID != "" {
			f.ClientID = cfg.ClientID
		}
		if f.AppName == "" {
			f.AppName = general.AppName
		}
		if f.AppVersion == "" {
			f.AppVersion = general.AppVersion
		}
	})
	return nil
}

func (a *App) applyTrackingConfig(hash string) {
	cfg := a.Config.GetTrackingConfig()
	for _, t := range a.Trackers.Trackers() {
		if err := a.configureTracker(t, cfg); err != nil {
			a.Logger.Error().WithString("property_id", t.PropertyID()).WithField("error", err.Error()).Logf("failed to apply tracking config")
		}
	}
}

func (a *App) reportHealth() {
	defer a.Recover()
	tick := a.Clock.NewTicker(heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-tick.Chan():
			a.Health.Ready(healthSubsystem, a.ready())
		case <-a.done:
			return
		}
	}
}

func (a *App) ready() bool {
	a.mut.Lock()
	defer a.mut.Unlock()
	return !a.suspended && !a.stopping
}

// Suspend flushes the queue and stops the dispatch timer, for example while
// the host is going to sleep. Readiness is withdrawn until Resume.
func (a *App) Suspend(ctx context.Context) error {
	a.mut.Lock()
	a.suspended = true
	a.mut.Unlock()
	a.Metrics.Gauge("suspended", 1)
	if a.Health != nil {
		a.Health.Ready(healthSubsystem, false)
	}
	a.Logger.Info().WithField("queued", a.Engine.QueueLen()).Logf("suspending dispatch")
	return a.Engine.Suspend(ctx)
}

func (a *App) Resume() {
	a.mut.Lock()
	a.suspended = false
	stopping := a.stopping
	a.mut.Unlock()
	a.Metrics.Gauge("suspended", 0)
	if a.Health != nil && !stopping {
		a.Health.Ready(healthSubsystem, true)
	}
	a.Logger.Info().Logf("resuming dispatch")
	a.Engine.Resume()
}

// ReportPanic sends a fatal exception hit describing v on every tracker and
// then flushes the queue, bounded by the shutdown timeout.
func (a *App) ReportPanic(v any) error {
	a.Metrics.Increment("panics_reported")
	desc := describePanic(v)
	a.Logger.Error().WithString("panic", desc).Logf("reporting uncaught panic")

	hit := hitbuilder.NewException(desc, true).Build()
	var errs []error
	for _, t := range a.Trackers.Trackers() {
		if err := t.Send(hit); err != nil {
			errs = append(errs, fmt.Errorf("tracker %s: %w", t.PropertyID(), err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.Config.GetShutdownTimeout())
	defer cancel()
	if err := a.Engine.Dispatch(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Recover is deferred at the top of a goroutine. It reports a panic when
// Tracking.ReportUncaughtPanics is set and then panics again with the same
// value.
func (a *App) Recover() {
	r := recover()
	if r == nil {
		return
	}
	if a.Config.GetTrackingConfig().ReportUncaughtPanics {
		if err := a.ReportPanic(r); err != nil {
			a.Logger.Error().WithField("error", err.Error()).Logf("failed to report panic")
		}
	}
	panic(r)
}

func describePanic(v any) string {
	switch p := v.(type) {
	case error:
		return fmt.Sprintf("%T: %s", p, p.Error())
	case string:
		return p
	default:
		return fmt.Sprintf("%v", p)
	}
}

// Stop flushes queued hits while the trackers are closed, bounded by the
// shutdown timeout.
func (a *App) Stop() error {
	a.Logger.Debug().Logf("Shutting down App...")
	a.mut.Lock()
	a.stopping = true
	a.mut.Unlock()
	if a.Health != nil {
		a.Health.Ready(healthSubsystem, false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.Config.GetShutdownTimeout())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Engine.Suspend(gctx); err != nil {
			return fmt.Errorf("flushing hits: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		for _, t := range a.Trackers.Trackers() {
			a.Trackers.CloseTracker(t)
		}
		return nil
	})
	err := g.Wait()

	if a.done != nil {
		close(a.done)
		a.done = nil
	}
	if a.Health != nil {
		a.Health.Unregister(healthSubsystem)
	}
	if err != nil {
		a.Logger.Error().WithField("error", err.Error()).WithField("queued", a.Engine.QueueLen()).Logf("shutdown did not finish flushing")
	}
	return err
}

// outcomeLogger writes one line per resolved hit.
type outcomeLogger struct {
	logger logger.Logger
}

func (o *outcomeLogger) OnOutcome(out types.Outcome) {
	switch out.Kind {
	case types.OutcomeSent:
		o.logger.Debug().WithFields(hitFields(out.Hit)).Logf("hit sent")
	case types.OutcomeMalformed:
		o.logger.Warn().WithField("status", out.StatusCode).WithFields(hitFields(out.Hit)).Logf("collector rejected hit")
	case types.OutcomeFailed:
		var msg string
		if out.Err != nil {
			msg = out.Err.Error()
		}
		o.logger.Error().WithString("error", msg).WithFields(hitFields(out.Hit)).Logf("failed to send hit")
	}
}

func hitFields(h *types.Hit) map[string]interface{} {
	if h == nil {
		return nil
	}
	fields := map[string]interface{}{"created": h.Timestamp()}
	for _, k := range []string{"tid", "t"} {
		if v, ok := h.Get(k); ok {
			fields[k] = v
		}
	}
	return fields
}
