package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookgo/inject"
	"github.com/facebookgo/startstop"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	_ "go.uber.org/automaxprocs"

	"github.com/hitrelay/hitrelay/app"
	"github.com/hitrelay/hitrelay/config"
	"github.com/hitrelay/hitrelay/connectivity"
	"github.com/hitrelay/hitrelay/dispatch"
	"github.com/hitrelay/hitrelay/internal/health"
	"github.com/hitrelay/hitrelay/internal/otelutil"
	"github.com/hitrelay/hitrelay/logger"
	"github.com/hitrelay/hitrelay/metrics"
	"github.com/hitrelay/hitrelay/platform"
	"github.com/hitrelay/hitrelay/route"
	"github.com/hitrelay/hitrelay/service/debug"
	"github.com/hitrelay/hitrelay/settings"
	"github.com/hitrelay/hitrelay/tracker"
	"github.com/hitrelay/hitrelay/transmit"
)

// set by the build.
var BuildID string
var version string

type graphLogger struct {
}

func (g graphLogger) Debugf(format string, v ...interface{}) {
	fmt.Printf(format, v...)
	fmt.Println()
}

func main() {
	opts, err := config.NewCmdEnvOptions(os.Args)
	if err != nil {
		fmt.Printf("Command line parsing error '%s' -- call with --help for usage.\n", err)
		os.Exit(1)
	}

	if BuildID == "" {
		version = "dev"
	} else {
		version = BuildID
	}

	if opts.Version {
		fmt.Println("Version: " + version)
		os.Exit(0)
	}

	a := app.App{
		Version: version,
	}

	c, err := config.NewConfig(opts, func(err error) {
		if a.Logger != nil {
			a.Logger.Error().WithField("error", err).Logf("error loading config")
		}
	})
	if err != nil {
		fmt.Printf("%+v\n", err)
		os.Exit(1)
	}

	// get desired implementation for each dependency to inject
	lgr := logger.GetLoggerImplementation(c)
	store := settings.GetStoreImplementation(c)

	logLevel := c.GetLoggerLevel().String()
	if err := lgr.SetLevel(logLevel); err != nil {
		fmt.Printf("unable to set logging level: %v\n", err)
		os.Exit(1)
	}

	// collectorTransport is the http transport used to send hits on to the
	// collector
	collectorTransport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: 10 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 15 * time.Second,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 16,
	}

	general := c.GetGeneralConfig()
	appVersion := general.AppVersion
	if appVersion == "" {
		appVersion = version
	}
	collectorTransmission := &transmit.HTTPTransmission{
		Transport:        collectorTransport,
		DefaultUserAgent: platform.HostUserAgent(general.AppName, appVersion),
	}

	// we need to include all the metrics types so we can inject them in case they're needed
	// but we only want to instantiate the ones that are enabled with non-null values
	var promMetrics metrics.Metrics = &metrics.NullMetrics{}
	var oTelMetrics metrics.Metrics = &metrics.NullMetrics{}
	if c.GetPrometheusMetricsConfig().Enabled {
		promMetrics = &metrics.PromMetrics{}
	}
	if c.GetOTelMetricsConfig().Enabled {
		oTelMetrics = &metrics.OTelMetrics{}
	}
	metricsSingleton := metrics.NewMultiMetrics()

	tracer := trace.Tracer(noop.Tracer{})
	shutdown := func() {}
	if c.GetOTelTracingConfig().Enabled {
		tracer, shutdown = otelutil.SetupTracing(c.GetOTelTracingConfig(), "hitrelay", version)
	}
	defer shutdown()

	engine := &dispatch.Engine{}
	hostProvider := &platform.HostProvider{}
	trackers := tracker.NewManager(engine, hostProvider)

	var g inject.Graph
	if c.GetLoggerLevel() == config.DebugLevel {
		g.Logger = graphLogger{}
	}
	objects := []*inject.Object{
		{Value: c},
		{Value: lgr},
		{Value: store},
		{Value: collectorTransmission, Name: "collectorTransmission"},
		{Value: promMetrics, Name: "promMetrics"},
		{Value: oTelMetrics, Name: "otelMetrics"},
		{Value: metricsSingleton, Name: "metrics"},
		{Value: tracer, Name: "tracer"}, // we need to use a named injection here because trace.Tracer's struct fields are all private
		{Value: clockwork.NewRealClock()},
		{Value: version, Name: "version"},
		{Value: engine, Name: "dispatchEngine"},
		{Value: hostProvider},
		{Value: trackers},
		{Value: &health.Health{}},
		{Value: &connectivity.Monitor{Transport: collectorTransport}},
		{Value: &route.Router{}},
		{Value: &debug.DebugService{}},
		{Value: &a},
	}
	if err := g.Provide(objects...); err != nil {
		fmt.Printf("failed to provide injection graph. error: %+v\n", err)
		os.Exit(1)
	}
	if err := g.Populate(); err != nil {
		fmt.Printf("failed to populate injection graph. error: %+v\n", err)
		os.Exit(1)
	}

	// the logger provided to startstop must be valid before any service is
	// started, meaning it can't rely on injected configs. make a custom logger
	// just for this step
	ststLogger := logrus.New()
	ststLogger.SetLevel(logrus.WarnLevel)

	defer startstop.Stop(g.Objects(), ststLogger)
	if err := startstop.Start(g.Objects(), ststLogger); err != nil {
		fmt.Printf("failed to start injected dependencies. error: %+v\n", err)
		os.Exit(1)
	}
	// reports a panic on this goroutine before startstop unwinds
	defer a.Recover()

	metricsSingleton.Store("DISPATCH_PERIOD_SECONDS", time.Duration(c.GetDispatchConfig().Period).Seconds())

	// SIGUSR1 and SIGUSR2 stand in for the host going to sleep and waking up
	lifecycle := make(chan os.Signal, 1)
	signal.Notify(lifecycle, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP)
	sigsToExit := make(chan os.Signal, 1)
	signal.Notify(sigsToExit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-lifecycle:
			switch sig {
			case syscall.SIGUSR1:
				ctx, cancel := context.WithTimeout(context.Background(), c.GetShutdownTimeout())
				if err := a.Suspend(ctx); err != nil {
					a.Logger.Error().WithField("error", err.Error()).Logf("suspend did not finish flushing")
				}
				cancel()
			case syscall.SIGUSR2:
				a.Resume()
			case syscall.SIGHUP:
				a.Logger.Info().Logf("Caught signal \"%s\"; reloading config", sig)
				c.Reload()
			}
		case sig := <-sigsToExit:
			// App.Stop flushes the queue when startstop unwinds
			a.Logger.Error().Logf("Caught signal \"%s\"", sig)
			return
		}
	}
}
