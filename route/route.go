package route

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/hitrelay/hitrelay/config"
	"github.com/hitrelay/hitrelay/dispatch"
	"github.com/hitrelay/hitrelay/internal/health"
	"github.com/hitrelay/hitrelay/logger"
	"github.com/hitrelay/hitrelay/metrics"
	"github.com/hitrelay/hitrelay/tracker"
	"github.com/hitrelay/hitrelay/types"
)

const (
	// numZstdDecoders is how many collect requests may be decompressed at once
	numZstdDecoders = 4
	// maxBatchHits matches the collector's own limit for its batch endpoint
	maxBatchHits = 20
)

// Controller is the application side of the API: it owns tracker creation,
// the suspend/resume lifecycle and reporting of recovered panics.
type Controller interface {
	CreateTracker(propertyID string) (*tracker.Tracker, error)
	Suspend(ctx context.Context) error
	Resume()
	ReportPanic(v any) error
}

var routerMetrics = []metrics.Metadata{
	{Name: "router_collect", Type: metrics.Counter, Unit: metrics.Dimensionless, Description: "hits received on the collect endpoint"},
	{Name: "router_batch", Type: metrics.Counter, Unit: metrics.Dimensionless, Description: "batch requests received"},
	{Name: "router_rejected", Type: metrics.Counter, Unit: metrics.Dimensionless, Description: "requests answered with an error"},
}

type Router struct {
	Config   config.Config    `inject:""`
	Logger   logger.Logger    `inject:""`
	Metrics  metrics.Metrics  `inject:"metrics"`
	Health   health.Reporter  `inject:""`
	Engine   *dispatch.Engine `inject:"dispatchEngine"`
	Trackers *tracker.Manager `inject:""`

	// version is set on startup so that the router may answer HTTP requests for
	// the version
	versionStr string
	controller Controller

	zstdDecoders chan *zstd.Decoder

	server   *http.Server
	listener net.Listener
	doneWG   sync.WaitGroup
}

type collectResponse struct {
	Status   int    `json:"status"`
	Accepted int    `json:"accepted,omitempty"`
	Error    string `json:"error,omitempty"`
}

type optOutBody struct {
	OptOut bool `json:"optOut"`
}

// Status is what /status reports about the relay.
type Status struct {
	Version  string   `json:"version" yaml:"version" toml:"version"`
	Enabled  bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	OptOut   bool     `json:"optOut" yaml:"optOut" toml:"optOut"`
	Queued   int      `json:"queued" yaml:"queued" toml:"queued"`
	InFlight int      `json:"inFlight" yaml:"inFlight" toml:"inFlight"`
	Period   string   `json:"period" yaml:"period" toml:"period"`
	Trackers []string `json:"trackers" yaml:"trackers" toml:"trackers"`
}

func (r *Router) SetVersion(ver string) {
	r.versionStr = ver
}

func (r *Router) SetController(c Controller) {
	r.controller = c
}

// Handler builds the API routes.
func (r *Router) Handler() (http.Handler, error) {
	if r.zstdDecoders == nil {
		decoders, err := makeDecoders(numZstdDecoders)
		if err != nil {
			return nil, err
		}
		r.zstdDecoders = decoders
	}
	for _, m := range routerMetrics {
		r.Metrics.Register(m)
	}

	muxxer := mux.NewRouter()
	muxxer.Use(r.setResponseHeaders)
	muxxer.Use(r.requestLogger)
	muxxer.Use(r.panicCatcher)

	muxxer.HandleFunc("/alive", r.alive).Methods("GET").Name("liveness")
	muxxer.HandleFunc("/ready", r.ready).Methods("GET").Name("readiness")
	muxxer.HandleFunc("/version", r.version).Methods("GET").Name("report version info")
	muxxer.HandleFunc("/status/{format}", r.status).Methods("GET").Name("dispatch status")

	muxxer.HandleFunc("/collect/{propertyID}", r.collect).Methods("POST").Name("collect")
	muxxer.HandleFunc("/batch/{propertyID}", r.batch).Methods("POST").Name("batch")

	muxxer.HandleFunc("/dispatch", r.dispatch).Methods("POST").Name("dispatch")
	muxxer.HandleFunc("/suspend", r.suspend).Methods("POST").Name("suspend")
	muxxer.HandleFunc("/resume", r.resume).Methods("POST").Name("resume")
	muxxer.HandleFunc("/optout", r.getOptOut).Methods("GET").Name("get opt-out")
	muxxer.HandleFunc("/optout", r.putOptOut).Methods("PUT").Name("set opt-out")

	return muxxer, nil
}

// LnS listens on the configured address and serves the API in the
// background.
func (r *Router) LnS() error {
	handler, err := r.Handler()
	if err != nil {
		return fmt.Errorf("building routes: %w", err)
	}

	listenAddr := r.Config.GetListenAddr()
	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listenAddr, err)
	}
	r.listener = l
	r.Logger.Info().Logf("Listening on %s", l.Addr().String())
	r.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	r.doneWG.Add(1)
	go func() {
		defer r.doneWG.Done()

		err := r.server.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.Logger.Error().Logf("failed to Serve: %s", err)
		}
	}()
	return nil
}

// Addr is the address the API is listening on, once LnS has run.
func (r *Router) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

func (r *Router) Stop() error {
	if r.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := r.server.Shutdown(ctx); err != nil {
		return err
	}
	r.doneWG.Wait()
	return nil
}

func (r *Router) alive(w http.ResponseWriter, req *http.Request) {
	r.Logger.Debug().Logf("answered /alive check")
	alive := r.Health == nil || r.Health.IsAlive()
	r.writeHealth(w, "alive", alive)
}

func (r *Router) ready(w http.ResponseWriter, req *http.Request) {
	r.Logger.Debug().Logf("answered /ready check")
	ready := r.Health != nil && r.Health.IsReady()
	r.writeHealth(w, "ready", ready)
}

func (r *Router) writeHealth(w http.ResponseWriter, field string, ok bool) {
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	answer := "no"
	if ok {
		answer = "yes"
	}
	w.Write([]byte(fmt.Sprintf(`{"source":"hitrelay",%q:%q}`, field, answer)))
}

func (r *Router) version(w http.ResponseWriter, req *http.Request) {
	w.Write([]byte(fmt.Sprintf(`{"source":"hitrelay","version":"%s"}`, r.versionStr)))
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	format := strings.ToLower(mux.Vars(req)["format"])
	st := Status{
		Version:  r.versionStr,
		Enabled:  r.Engine.Enabled(),
		OptOut:   r.Engine.OptOut(),
		Queued:   r.Engine.QueueLen(),
		InFlight: r.Engine.InFlight(),
		Period:   r.Engine.Period().String(),
		Trackers: []string{},
	}
	for _, t := range r.Trackers.Trackers() {
		st.Trackers = append(st.Trackers, t.PropertyID())
	}
	r.marshalToFormat(w, st, format)
}

func (r *Router) marshalToFormat(w http.ResponseWriter, obj interface{}, format string) {
	var body []byte
	var err error
	switch format {
	case "json":
		body, err = jsoniter.Marshal(obj)
	case "toml":
		body, err = toml.Marshal(obj)
	case "yaml":
		body, err = yaml.Marshal(obj)
	default:
		r.handlerReturnWithError(w, ErrUnknownFormat, fmt.Errorf("invalid format '%s'", format))
		return
	}
	if err != nil {
		r.handlerReturnWithError(w, ErrMarshalFailed, err)
		return
	}
	w.Header().Set("Content-Type", "application/"+format)
	w.Write(body)
}

// collect accepts one hit as form parameters, JSON or msgpack.
func (r *Router) collect(w http.ResponseWriter, req *http.Request) {
	r.Metrics.Increment("router_collect")
	defer req.Body.Close()

	t, ok := r.trackerFor(w, req)
	if !ok {
		return
	}
	params, err := r.readParams(req)
	if err != nil {
		r.handlerReturnWithError(w, ErrParseHit, err)
		return
	}
	// the path names the property
	delete(params, types.ParamPropertyID)
	if err := t.Send(params); err != nil {
		r.handlerReturnWithError(w, ErrSendFailed, err)
		return
	}
	r.writeJSON(w, http.StatusAccepted, collectResponse{Status: http.StatusAccepted, Accepted: 1})
}

// batch accepts up to maxBatchHits hits, one urlencoded hit per line.
func (r *Router) batch(w http.ResponseWriter, req *http.Request) {
	r.Metrics.Increment("router_batch")
	defer req.Body.Close()

	t, ok := r.trackerFor(w, req)
	if !ok {
		return
	}
	body, err := r.readBody(req)
	if err != nil {
		r.handlerReturnWithError(w, ErrPostBody, err)
		return
	}
	hits, err := parseBatch(body)
	if err != nil {
		r.handlerReturnWithError(w, ErrParseHit, err)
		return
	}
	if len(hits) > maxBatchHits {
		r.handlerReturnWithError(w, ErrBatchTooLarge, fmt.Errorf("%d hits in batch, limit is %d", len(hits), maxBatchHits))
		return
	}
	for _, params := range hits {
		delete(params, types.ParamPropertyID)
		if err := t.Send(params); err != nil {
			r.handlerReturnWithError(w, ErrSendFailed, err)
			return
		}
	}
	r.writeJSON(w, http.StatusAccepted, collectResponse{Status: http.StatusAccepted, Accepted: len(hits)})
}

// trackerFor finds or creates the tracker named in the path. When
// General.PropertyIDs is set only those properties are accepted.
func (r *Router) trackerFor(w http.ResponseWriter, req *http.Request) (*tracker.Tracker, bool) {
	propertyID := mux.Vars(req)["propertyID"]
	if t, ok := r.Trackers.Tracker(propertyID); ok {
		return t, true
	}
	if allowed := r.Config.GetGeneralConfig().PropertyIDs; len(allowed) > 0 {
		r.handlerReturnWithError(w, ErrUnknownProperty, fmt.Errorf("property %q is not configured", propertyID))
		return nil, false
	}
	if r.controller == nil {
		r.handlerReturnWithError(w, ErrUnknownProperty, fmt.Errorf("property %q has no tracker", propertyID))
		return nil, false
	}
	t, err := r.controller.CreateTracker(propertyID)
	if err != nil {
		r.handlerReturnWithError(w, ErrUnknownProperty, err)
		return nil, false
	}
	return t, true
}

func (r *Router) dispatch(w http.ResponseWriter, req *http.Request) {
	if err := r.Engine.Dispatch(req.Context()); err != nil {
		r.handlerReturnWithError(w, ErrDispatchTimeout, err)
		return
	}
	r.writeJSON(w, http.StatusOK, Status{Queued: r.Engine.QueueLen(), InFlight: r.Engine.InFlight()})
}

func (r *Router) suspend(w http.ResponseWriter, req *http.Request) {
	var err error
	if r.controller != nil {
		err = r.controller.Suspend(req.Context())
	} else {
		err = r.Engine.Suspend(req.Context())
	}
	if err != nil {
		r.handlerReturnWithError(w, ErrDispatchTimeout, err)
		return
	}
	w.Write([]byte(`{"suspended":true}`))
}

func (r *Router) resume(w http.ResponseWriter, req *http.Request) {
	if r.controller != nil {
		r.controller.Resume()
	} else {
		r.Engine.Resume()
	}
	w.Write([]byte(`{"suspended":false}`))
}

func (r *Router) getOptOut(w http.ResponseWriter, req *http.Request) {
	r.writeJSON(w, http.StatusOK, optOutBody{OptOut: r.Engine.OptOut()})
}

func (r *Router) putOptOut(w http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()
	var body optOutBody
	if err := jsoniter.NewDecoder(io.LimitReader(req.Body, 1<<10)).Decode(&body); err != nil {
		r.handlerReturnWithError(w, ErrJSONFailed, err)
		return
	}
	if err := r.Engine.SetOptOut(req.Context(), body.OptOut); err != nil {
		r.handlerReturnWithError(w, ErrSettingsFailed, err)
		return
	}
	r.Logger.Info().WithField("opt_out", body.OptOut).Logf("opt-out changed through the API")
	r.writeJSON(w, http.StatusOK, body)
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := jsoniter.Marshal(v)
	if err != nil {
		r.handlerReturnWithError(w, ErrJSONBuildFailed, err)
		return
	}
	w.WriteHeader(status)
	w.Write(body)
}
