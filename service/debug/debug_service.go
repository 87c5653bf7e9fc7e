// Package debug serves pprof and a few live variables on a private port.
package debug

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/grafana/pyroscope-go/godeltaprof"

	"github.com/hitrelay/hitrelay/config"
	"github.com/hitrelay/hitrelay/dispatch"
	"github.com/hitrelay/hitrelay/logger"
)

// injectable debug service
type DebugService struct {
	Config config.Config    `inject:""`
	Logger logger.Logger    `inject:""`
	Engine *dispatch.Engine `inject:"dispatchEngine"`

	mux      *http.ServeMux
	urls     []string
	expVars  map[string]interface{}
	mutex    sync.RWMutex
	server   *http.Server
	listener net.Listener
}

// Func is an expvar computed each time /debug/vars is read.
type Func func() interface{}

func (s *DebugService) Start() error {
	s.expVars = make(map[string]interface{})
	s.mux = http.NewServeMux()

	// Add to the mux but don't add an index entry.
	s.mux.HandleFunc("/", s.indexHandler)

	s.HandleFunc("/debug/pprof/", pprof.Index)
	s.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	s.HandleFunc("/debug/pprof/profile", pprof.Profile)
	s.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	s.HandleFunc("/debug/pprof/trace", pprof.Trace)
	s.HandleFunc("/debug/pprof/delta_heap", deltaHandler(godeltaprof.NewHeapProfiler()))
	s.HandleFunc("/debug/pprof/delta_block", deltaHandler(godeltaprof.NewBlockProfiler()))
	s.HandleFunc("/debug/pprof/delta_mutex", deltaHandler(godeltaprof.NewMutexProfiler()))
	s.HandleFunc("/debug/vars", s.expvarHandler)
	if err := s.Publish("cmdline", os.Args); err != nil {
		return err
	}
	if err := s.Publish("memstats", Func(memstats)); err != nil {
		return err
	}
	if s.Engine != nil {
		if err := s.Publish("dispatch", Func(s.dispatchVars)); err != nil {
			return err
		}
	}

	addr := s.Config.GetGeneralConfig().DebugServiceAddr
	if addr == "" {
		return nil
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("debug service: %w", err)
	}
	s.listener = l
	s.server = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	s.Logger.Info().Logf("Debug service listening on %s", l.Addr().String())
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Warn().WithField("error", err.Error()).Logf("debug http server error")
		}
	}()
	return nil
}

func (s *DebugService) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

// Handler serves everything registered so far.
func (s *DebugService) Handler() http.Handler {
	return s.mux
}

// Use Handle and HandleFunc to add new services on the internal debugging port.
func (s *DebugService) Handle(pattern string, handler http.Handler) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.urls = append(s.urls, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *DebugService) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.urls = append(s.urls, pattern)
	s.mux.HandleFunc(pattern, handler)
}

// Publish an expvar at /debug/vars, possibly using Func
func (s *DebugService) Publish(name string, v interface{}) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, existing := s.expVars[name]; existing {
		return fmt.Errorf("reuse of exported var name: %s", name)
	}
	s.expVars[name] = v
	return nil
}

func (s *DebugService) dispatchVars() interface{} {
	return map[string]interface{}{
		"queued":    s.Engine.QueueLen(),
		"in_flight": s.Engine.InFlight(),
		"enabled":   s.Engine.Enabled(),
		"opt_out":   s.Engine.OptOut(),
		"period":    s.Engine.Period().String(),
	}
}

func (s *DebugService) indexHandler(w http.ResponseWriter, req *http.Request) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if err := indexTmpl.Execute(w, s.urls); err != nil {
		s.Logger.Warn().WithField("error", err.Error()).Logf("error rendering debug index")
	}
}

var indexTmpl = template.Must(template.New("index").Parse(`
<html>
<head>
<title>hitrelay debug</title>
</head>
<body>
<h2>Index</h2>
<table>
{{range .}}
<tr><td><a href="{{.}}?debug=1">{{.}}</a>
{{end}}
</table>
</body>
</html>
`))

func (s *DebugService) expvarHandler(w http.ResponseWriter, r *http.Request) {
	s.mutex.RLock()
	values := make(map[string]interface{}, len(s.expVars))
	for k, v := range s.expVars {
		values[k] = v
	}
	s.mutex.RUnlock()

	for k, v := range values {
		if f, ok := v.(Func); ok {
			values[k] = f()
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	b, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		s.Logger.Warn().WithField("error", err.Error()).Logf("error encoding expvars")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Write(b)
}

type deltaProfiler interface {
	Profile(w io.Writer) error
}

// deltaHandler serves the change in a profile since the previous request.
func deltaHandler(p deltaProfiler) func(http.ResponseWriter, *http.Request) {
	var mut sync.Mutex
	return func(w http.ResponseWriter, r *http.Request) {
		mut.Lock()
		defer mut.Unlock()
		w.Header().Set("Content-Type", "application/octet-stream")
		if err := p.Profile(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func memstats() interface{} {
	stats := new(runtime.MemStats)
	runtime.ReadMemStats(stats)
	return *stats
}
