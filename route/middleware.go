package route

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

type requestIDContextKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// panicCatcher recovers any panics, sets a 500, and returns an obvious error.
// With Tracking.ReportUncaughtPanics set the panic is also reported as a
// fatal exception hit.
func (r *Router) panicCatcher(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rcvr := recover(); rcvr != nil {
				err, ok := rcvr.(error)
				if !ok {
					err = fmt.Errorf("caught panic: %v", rcvr)
				}
				r.handlerReturnWithError(w, ErrCaughtPanic, err)
				r.reportPanic(rcvr)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func (r *Router) reportPanic(v any) {
	if r.controller == nil || !r.Config.GetTrackingConfig().ReportUncaughtPanics {
		return
	}
	if err := r.controller.ReportPanic(v); err != nil {
		r.Logger.Error().WithField("error", err.Error()).Logf("failed to report panic")
	}
}

// requestLogger logs one debug line per request
func (r *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		arrivalTime := time.Now()
		route := mux.CurrentRoute(req)

		reqID := randStringBytes(8)
		req = req.WithContext(context.WithValue(req.Context(), requestIDContextKey{}, reqID))

		wrapped := statusRecorder{w, http.StatusOK}
		next.ServeHTTP(&wrapped, req)

		name := ""
		if route != nil {
			name = route.GetName()
		}
		r.Logger.Debug().WithFields(map[string]interface{}{
			"route":       name,
			"request_id":  reqID,
			"remote_addr": req.RemoteAddr,
			"method":      req.Method,
			"url":         req.URL.String(),
			"duration_ms": float64(time.Since(arrivalTime)) / float64(time.Millisecond),
			"status":      wrapped.status,
		}).Logf("handled request")
	})
}

func (r *Router) setResponseHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		// Set content type header early so it's before any calls to WriteHeader
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, req)
	})
}

const letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randStringBytes makes us a request ID for logging.
func randStringBytes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letterBytes[rand.IntN(len(letterBytes))]
	}
	return string(b)
}
