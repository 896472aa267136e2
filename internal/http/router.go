package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// NewRouter wires the API routes. wsHandler and metricsHandler are mounted
// at /ws/events and /metrics when non-nil; mw wraps every route.
func NewRouter(svc *Service, wsHandler, metricsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler {
		if mw != nil {
			return mw(h)
		}
		return h
	}

	mux.Handle("/api/agents", wrap(http.HandlerFunc(svc.handleRegister)))
	mux.Handle("/api/agents/", wrap(http.HandlerFunc(svc.handleHeartbeat)))
	mux.Handle("/api/locks", wrap(http.HandlerFunc(svc.handleLock)))
	mux.Handle("/api/locks/release", wrap(http.HandlerFunc(svc.handleUnlock)))
	mux.Handle("/api/status", wrap(http.HandlerFunc(svc.handleStatus)))
	mux.Handle("/api/log", wrap(http.HandlerFunc(svc.handleLog)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	if wsHandler != nil {
		mux.Handle("/ws/events", wrap(wsHandler))
	}
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes the websocket upgrade through to the real writer.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// LogRequests logs one debug line per request, or a warning for 5xx.
func LogRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ev := log.Debug()
		if rec.status >= 500 {
			ev = log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}
