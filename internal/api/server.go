// Package api exposes pool and runner operations over local HTTP. Route
// registration and Server lifecycle are adapted from the teacher's
// internal/api/server.go (http.ServeMux method+path patterns, a
// writeJSON/writeError pair, PathValue for id extraction) — rebased from a
// unix socket onto a loopback TCP listener per spec §4.4/§6, and with the
// teacher's large instance/kit/secret/tether route surface replaced by the
// nine routes this spec actually names.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clark235/carapaceos/internal/apierr"
	"github.com/clark235/carapaceos/internal/config"
	"github.com/clark235/carapaceos/internal/pool"
	"github.com/clark235/carapaceos/internal/registry"
)

// maxBodyBytes caps request bodies at 1 MiB, per spec §4.4.
const maxBodyBytes = 1 << 20

// Server is carapaced's control HTTP server.
type Server struct {
	cfg      *config.Config
	pool     *pool.Pool
	registry *registry.Registry
	startedAt time.Time

	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener

	reg     *prometheus.Registry
	metrics metricsSet
}

// NewServer creates a Server. The caller is responsible for calling
// p.Start before Start accepts traffic.
func NewServer(cfg *config.Config, p *pool.Pool, reg *registry.Registry) *Server {
	s := &Server{
		cfg:       cfg,
		pool:      p,
		registry:  reg,
		startedAt: time.Now(),
		mux:       http.NewServeMux(),
	}
	s.reg = prometheus.NewRegistry()
	s.metrics = newMetricsSet(s.reg)
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics())
	s.mux.HandleFunc("GET /vms", s.handleListVMs)
	s.mux.HandleFunc("POST /vms/acquire", s.handleAcquire)
	s.mux.HandleFunc("POST /vms/{id}/run", s.handleRun)
	s.mux.HandleFunc("POST /vms/{id}/pipeline", s.handlePipeline)
	s.mux.HandleFunc("POST /vms/{id}/release", s.handleRelease)
	s.mux.HandleFunc("GET /pool/status", s.handlePoolStatus)
	s.mux.HandleFunc("POST /pool/resize", s.handlePoolResize)
}

// Start begins listening on cfg.ListenAddr, a loopback address per spec
// §6 ("binds to loopback by default; no built-in authentication").
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			panic("carapaced: control server: " + err.Error())
		}
	}()
	return nil
}

// Addr returns the address the server actually bound to (useful when
// ListenAddr used port 0 for tests).
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.ListenAddr
	}
	return s.ln.Addr().String()
}

// Stop closes the listener immediately. Unlike http.Server.Shutdown,
// Close does not drain in-flight requests to completion: it terminates
// active connections at once, so anything accepted just before shutdown
// is rejected rather than allowed to finish, per spec §4.4's shutdown
// order (pool torn down first, listener closed last, in-flight requests
// rejected).
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Close()
}

func (s *Server) handleMetrics() http.HandlerFunc {
	s.metrics.uptime.Set(0)
	handler := promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
	return func(w http.ResponseWriter, r *http.Request) {
		s.metrics.uptime.Set(time.Since(s.startedAt).Seconds())
		stats := s.pool.Stats()
		s.metrics.poolWarm.Set(float64(stats.Warm))
		s.metrics.poolBooting.Set(float64(stats.Booting))
		s.metrics.activeVMs.Set(float64(s.registry.Count()))
		handler.ServeHTTP(w, r)
	}
}

type healthResponse struct {
	Status     string      `json:"status"`
	UptimeSecs float64     `json:"uptime_seconds"`
	Pool       pool.Stats  `json:"pool"`
	ActiveVMs  int         `json:"active_vms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		UptimeSecs: time.Since(s.startedAt).Seconds(),
		Pool:       s.pool.Stats(),
		ActiveVMs:  s.registry.Count(),
	})
}

// decodeJSON enforces the request-body size cap and decodes into v.
// Returns a *apierr.Error suitable for writeAPIError on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if err.Error() == "http: request body too large" {
			return apierr.New(apierr.PayloadTooLarge, "request body exceeds 1 MiB")
		}
		return apierr.Wrap(apierr.Usage, "invalid request body", err)
	}
	return nil
}

// writeJSON writes a JSON response. Adapted verbatim from the teacher.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeAPIError maps an error's apierr.Kind to its HTTP status code and
// writes a short JSON error body, per spec §7's propagation table.
func writeAPIError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	writeJSON(w, kind.StatusCode(), map[string]string{
		"error": err.Error(),
		"kind":  kind.String(),
	})
}
