// Package admin serves the operational HTTP surface: health, stats, and
// scheduler control, plus the prometheus scrape endpoint. It carries no
// business logic of its own.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/message"
	"github.com/KASPACOM/ai-agent-sub001/go/rotation"
	"github.com/KASPACOM/ai-agent-sub001/go/scheduler"
	"github.com/KASPACOM/ai-agent-sub001/go/stats"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Server is the admin HTTP listener.
type Server struct {
	health    *stats.Health
	registry  *stats.Registry
	states    rotation.Store
	scheduler *scheduler.Scheduler
	srv       *http.Server
}

// NewServer builds a Server on |port|. The states store and the scheduler may
// be nil for api-only deployments; their endpoints then report 404.
func NewServer(port int, health *stats.Health, registry *stats.Registry, states rotation.Store, sched *scheduler.Scheduler) *Server {
	var s = &Server{health: health, registry: registry, states: states, scheduler: sched}

	var mux = http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /stats/reset", s.handleStatsReset)
	mux.Handle("GET /metrics", promhttp.Handler())
	if states != nil {
		mux.HandleFunc("GET /accounts", s.handleAccounts)
	}
	if sched != nil {
		mux.HandleFunc("GET /scheduler/status", s.handleSchedulerStatus)
		mux.HandleFunc("POST /scheduler/reset", s.handleSchedulerReset)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Serve listens until Shutdown. It returns nil on graceful shutdown.
func (s *Server) Serve() error {
	var lis, err = net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("binding admin listener: %w", err)
	}
	log.WithField("addr", lis.Addr().String()).Info("admin API listening")

	if err = s.srv.Serve(lis); err != http.ErrServerClosed {
		return fmt.Errorf("serving admin API: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests, bounded by |ctx|.
func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	var report = s.health.Check(r.Context())
	var code = http.StatusOK
	if !report.OK() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleStatsReset(w http.ResponseWriter, _ *http.Request) {
	s.registry.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleAccounts(w http.ResponseWriter, _ *http.Request) {
	var out = make(map[message.Source][]rotation.AccountState)
	for _, src := range []message.Source{message.SourceMicroblog, message.SourceGroupchat} {
		var states, err = s.states.All(src)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		sort.Slice(states, func(i, j int) bool { return states[i].Handle < states[j].Handle })
		out[src] = states
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) handleSchedulerReset(w http.ResponseWriter, r *http.Request) {
	var ctx, cancel = context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.scheduler.Reset(ctx); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("writing admin response")
	}
}
