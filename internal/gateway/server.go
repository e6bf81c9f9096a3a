// Package gateway is the daemon's HTTP surface: the REST routes, the RPC
// envelope on POST /gateway, SSE event streams, and the canvas WebSocket
// proxy. Every request passes the same auth and rate-limit gate.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/undoablehq/undoable/internal/actions"
	"github.com/undoablehq/undoable/internal/agent"
	"github.com/undoablehq/undoable/internal/approval"
	"github.com/undoablehq/undoable/internal/bus"
	"github.com/undoablehq/undoable/internal/channels"
	"github.com/undoablehq/undoable/internal/config"
	"github.com/undoablehq/undoable/internal/execsess"
	"github.com/undoablehq/undoable/internal/runs"
	"github.com/undoablehq/undoable/internal/scheduler"
	"github.com/undoablehq/undoable/internal/usage"
)

// Server owns the HTTP listener and routes requests into the daemon's
// managers. The core dependencies arrive in NewServer; subsystem handles
// the daemon wires after construction use setters, matching boot order.
type Server struct {
	settings     *config.Settings
	settingsPath string
	runs         *runs.Manager
	exec         *agent.Executor
	bus          *bus.Bus

	sched     *scheduler.Scheduler
	channels  *channels.Manager
	approvals *approval.Gate
	actions   *actions.Log
	undo      *actions.UndoService
	execReg   *execsess.Registry
	usage     *usage.Tracker
	version   string

	limiter   *RateLimiter
	upgrader  websocket.Upgrader
	startedAt time.Time

	baseCtx    context.Context
	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer creates the gateway around the run pipeline. Optional
// subsystems are attached with setters before Start.
func NewServer(settings *config.Settings, runsMgr *runs.Manager, exec *agent.Executor, b *bus.Bus) *Server {
	s := &Server{
		settings:  settings,
		runs:      runsMgr,
		exec:      exec,
		bus:       b,
		limiter:   NewRateLimiter(settings.Gateway.RateLimitRPM, 5),
		startedAt: time.Now(),
		version:   "dev",
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Token auth gates the upgrade; origin adds nothing for a
		// localhost-first daemon.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

func (s *Server) SetScheduler(sched *scheduler.Scheduler)     { s.sched = sched }
func (s *Server) SetChannels(mgr *channels.Manager)           { s.channels = mgr }
func (s *Server) SetApprovals(gate *approval.Gate)            { s.approvals = gate }
func (s *Server) SetActions(log *actions.Log, undo *actions.UndoService) {
	s.actions = log
	s.undo = undo
}
func (s *Server) SetExecRegistry(reg *execsess.Registry) { s.execReg = reg }
func (s *Server) SetUsage(t *usage.Tracker)              { s.usage = t }
func (s *Server) SetVersion(v string)                    { s.version = v }

// SetSettingsPath names the file PUT /channels persists updated settings to.
func (s *Server) SetSettingsPath(path string) { s.settingsPath = path }

// BuildMux assembles the route table once and caches it so additional
// listeners (tsnet) can share it.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.guard(s.handleHealth))

	mux.HandleFunc("POST /runs", s.guard(s.handleCreateRun))
	mux.HandleFunc("GET /runs", s.guard(s.handleListRuns))
	mux.HandleFunc("GET /runs/{id}", s.guard(s.handleGetRun))
	mux.HandleFunc("DELETE /runs/{id}", s.guard(s.handleDeleteRun))
	mux.HandleFunc("POST /runs/{id}/actions", s.guard(s.handleRunAction))
	mux.HandleFunc("GET /runs/{id}/events", s.guard(s.handleRunEvents))

	mux.HandleFunc("GET /jobs", s.guard(s.handleListJobs))
	mux.HandleFunc("POST /jobs", s.guard(s.handleCreateJob))
	mux.HandleFunc("PUT /jobs/{id}", s.guard(s.handleUpdateJob))
	mux.HandleFunc("DELETE /jobs/{id}", s.guard(s.handleDeleteJob))
	mux.HandleFunc("POST /jobs/{id}/run", s.guard(s.handleRunJobNow))
	mux.HandleFunc("GET /jobs/status", s.guard(s.handleJobsStatus))

	mux.HandleFunc("GET /channels", s.guard(s.handleListChannels))
	mux.HandleFunc("GET /channels/{id}", s.guard(s.handleGetChannel))
	mux.HandleFunc("PUT /channels/{id}", s.guard(s.handleSetChannel))
	mux.HandleFunc("POST /channels/{id}/start", s.guard(s.handleStartChannel))
	mux.HandleFunc("POST /channels/{id}/stop", s.guard(s.handleStopChannel))

	mux.HandleFunc("POST /gateway", s.guard(s.handleRPC))
	mux.HandleFunc("GET /canvas/ws", s.guard(s.handleCanvas))

	s.mux = mux
	return mux
}

// Start validates the bind posture, then serves until ctx is cancelled.
// A non-loopback bind without a token refuses to start.
func (s *Server) Start(ctx context.Context) error {
	if err := s.settings.ValidateBindPolicy(); err != nil {
		return err
	}

	s.baseCtx = ctx
	mux := s.BuildMux()

	addr := s.settings.BindAddr()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway listening",
		"addr", addr,
		"policy", s.settings.SecurityPolicy(),
		"auth", s.settings.Gateway.Token != "",
	)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Serve runs the gateway on a caller-provided listener. Tests and the tsnet
// listener use it.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.baseCtx = ctx
	s.httpServer = &http.Server{Handler: s.BuildMux()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()
	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// guard chains the auth and rate-limit checks in front of a handler.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.settings.Gateway.Token
		if token != "" && subtle.ConstantTimeCompare([]byte(bearerToken(r)), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		if s.limiter.Enabled() && !s.limiter.Allow(rateKey(r, token)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

// bearerToken extracts the Authorization bearer credential, if any.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return tok
	}
	return ""
}

// rateKey buckets requests by token; unauthenticated setups fall back to
// the client address.
func rateKey(r *http.Request, token string) string {
	if token != "" {
		return token
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// serverCtx is the context for work outliving one request (run launches,
// channel restarts).
func (s *Server) serverCtx() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": s.version,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
