// Package server exposes the HTTP surface for triggering orchestrator runs,
// replaying dead letters, and serving liveness/metrics endpoints, adapted
// from the teacher's server package (same security-header and http.Server
// timeout conventions, same route-registration shape) but replacing the
// subscribe/unsubscribe/manage routes with the run/replay/health/metrics
// routes this system actually needs.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"sentinel/deadletter"
	"sentinel/metrics"
	"sentinel/orchestrator"
	"sentinel/pkg/sentinel"
	"sentinel/statestore"
)

// RunFunc triggers one orchestrator tick. Its default is orchestrator.Run;
// tests substitute a fake, the same function-type-as-seam idiom the teacher
// uses for IsHTTP403/IsNotFound.
type RunFunc func(ctx context.Context, runID string, targets []sentinel.Target, store *statestore.Client, opts orchestrator.Options) orchestrator.Summary

// ReplayFunc triggers one dead-letter replay. Its default is deadletter.Replay.
type ReplayFunc func(ctx context.Context, store *statestore.Client, opts deadletter.ReplayOptions) (deadletter.ReplaySummary, error)

// Config holds server configuration.
type Config struct {
	Targets []sentinel.Target
	Policy  sentinel.RunPolicy
	Store   *statestore.Client
	Logger  *slog.Logger

	Run    RunFunc
	Replay ReplayFunc

	DeadLetterLimit               int
	DeadLetterDryRun              bool
	DeadLetterUseStoredWebhookURL bool

	RateLimitPerMinute int
}

// Server handles HTTP requests.
type Server struct {
	targets []sentinel.Target
	policy  sentinel.RunPolicy
	store   *statestore.Client
	logger  *slog.Logger

	run    RunFunc
	replay ReplayFunc

	deadLetterLimit               int
	deadLetterDryRun              bool
	deadLetterUseStoredWebhookURL bool

	limiter *rateLimiter
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	run := cfg.Run
	if run == nil {
		run = orchestrator.Run
	}
	replay := cfg.Replay
	if replay == nil {
		replay = deadletter.Replay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	perMinute := cfg.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 10
	}
	return &Server{
		targets:                       cfg.Targets,
		policy:                        cfg.Policy,
		store:                         cfg.Store,
		logger:                        logger,
		run:                           run,
		replay:                        replay,
		deadLetterLimit:               cfg.DeadLetterLimit,
		deadLetterDryRun:              cfg.DeadLetterDryRun,
		deadLetterUseStoredWebhookURL: cfg.DeadLetterUseStoredWebhookURL,
		limiter:                       newRateLimiter(perMinute),
	}
}

// ServeHTTP sets up all routes and starts the server.
func (s *Server) ServeHTTP(port string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/run", s.handleRun)
	mux.HandleFunc("/replay", s.handleReplay)

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.withSecurityHeaders(mux),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("starting HTTP server", "port", port)
	return server.ListenAndServe()
}

func (s *Server) withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("rate limit exceeded", "ip", ip, "route", "/run")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	runID := uuid.NewString()
	s.logger.Info("run triggered", "run_id", runID, "targets", len(s.targets))

	opts := orchestrator.Options{
		MaxConcurrency: s.policy.MaxConcurrency,
		ScheduleJitter: s.policy.ScheduleJitter,
		RedactLogs:     s.policy.RedactLogs,
		Logger:         s.logger,
	}
	summary := s.run(r.Context(), runID, s.targets, s.store, opts)

	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("rate limit exceeded", "ip", ip, "route", "/replay")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	opts := deadletter.ReplayOptions{
		Limit:               s.deadLetterLimit,
		MaxConcurrency:      s.policy.MaxConcurrency,
		DryRun:              s.deadLetterDryRun,
		UseStoredWebhookURL: s.deadLetterUseStoredWebhookURL,
		Policy:              s.policy,
	}
	if err := decodeReplayOverrides(r, &opts); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.logger.Info("replay triggered", "limit", opts.Limit, "dry_run", opts.DryRun)
	summary, err := s.replay(r.Context(), s.store, opts)
	if err != nil {
		s.logger.Error("replay failed", "error", err)
		http.Error(w, "Replay failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// replayRequest lets a caller override the server's configured replay
// defaults per invocation without a full config redeploy.
type replayRequest struct {
	Limit               *int  `json:"limit,omitempty"`
	DryRun              *bool `json:"dry_run,omitempty"`
	UseStoredWebhookURL *bool `json:"use_stored_webhook_url,omitempty"`
}

func decodeReplayOverrides(r *http.Request, opts *deadletter.ReplayOptions) error {
	if r.ContentLength == 0 {
		return nil
	}
	var body replayRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		return fmt.Errorf("invalid replay request body: %w", err)
	}
	if body.Limit != nil {
		opts.Limit = *body.Limit
	}
	if body.DryRun != nil {
		opts.DryRun = *body.DryRun
	}
	if body.UseStoredWebhookURL != nil {
		opts.UseStoredWebhookURL = *body.UseStoredWebhookURL
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("failed to encode JSON response", "error", err)
	}
}
