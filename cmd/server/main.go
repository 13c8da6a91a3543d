package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/okvoyage/automation/automation"
	"github.com/okvoyage/automation/internal/logger"
)

type Server struct {
	db     *sql.DB
	store  automation.Store
	engine *automation.Engine
	router *chi.Mux
	log    *slog.Logger
}

func NewServer(ctx context.Context, databaseURL string, log *slog.Logger) (*Server, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewServerWithDB(ctx, db, log)
}

// NewServerWithDB wires the server on an existing database handle. Used by
// the integration tests, which own the connection lifecycle.
func NewServerWithDB(ctx context.Context, db *sql.DB, log *slog.Logger) (*Server, error) {
	store := automation.NewPostgresStore(db)
	templates := automation.NewPostgresTemplateStore(db)
	renderer := automation.NewRenderer(envOr("BASE_URL", "http://localhost:8080"))

	dispatcher := automation.NewDispatcher(store, templates, renderer,
		mailTransport(log), textTransport(), log)

	engine, err := automation.NewEngine(ctx, store, dispatcher, automation.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	s := &Server{
		db:     db,
		store:  store,
		engine: engine,
		log:    log,
	}
	s.setupRoutes()

	return s, nil
}

// mailTransport builds the SMTP transport, or a log-only transport when no
// SMTP host is configured so local runs send nothing.
func mailTransport(log *slog.Logger) automation.Transport {
	host := os.Getenv("SMTP_HOST")
	if host == "" {
		return &automation.LogTransport{Log: log}
	}
	return &automation.SMTPTransport{
		Addr:     host + ":" + envOr("SMTP_PORT", "587"),
		Host:     host,
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     envOr("SMTP_FROM", "noreply@okvoyage.example"),
	}
}

func textTransport() automation.Transport {
	url := os.Getenv("TEXT_GATEWAY_URL")
	if url == "" {
		return nil
	}
	return &automation.WebhookTextTransport{URL: url}
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)

	r.Route("/api/v1/automation", func(r chi.Router) {
		r.Post("/change", s.handleChange)
		r.Post("/run", s.handleRun)
		r.Post("/sweep", s.handleSweep)
	})

	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleCreateRule)

		r.Route("/{ruleId}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Put("/", s.handleUpdateRule)
			r.Delete("/", s.handleDeleteRule)
		})
	})

	r.Get("/api/v1/cases/{caseId}/executions", s.handleCaseExecutions)
	r.Get("/api/v1/cases/{caseId}/audit", s.handleCaseAudit)
	r.Post("/api/v1/executions/{executionId}/stop", s.handleStopExecution)

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleChange accepts a raw change-notification payload, classifies it and
// runs an event-scoped pass. A change that classifies to nothing returns an
// empty report: the engine never sweeps on unrelated writes.
func (s *Server) handleChange(w http.ResponseWriter, r *http.Request) {
	var change automation.RawChange
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if change.Table == "" {
		respondError(w, http.StatusBadRequest, "table is required", nil)
		return
	}

	report, err := s.engine.HandleChange(r.Context(), change)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "pass failed", err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// handleRun accepts an explicit trigger invocation, for manual or cron use.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.TriggerEvent == "" {
		respondError(w, http.StatusBadRequest, "triggerEvent is required", nil)
		return
	}

	report, err := s.engine.Run(r.Context(), &automation.RunRequest{
		Trigger:     automation.TriggerEvent(req.TriggerEvent),
		CaseID:      req.CaseID,
		PaymentKind: req.PaymentKind,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "pass failed", err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Run(r.Context(), nil)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "sweep failed", err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule automation.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule.ID = uuid.NewString()
	if rule.MaxRepeats == 0 {
		rule.MaxRepeats = 1
	}

	if err := s.engine.AddRule(r.Context(), &rule); err != nil {
		respondError(w, http.StatusBadRequest, "failed to add rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	rule, err := s.store.GetRule(r.Context(), ruleID)
	if err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	var rule automation.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	rule.ID = ruleID

	if err := s.engine.UpdateRule(r.Context(), &rule); err != nil {
		if errors.Is(err, automation.ErrRuleNotFound) {
			respondError(w, http.StatusNotFound, "rule not found", err)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to update rule", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	if err := s.engine.DeleteRule(r.Context(), ruleID); err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCaseExecutions(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseId")

	executions, err := s.store.ListExecutionsByCase(r.Context(), caseID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list executions", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"executions": executions})
}

func (s *Server) handleCaseAudit(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseId")

	entries, err := s.store.ListAuditByCase(r.Context(), caseID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list audit entries", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleStopExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionId")

	if err := s.store.StopExecution(r.Context(), executionID); err != nil {
		if errors.Is(err, automation.ErrExecutionNotFound) {
			respondError(w, http.StatusNotFound, "execution not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to stop execution", err)
		return
	}

	rec, err := s.store.GetExecutionByID(r.Context(), executionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load execution", err)
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{"error": message}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load()

	log := logger.Setup("booking-automation")

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	ctx := context.Background()
	server, err := NewServer(ctx, databaseURL, log)
	if err != nil {
		log.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	defer server.db.Close()

	port := envOr("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		log.Error("logger shutdown error", "error", err)
	}
}
