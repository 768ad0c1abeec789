// Package api exposes an Engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/paveg/cardformula"
	"github.com/paveg/cardformula/internal/deps"
	ferrors "github.com/paveg/cardformula/internal/errors"
	"github.com/paveg/cardformula/internal/formula"
	"github.com/paveg/cardformula/internal/sql"
	"github.com/paveg/cardformula/internal/version"
)

// Server routes formula requests to one project engine.
type Server struct {
	engine *cardformula.Engine
	logger *slog.Logger
	router *chi.Mux
}

// NewServer creates a server for engine. A nil logger uses slog.Default.
func NewServer(engine *cardformula.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: engine, logger: logger}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/metrics", s.handleMetrics)

	r.Route("/api/v1/formulas", func(r chi.Router) {
		r.Post("/validate", s.handleValidate)
		r.Post("/evaluate", s.handleEvaluate)
		r.Post("/sql", s.handleSQL)
	})

	r.Route("/api/v1/properties/{name}", func(r chi.Router) {
		r.Get("/sql", s.handleRecomputeSQL)
		r.Post("/evaluate", s.handleEvaluateProperty)
	})

	r.Post("/api/v1/dependencies/check", s.handleCheckDependencies)

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("formula API listening", "addr", addr, "version", version.Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down formula API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "UP",
		"version":    version.Version,
		"dialect":    s.engine.Config().Dialect,
		"properties": len(s.engine.Registry().Properties()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	metrics := s.engine.Metrics()
	if !metrics.IsEnabled() {
		respondError(w, http.StatusNotFound, "metrics collection is disabled", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"summary": metrics.GetSummary(),
		"cache":   s.engine.CacheStats(),
	})
}

type formulaRequest struct {
	Formula string `json:"formula"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req formulaRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.Validate(req.Formula); err != nil {
		s.respondFormulaError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"valid": true})
}

type evaluateRequest struct {
	Formula string `json:"formula"`
	Card    int64  `json:"card"`
	// Values maps property names to their value text; missing names are null.
	Values map[string]string `json:"values"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decode(w, r, &req) {
		return
	}
	lookup, err := s.lookup(req.Values)
	if err != nil {
		s.respondFormulaError(w, r, err)
		return
	}
	v, err := s.engine.Evaluate(r.Context(), req.Formula, formula.CardID(req.Card), lookup)
	if err != nil {
		s.respondFormulaError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, valueResponse(v))
}

func (s *Server) handleEvaluateProperty(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req evaluateRequest
	if !decode(w, r, &req) {
		return
	}
	lookup, err := s.lookup(req.Values)
	if err != nil {
		s.respondFormulaError(w, r, err)
		return
	}
	v, err := s.engine.EvaluateProperty(r.Context(), name, formula.CardID(req.Card), lookup)
	if err != nil {
		s.respondFormulaError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, valueResponse(v))
}

// lookup parses request values with the types of their properties.
func (s *Server) lookup(values map[string]string) (formula.MapLookup, error) {
	out := make(formula.MapLookup, len(values))
	for name, text := range values {
		p, ok := s.engine.Registry().Resolve(name)
		if !ok {
			return nil, ferrors.NewUnknownPropertyError("evaluate", name)
		}
		v, err := formula.ParseValue(text, p.Type)
		if err != nil {
			return nil, ferrors.NewInvalidLiteralError("evaluate", p.Name, text, err)
		}
		out[formula.NormalizeName(name)] = v
	}
	return out, nil
}

func valueResponse(v formula.Value) map[string]any {
	resp := map[string]any{"kind": v.Kind().String(), "value": nil}
	if !v.IsNull() {
		resp["value"] = v.String()
	}
	return resp
}

type sqlRequest struct {
	Formula string `json:"formula"`
	// Overrides replaces properties by literals; a JSON null renders NULL.
	Overrides map[string]*string `json:"overrides"`
}

func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	var req sqlRequest
	if !decode(w, r, &req) {
		return
	}
	var overrides sql.Overrides
	if len(req.Overrides) > 0 {
		overrides = sql.NewOverrides()
		for name, literal := range req.Overrides {
			if literal == nil {
				overrides.SetNull(name)
			} else {
				overrides.Set(name, *literal)
			}
		}
	}
	fragment, err := s.engine.ToSQL(req.Formula, overrides)
	if err != nil {
		s.respondFormulaError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sql":         fragment,
		"fingerprint": sql.Fingerprint(fragment),
	})
}

func (s *Server) handleRecomputeSQL(w http.ResponseWriter, r *http.Request) {
	stmt, err := s.engine.RecomputeSQL(chi.URLParam(r, "name"))
	if err != nil {
		s.respondFormulaError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sql": stmt})
}

type definitionRequest struct {
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Tree       string `json:"tree"`
	CardType   string `json:"card_type"`
	Condition  string `json:"condition"`
	Target     string `json:"target"`
}

func (s *Server) handleCheckDependencies(w http.ResponseWriter, r *http.Request) {
	var req definitionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	def := deps.Definition{
		Name:       req.Name,
		Tree:       req.Tree,
		CardType:   req.CardType,
		Expression: req.Expression,
		Condition:  req.Condition,
		Target:     req.Target,
	}
	switch req.Kind {
	case "", "formula":
		def.Kind = deps.KindFormula
	case "aggregate":
		def.Kind = deps.KindAggregate
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown definition kind %q", req.Kind), nil)
		return
	}

	if err := s.engine.CheckDependencies(r.Context(), def); err != nil {
		s.respondFormulaError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"valid": true, "id": string(def.ID())})
}

// respondFormulaError maps engine errors to statuses. User mistakes in
// formula text are 422, unknown names 404, anything else 500.
func (s *Server) respondFormulaError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		perr *ferrors.ParseError
		verr *ferrors.ValidationError
		uerr *ferrors.UnsupportedOperationError
		ferr *ferrors.FormulaError
	)
	switch {
	case errors.As(err, &perr):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"valid": false, "errors": []string{perr.Error()}, "position": perr.Position,
		})
	case errors.As(err, &verr):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"valid": false, "errors": verr.Messages,
		})
	case errors.As(err, &uerr):
		respondError(w, http.StatusUnprocessableEntity, "unsupported operation", err)
	case errors.As(err, &ferr) && ferr.Property != "" && ferr.Cause == nil:
		respondError(w, http.StatusNotFound, "unknown property", err)
	case errors.As(err, &ferr):
		respondError(w, http.StatusBadRequest, "invalid request", err)
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		respondError(w, http.StatusInternalServerError, "internal error", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}
