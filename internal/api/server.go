package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bl4ck0w1/lynxscan/internal/orchestration"
	"github.com/bl4ck0w1/lynxscan/internal/reporting"
	"github.com/bl4ck0w1/lynxscan/internal/validation"
	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

const (
	maxRequestBody      = 4 << 10
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Scanner is the orchestrator surface the API needs.
type Scanner interface {
	Execute(ctx context.Context, caller models.Caller, rawTarget string) (*orchestration.Outcome, error)
	Usage(ctx context.Context, userID string) (used, limit int, err error)
	ActiveScans() []orchestration.ScanStatus
}

type HistoryReader interface {
	History(ctx context.Context, userID string, limit int) ([]models.ScanHistory, error)
}

type Server struct {
	scanner   Scanner
	history   HistoryReader
	metrics   *utils.MetricsCollector
	jwtSecret string
	timeout   time.Duration
	logger    *logrus.Logger
}

func NewServer(scanner Scanner, history HistoryReader, metrics *utils.MetricsCollector, cfg models.APIConfig, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		scanner:   scanner,
		history:   history,
		metrics:   metrics,
		jwtSecret: cfg.JWTSecret,
		timeout:   cfg.Timeout,
		logger:    logger,
	}
}

// Routes mounts the public and authenticated endpoints.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(s.jwtSecret, s.logger))
		r.Post("/scans", s.handleScan)
		r.Get("/scans", s.handleHistory)
		r.Get("/scans/active", s.handleActive)
		r.Get("/usage", s.handleUsage)
	})
	return r
}

type scanRequest struct {
	Target string `json:"target"`
}

type scanResponse struct {
	RunID        string                      `json:"run_id"`
	State        orchestration.State         `json:"state"`
	Target       string                      `json:"target,omitempty"`
	HistoryID    string                      `json:"history_id,omitempty"`
	Summary      string                      `json:"summary,omitempty"`
	RiskScore    float64                     `json:"risk_score"`
	Findings     []models.Finding            `json:"findings,omitempty"`
	Technologies []models.Technology         `json:"technologies,omitempty"`
	Report       *models.AggregateScanReport `json:"report,omitempty"`
	Duration     string                      `json:"duration"`
	Error        string                      `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	var req scanRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object with a target")
		return
	}

	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	out, err := s.scanner.Execute(ctx, caller, req.Target)
	resp := newScanResponse(out)
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, StatusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func newScanResponse(out *orchestration.Outcome) scanResponse {
	if out == nil {
		return scanResponse{}
	}
	resp := scanResponse{
		RunID:    out.RunID,
		State:    out.State,
		Report:   out.Report,
		Duration: out.Duration.String(),
	}
	if out.Target.Host != "" {
		resp.Target = out.Target.String()
	}
	if h := out.History; h != nil {
		scorer := reporting.NewRiskScorer()
		resp.HistoryID = h.ID.String()
		resp.Summary = h.Summary
		resp.RiskScore = scorer.OverallScore(h.Findings)
		resp.Findings = scorer.SortFindings(h.Findings)
		resp.Technologies = h.Technologies
	}
	return resp
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	list, err := s.history.History(r.Context(), caller.UserID, limit)
	if err != nil {
		s.logger.Errorf("listing history for %s: %v", caller.UserID, err)
		writeError(w, http.StatusInternalServerError, "could not read scan history")
		return
	}
	if list == nil {
		list = []models.ScanHistory{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	active := s.scanner.ActiveScans()
	out := make([]orchestration.ScanStatus, 0, len(active))
	for _, a := range active {
		if caller.IsAdmin || a.UserID == caller.UserID {
			out = append(out, a)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	used, limit, err := s.scanner.Usage(r.Context(), caller.UserID)
	if err != nil {
		s.logger.Errorf("reading usage for %s: %v", caller.UserID, err)
		writeError(w, http.StatusInternalServerError, "could not read usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   caller.UserID,
		"used":      used,
		"limit":     limit,
		"unlimited": caller.IsAdmin,
	})
}

// StatusFor maps orchestrator errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, orchestration.ErrMissingCaller):
		return http.StatusUnauthorized
	case errors.Is(err, validation.ErrInvalidTarget), errors.Is(err, validation.ErrUnresolvableTarget):
		return http.StatusBadRequest
	case errors.Is(err, orchestration.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, orchestration.ErrScanInProgress):
		return http.StatusConflict
	case errors.Is(err, orchestration.ErrScanTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
