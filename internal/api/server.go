// Package api exposes the trust pipeline over HTTP: public read and
// write endpoints, an admin surface, and a health check.
package api

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coveragecheck/trust-api/internal/model"
	"github.com/coveragecheck/trust-api/internal/monitoring"
	"github.com/coveragecheck/trust-api/internal/ratelimit"
	"github.com/coveragecheck/trust-api/internal/store"
	"github.com/coveragecheck/trust-api/internal/trust"
)

const maxBodyBytes = 64 << 10

// Server wires the pipeline into an HTTP handler.
type Server struct {
	pipeline  *trust.Pipeline
	sweeper   *trust.Sweeper
	collector *monitoring.Collector
	limiter   *ratelimit.Limiter
	store     store.Store
}

// NewServer assembles the HTTP layer.
func NewServer(p *trust.Pipeline, sw *trust.Sweeper, col *monitoring.Collector, lim *ratelimit.Limiter, st store.Store) *Server {
	return &Server{pipeline: p, sweeper: sw, collector: col, limiter: lim, store: st}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(api chi.Router) {
		api.With(s.readLimit).Get("/providers/{providerID}/plans/{planID}", s.handleGetAggregate)
		api.Post("/verifications", s.handleSubmit)
		api.Post("/verifications/{evidenceID}/votes", s.handleVote)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Post("/recalculate", s.handleRecalculate)
		admin.Get("/stats", s.handleStats)
	})

	return r
}

// readLimit applies the read admission tier keyed by client address.
// Write-path admission lives inside the pipeline's abuse gate; only
// reads are limited at the router.
func (s *Server) readLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := s.limiter.Allow(r.Context(), ratelimit.TierRead, clientAddr(r))
		if !decision.Allowed {
			retryAfter(w, decision.RetryAfter(time.Now()))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr extracts the client key for limiting and abuse signals:
// the first X-Forwarded-For hop when present, else the peer address.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	ProviderID    string  `json:"provider_id"`
	PlanID        string  `json:"plan_id"`
	Accepts       *bool   `json:"accepts"`
	Source        string  `json:"source"`
	LocationID    *string `json:"location_id"`
	Note          *string `json:"note"`
	EvidenceURL   *string `json:"evidence_url"`
	ContactHandle *string `json:"contact_handle"`

	ChallengeToken string `json:"challenge_token"`
	// Website is the trap field. The name is bait; the form never shows
	// it to humans.
	Website string `json:"website"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Accepts == nil {
		writeError(w, trust.ErrValidation(map[string]string{"accepts": "required"}))
		return
	}

	result, err := s.pipeline.SubmitEvidence(r.Context(), trust.SubmitInput{
		ProviderID:     req.ProviderID,
		PlanID:         req.PlanID,
		Accepts:        *req.Accepts,
		Source:         model.EvidenceSource(req.Source),
		LocationID:     req.LocationID,
		Note:           req.Note,
		EvidenceURL:    req.EvidenceURL,
		ContactHandle:  req.ContactHandle,
		OriginAddress:  clientAddr(r),
		ChallengeToken: req.ChallengeToken,
		TrapField:      req.Website,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type voteRequest struct {
	Direction      string `json:"direction"`
	ChallengeToken string `json:"challenge_token"`
	Website        string `json:"website"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.pipeline.CastVote(r.Context(), trust.VoteInput{
		EvidenceID:     chi.URLParam(r, "evidenceID"),
		Direction:      model.VoteDirection(req.Direction),
		OriginAddress:  clientAddr(r),
		ChallengeToken: req.ChallengeToken,
		TrapField:      req.Website,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetAggregate(w http.ResponseWriter, r *http.Request) {
	view, err := s.pipeline.GetAggregate(r.Context(), chi.URLParam(r, "providerID"), chi.URLParam(r, "planID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type recalculateRequest struct {
	DryRun bool `json:"dry_run"`
	Limit  int  `json:"limit"`
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	var req recalculateRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	report, err := s.sweeper.Sweep(r.Context(), trust.Options{DryRun: req.DryRun, Limit: req.Limit})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
	ID     string            `json:"id,omitempty"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return false
	}
	return true
}

// writeError maps tagged pipeline errors to HTTP. Unexpected failures
// are logged with a correlation id and surfaced opaquely.
func writeError(w http.ResponseWriter, err error) {
	pe := trust.AsError(err)
	if pe == nil {
		pe = trust.Unexpectedf(err, "internal error")
	}

	switch pe.Kind {
	case trust.KindValidation:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: pe.Message, Fields: pe.Fields})
	case trust.KindRateLimited:
		retryAfter(w, pe.RetryAfter)
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: pe.Message})
	case trust.KindChallengeRejected:
		writeJSON(w, http.StatusForbidden, errorBody{Error: pe.Message})
	case trust.KindDuplicate:
		writeJSON(w, http.StatusConflict, errorBody{Error: pe.Message})
	case trust.KindNotFound:
		writeJSON(w, http.StatusNotFound, errorBody{Error: pe.Message})
	default:
		id := uuid.New().String()
		zap.L().Error("api: unexpected error", zap.String("id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", ID: id})
	}
}

func retryAfter(w http.ResponseWriter, wait time.Duration) {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
