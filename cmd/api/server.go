package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"jobbridge/auth"
	"jobbridge/contract"
	"jobbridge/feedback"
	"jobbridge/job"
	"jobbridge/negotiation"
	"jobbridge/realtime"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

// Consumer-side views of the domain services, so handler tests can stub them.
type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type jobService interface {
	Create(ctx context.Context, params job.CreateParams) (job.Summary, error)
	GetByID(ctx context.Context, id string) (job.Summary, error)
	List(ctx context.Context, limit int) ([]job.Summary, error)
	Close(ctx context.Context, id, clientID string) error
}

type negotiationService interface {
	Create(ctx context.Context, params negotiation.CreateParams) (negotiation.Record, error)
	Respond(ctx context.Context, recordID, actorID string, action negotiation.RespondAction) (negotiation.Record, error)
	StartDiscussion(ctx context.Context, recordID, actorID string) (negotiation.Record, error)
	SetAgreement(ctx context.Context, recordID, actorID string, agreed bool) (negotiation.AgreementResult, error)
	Get(ctx context.Context, recordID, actorID string) (negotiation.Record, error)
	ListForUser(ctx context.Context, userID string, f negotiation.Filters) ([]negotiation.Record, int, error)
	Timeline(ctx context.Context, recordID, actorID string) ([]negotiation.TimelineEvent, error)
}

type contractService interface {
	StartWork(ctx context.Context, contractID, actorID string) (contract.Contract, error)
	CompleteWork(ctx context.Context, contractID, actorID string) (contract.Contract, error)
	ConfirmCompletion(ctx context.Context, contractID, actorID string) (contract.Contract, error)
	Cancel(ctx context.Context, contractID, actorID, reason string) (contract.Contract, error)
	Get(ctx context.Context, contractID, actorID string) (contract.Contract, error)
	ListForUser(ctx context.Context, userID string, f contract.Filters) ([]contract.Contract, int, error)
}

type feedbackService interface {
	Submit(ctx context.Context, params feedback.SubmitParams) (feedback.Review, error)
}

// Server owns the HTTP surface. Handlers stay thin: decode, authorize via
// context identity, delegate, translate errors.
type Server struct {
	authService        authService
	jobService         jobService
	negotiationService negotiationService
	contractService    contractService
	feedbackService    feedbackService
	hub                *realtime.Hub
	validate           *validator.Validate
	log                *slog.Logger
	metrics            *apiMetrics
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/me", s.requireAuth(s.handleMe))
	mux.HandleFunc("/api/jobs", s.requireAuth(s.handleJobs))
	mux.HandleFunc("/api/jobs/", s.requireAuth(s.handleJobDetail))
	mux.HandleFunc("/api/negotiations", s.requireAuth(s.handleNegotiations))
	mux.HandleFunc("/api/negotiations/", s.requireAuth(s.handleNegotiationDetail))
	mux.HandleFunc("/api/contracts", s.requireAuth(s.handleContracts))
	mux.HandleFunc("/api/contracts/", s.requireAuth(s.handleContractDetail))
	mux.HandleFunc("/api/events", s.requireAuth(s.handleEvents))
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.handler())
		return s.metrics.instrument(mux)
	}
	return mux
}

// requireAuth validates the bearer token and stashes the caller identity in
// the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(header[len(prefix):])
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func callerRole(r *http.Request) auth.Role {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return role
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"message": message,
		"code":    code,
	})
}

// writeServiceError maps domain sentinels onto HTTP statuses and stable error
// codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, negotiation.ErrNotFound),
		errors.Is(err, contract.ErrNotFound),
		errors.Is(err, job.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
	case errors.Is(err, negotiation.ErrForbidden),
		errors.Is(err, contract.ErrForbidden),
		errors.Is(err, feedback.ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", "caller is not a participant")
	case errors.Is(err, negotiation.ErrInvalidTransition),
		errors.Is(err, contract.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", "operation not allowed in current status")
	case errors.Is(err, negotiation.ErrAlreadyContracted):
		writeError(w, http.StatusConflict, "ALREADY_CONTRACTED", "negotiation already produced a contract")
	case errors.Is(err, feedback.ErrAlreadySubmitted):
		writeError(w, http.StatusConflict, "ALREADY_SUBMITTED", "feedback already submitted for this side")
	case errors.Is(err, feedback.ErrNotCompleted):
		writeError(w, http.StatusConflict, "NOT_COMPLETED", "contract is not completed")
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "ALREADY_EXISTS", "email already registered")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")
	case errors.Is(err, negotiation.ErrMessageTooShort),
		errors.Is(err, negotiation.ErrInvalidRate),
		errors.Is(err, feedback.ErrInvalidRating),
		errors.Is(err, feedback.ErrCommentTooShort),
		errors.Is(err, job.ErrTitleRequired),
		errors.Is(err, job.ErrInvalidRate),
		errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
	default:
		if s.log != nil {
			s.log.Error("request failed", "error", err)
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "malformed request body")
		return false
	}
	if s.validate != nil {
		if err := s.validate.Struct(dst); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
			return false
		}
	}
	return true
}

// Wire representations. Timestamps are RFC3339 strings; optional timestamps
// marshal as null.

type userResponse struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	FullName    string  `json:"fullName"`
	Role        string  `json:"role"`
	Rating      float64 `json:"rating"`
	RatingCount int     `json:"ratingCount"`
	CreatedAt   string  `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		FullName:    u.FullName,
		Role:        string(u.Role),
		Rating:      u.Rating,
		RatingCount: u.RatingCount,
		CreatedAt:   u.CreatedAt.Format(time.RFC3339),
	}
}

type jobResponse struct {
	ID          string  `json:"id"`
	ClientID    string  `json:"clientId"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Rate        float64 `json:"rate"`
	Open        bool    `json:"open"`
	CreatedAt   string  `json:"createdAt"`
}

func toJobResponse(j job.Summary) jobResponse {
	return jobResponse{
		ID:          j.ID,
		ClientID:    j.ClientID,
		Title:       j.Title,
		Description: j.Description,
		Rate:        j.Rate,
		Open:        j.Open,
		CreatedAt:   j.CreatedAt.Format(time.RFC3339),
	}
}

type negotiationResponse struct {
	ID           string  `json:"id"`
	Kind         string  `json:"kind"`
	JobID        string  `json:"jobId"`
	ClientID     string  `json:"clientId"`
	WorkerID     string  `json:"workerId"`
	Message      string  `json:"message"`
	ProposedRate float64 `json:"proposedRate"`
	Status       string  `json:"status"`
	ClientAgreed bool    `json:"clientAgreed"`
	WorkerAgreed bool    `json:"workerAgreed"`
	ContractID   *string `json:"contractId"`
	CreatedAt    string  `json:"createdAt"`
	UpdatedAt    string  `json:"updatedAt"`
}

func toNegotiationResponse(n negotiation.Record) negotiationResponse {
	return negotiationResponse{
		ID:           n.ID,
		Kind:         string(n.Kind),
		JobID:        n.JobID,
		ClientID:     n.ClientID,
		WorkerID:     n.WorkerID,
		Message:      n.Message,
		ProposedRate: n.ProposedRate,
		Status:       string(n.Status),
		ClientAgreed: n.ClientAgreed,
		WorkerAgreed: n.WorkerAgreed,
		ContractID:   n.ContractID,
		CreatedAt:    n.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    n.UpdatedAt.Format(time.RFC3339),
	}
}

type contractResponse struct {
	ID                string  `json:"id"`
	NegotiationID     string  `json:"negotiationId"`
	JobID             string  `json:"jobId"`
	ClientID          string  `json:"clientId"`
	WorkerID          string  `json:"workerId"`
	Rate              float64 `json:"rate"`
	Type              string  `json:"type"`
	Status            string  `json:"status"`
	StartDate         *string `json:"startDate"`
	WorkerCompletedAt *string `json:"workerCompletedAt"`
	ClientConfirmedAt *string `json:"clientConfirmedAt"`
	CompletedAt       *string `json:"completedAt"`
	CancelledAt       *string `json:"cancelledAt"`
	CancelReason      *string `json:"cancelReason"`
	ClientFeedback    *string `json:"clientFeedback"`
	WorkerFeedback    *string `json:"workerFeedback"`
	ClientRating      *int    `json:"clientRating"`
	WorkerRating      *int    `json:"workerRating"`
	CreatedAt         string  `json:"createdAt"`
	UpdatedAt         string  `json:"updatedAt"`
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func toContractResponse(c contract.Contract) contractResponse {
	return contractResponse{
		ID:                c.ID,
		NegotiationID:     c.NegotiationID,
		JobID:             c.JobID,
		ClientID:          c.ClientID,
		WorkerID:          c.WorkerID,
		Rate:              c.AgreedRate,
		Type:              string(c.Type),
		Status:            string(c.Status),
		StartDate:         formatOptional(c.StartDate),
		WorkerCompletedAt: formatOptional(c.WorkerCompletedAt),
		ClientConfirmedAt: formatOptional(c.ClientConfirmedAt),
		CompletedAt:       formatOptional(c.CompletedAt),
		CancelledAt:       formatOptional(c.CancelledAt),
		CancelReason:      c.CancelReason,
		ClientFeedback:    c.ClientFeedback,
		WorkerFeedback:    c.WorkerFeedback,
		ClientRating:      c.ClientRating,
		WorkerRating:      c.WorkerRating,
		CreatedAt:         c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         c.UpdatedAt.Format(time.RFC3339),
	}
}

type timelineResponse struct {
	ID            int64           `json:"id"`
	NegotiationID string          `json:"negotiationId"`
	EventType     string          `json:"eventType"`
	ActorID       *string         `json:"actorId"`
	Snapshot      json.RawMessage `json:"snapshot"`
	CreatedAt     string          `json:"createdAt"`
}

func toTimelineResponse(ev negotiation.TimelineEvent) timelineResponse {
	return timelineResponse{
		ID:            ev.ID,
		NegotiationID: ev.NegotiationID,
		EventType:     ev.Type,
		ActorID:       ev.ActorID,
		Snapshot:      json.RawMessage(ev.Payload),
		CreatedAt:     ev.CreatedAt.Format(time.RFC3339),
	}
}
