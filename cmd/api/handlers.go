package main

import (
	"net/http"
	"strconv"
	"strings"

	"jobbridge/auth"
	"jobbridge/contract"
	"jobbridge/feedback"
	"jobbridge/job"
	"jobbridge/negotiation"
	"jobbridge/realtime"
)

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	FullName string `json:"full_name" validate:"required"`
	Role     string `json:"role" validate:"required,oneof=client worker"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	user, err := s.authService.Register(r.Context(), auth.RegisterRequest{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
		Role:     auth.Role(req.Role),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.authService.Login(r.Context(), auth.LoginRequest{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}
	user, err := s.authService.GetUserByID(r.Context(), callerID(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(*user))
}

type createJobRequest struct {
	Title       string  `json:"title" validate:"required"`
	Description string  `json:"description"`
	Rate        float64 `json:"rate" validate:"required,gt=0"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		jobs, err := s.jobService.List(r.Context(), limit)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		items := make([]jobResponse, 0, len(jobs))
		for _, j := range jobs {
			items = append(items, toJobResponse(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
	case http.MethodPost:
		if callerRole(r) != auth.RoleClient {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "only clients can post jobs")
			return
		}
		var req createJobRequest
		if !s.decode(w, r, &req) {
			return
		}
		created, err := s.jobService.Create(r.Context(), job.CreateParams{
			ClientID:    callerID(r),
			Title:       req.Title,
			Description: req.Description,
			Rate:        req.Rate,
		})
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toJobResponse(created))
	default:
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
	}
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "VALIDATION", "job id required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		found, err := s.jobService.GetByID(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(found))
	case http.MethodDelete:
		if err := s.jobService.Close(r.Context(), id, callerID(r)); err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
	}
}

type createNegotiationRequest struct {
	JobID        string  `json:"jobId" validate:"required"`
	Counterparty string  `json:"counterparty"`
	Message      string  `json:"message" validate:"required"`
	ProposedRate float64 `json:"proposedRate" validate:"required,gt=0"`
}

func (s *Server) handleNegotiations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		page, _ := strconv.Atoi(q.Get("page"))
		pageSize, _ := strconv.Atoi(q.Get("pageSize"))
		records, total, err := s.negotiationService.ListForUser(r.Context(), callerID(r), negotiation.Filters{
			Kind:     negotiation.Kind(q.Get("kind")),
			Status:   negotiation.Status(q.Get("status")),
			JobID:    q.Get("jobId"),
			Page:     page,
			PageSize: pageSize,
		})
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		items := make([]negotiationResponse, 0, len(records))
		for _, rec := range records {
			items = append(items, toNegotiationResponse(rec))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
	case http.MethodPost:
		s.handleCreateNegotiation(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
	}
}

// handleCreateNegotiation resolves the two parties from the caller's role and
// the referenced job: workers apply to the job's owner, clients invite a
// named worker to their own job.
func (s *Server) handleCreateNegotiation(w http.ResponseWriter, r *http.Request) {
	var req createNegotiationRequest
	if !s.decode(w, r, &req) {
		return
	}

	posted, err := s.jobService.GetByID(r.Context(), req.JobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	actor := callerID(r)
	params := negotiation.CreateParams{
		ActorID:      actor,
		JobID:        posted.ID,
		Message:      req.Message,
		ProposedRate: req.ProposedRate,
	}
	switch callerRole(r) {
	case auth.RoleWorker:
		params.ClientID = posted.ClientID
		params.WorkerID = actor
	case auth.RoleClient:
		if posted.ClientID != actor {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "job belongs to another client")
			return
		}
		if req.Counterparty == "" {
			writeError(w, http.StatusBadRequest, "VALIDATION", "counterparty worker id required")
			return
		}
		params.ClientID = actor
		params.WorkerID = req.Counterparty
	default:
		writeError(w, http.StatusForbidden, "FORBIDDEN", "unknown role")
		return
	}

	created, err := s.negotiationService.Create(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toNegotiationResponse(created))
}

type respondRequest struct {
	Accept bool `json:"accept"`
}

type agreementRequest struct {
	Agreed bool `json:"agreed"`
}

func (s *Server) handleNegotiationDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/negotiations/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "negotiation id required")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	actor := callerID(r)

	switch {
	case action == "" && r.Method == http.MethodGet:
		rec, err := s.negotiationService.Get(r.Context(), id, actor)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toNegotiationResponse(rec))
	case action == "timeline" && r.Method == http.MethodGet:
		events, err := s.negotiationService.Timeline(r.Context(), id, actor)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		items := make([]timelineResponse, 0, len(events))
		for _, ev := range events {
			items = append(items, toTimelineResponse(ev))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case action == "respond" && r.Method == http.MethodPost:
		var req respondRequest
		if !s.decode(w, r, &req) {
			return
		}
		verb := negotiation.ActionReject
		if req.Accept {
			verb = negotiation.ActionAccept
		}
		rec, err := s.negotiationService.Respond(r.Context(), id, actor, verb)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toNegotiationResponse(rec))
	case action == "discussion" && r.Method == http.MethodPost:
		rec, err := s.negotiationService.StartDiscussion(r.Context(), id, actor)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toNegotiationResponse(rec))
	case action == "agreement" && r.Method == http.MethodPost:
		var req agreementRequest
		if !s.decode(w, r, &req) {
			return
		}
		result, err := s.negotiationService.SetAgreement(r.Context(), id, actor, req.Agreed)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toNegotiationResponse(result.Record))
	case action == "" || action == "timeline" || action == "respond" || action == "discussion" || action == "agreement":
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown action")
	}
}

func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))
	contracts, total, err := s.contractService.ListForUser(r.Context(), callerID(r), contract.Filters{
		Status:   contract.Status(q.Get("status")),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]contractResponse, 0, len(contracts))
	for _, c := range contracts {
		items = append(items, toContractResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type feedbackRequest struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment" validate:"required"`
}

func (s *Server) handleContractDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/contracts/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "contract id required")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	actor := callerID(r)

	if action == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
			return
		}
		c, err := s.contractService.Get(r.Context(), id, actor)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toContractResponse(c))
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}

	var (
		c   contract.Contract
		err error
	)
	switch action {
	case "start":
		c, err = s.contractService.StartWork(r.Context(), id, actor)
	case "complete":
		c, err = s.contractService.CompleteWork(r.Context(), id, actor)
	case "confirm":
		c, err = s.contractService.ConfirmCompletion(r.Context(), id, actor)
	case "cancel":
		var req cancelRequest
		if !s.decode(w, r, &req) {
			return
		}
		c, err = s.contractService.Cancel(r.Context(), id, actor, req.Reason)
	case "feedback":
		var req feedbackRequest
		if !s.decode(w, r, &req) {
			return
		}
		if _, err = s.feedbackService.Submit(r.Context(), feedback.SubmitParams{
			ContractID: id,
			ActorID:    actor,
			Rating:     req.Rating,
			Comment:    req.Comment,
		}); err == nil {
			c, err = s.contractService.Get(r.Context(), id, actor)
		}
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown action")
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractResponse(c))
}

// handleEvents streams the caller's realtime events over SSE until the
// connection drops.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}
	writer, err := realtime.NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}
	sub := s.hub.Subscribe(callerID(r))
	defer sub.Close()
	if s.metrics != nil {
		s.metrics.sseConnections.Inc()
		defer s.metrics.sseConnections.Dec()
	}
	realtime.ServeSubscription(r, writer, sub)
}
