package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
	"github.com/fairyhunter13/outreach-orchestrator/internal/usecase"
)

// Server bundles the API dependencies behind the HTTP handlers.
type Server struct {
	submit   *usecase.SubmitService
	jobs     *usecase.JobsService
	clients  domain.ClientRepository
	tokens   *TokenManager
	validate *validator.Validate
}

// NewServer constructs a Server.
func NewServer(submit *usecase.SubmitService, jobs *usecase.JobsService, clients domain.ClientRepository, tokens *TokenManager) *Server {
	return &Server{
		submit:   submit,
		jobs:     jobs,
		clients:  clients,
		tokens:   tokens,
		validate: validator.New(),
	}
}

// Tokens exposes the token manager for route wiring.
func (s *Server) Tokens() *TokenManager { return s.tokens }

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("body exceeds %d bytes: %w", maxErr.Limit, domain.ErrPayloadTooLarge)
		}
		return fmt.Errorf("malformed json: %w", domain.ErrInvalidArgument)
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				details[strings.ToLower(fe.Field())] = fe.Tag()
			}
			return &validationError{details: details}
		}
		return fmt.Errorf("validation failed: %w", domain.ErrInvalidArgument)
	}
	return nil
}

type validationError struct{ details map[string]string }

func (e *validationError) Error() string { return "validation failed" }
func (e *validationError) Unwrap() error { return domain.ErrInvalidArgument }

type loginRequest struct {
	APIKey string `json:"api_key" validate:"required"`
}

// HandleLogin exchanges an API key ("clientID.secret") for a bearer token
// carrying the client's scopes.
func (s *Server) HandleLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeDecodeError(w, r, err)
			return
		}
		clientID, secret, ok := strings.Cut(req.APIKey, ".")
		if !ok {
			writeError(w, r, fmt.Errorf("malformed api key: %w", domain.ErrUnauthorized), nil)
			return
		}
		client, err := s.clients.Get(r.Context(), clientID)
		if err != nil {
			// Identical response for unknown client and bad secret.
			writeError(w, r, fmt.Errorf("invalid api key: %w", domain.ErrUnauthorized), nil)
			return
		}
		if client.Status != "active" || !VerifyAPIKey(secret, client.APIKeyHash) {
			writeError(w, r, fmt.Errorf("invalid api key: %w", domain.ErrUnauthorized), nil)
			return
		}
		token, err := s.tokens.CreateToken(client.ID, client.Scopes)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": token,
			"token_type":   "Bearer",
			"expires_in":   int(s.tokens.TTL().Seconds()),
			"scopes":       client.Scopes,
		})
	}
}

type sendDMRequest struct {
	Targets    []string `json:"targets" validate:"required,min=1,max=500,dive,required,max=64"`
	Text       string   `json:"text" validate:"omitempty,max=1000"`
	TemplateID string   `json:"template_id" validate:"omitempty,max=64"`
	Priority   int      `json:"priority" validate:"gte=0,lte=9"`
}

// HandleSendDM submits a send_messages job.
func (s *Server) HandleSendDM() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := ClaimsFrom(r)
		var req sendDMRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeDecodeError(w, r, err)
			return
		}
		jobID, err := s.submit.SubmitSendDM(r.Context(), claims.ClientID, usecase.SendDMInput{
			Targets:    req.Targets,
			Text:       req.Text,
			TemplateID: req.TemplateID,
			Priority:   req.Priority,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "pending"})
	}
}

type analyzeRequest struct {
	Usernames  []string `json:"usernames" validate:"required,min=1,max=500,dive,required,max=64"`
	FetchReels bool     `json:"fetch_reels"`
	MaxReels   int      `json:"max_reels" validate:"gte=0,lte=50"`
	Priority   int      `json:"priority" validate:"gte=0,lte=9"`
}

// HandleAnalyzeProfiles submits an analyze_profiles job.
func (s *Server) HandleAnalyzeProfiles() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := ClaimsFrom(r)
		var req analyzeRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeDecodeError(w, r, err)
			return
		}
		jobID, err := s.submit.SubmitAnalyzeProfiles(r.Context(), claims.ClientID, usecase.AnalyzeInput{
			Usernames:  req.Usernames,
			FetchReels: req.FetchReels,
			MaxReels:   req.MaxReels,
			Priority:   req.Priority,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "pending"})
	}
}

type followingsRequest struct {
	Owner         string `json:"owner" validate:"required,max=64"`
	MaxFollowings int    `json:"max_followings" validate:"gte=0,lte=10000"`
	Priority      int    `json:"priority" validate:"gte=0,lte=9"`
}

// HandleFetchFollowings submits a fetch_followings job.
func (s *Server) HandleFetchFollowings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := ClaimsFrom(r)
		var req followingsRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeDecodeError(w, r, err)
			return
		}
		jobID, err := s.submit.SubmitFetchFollowings(r.Context(), claims.ClientID, usecase.FollowingsInput{
			Owner:         req.Owner,
			MaxFollowings: req.MaxFollowings,
			Priority:      req.Priority,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "pending"})
	}
}

type taskView struct {
	Target    string `json:"target"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// HandleGetJob returns job status, progress counters, and per-target detail.
func (s *Server) HandleGetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := ClaimsFrom(r)
		view, err := s.jobs.Get(r.Context(), claims.ClientID, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		tasks := make([]taskView, 0, len(view.Tasks))
		for _, t := range view.Tasks {
			tasks = append(tasks, taskView{
				Target:    t.Target,
				Status:    string(t.Status),
				Attempts:  t.Attempts,
				LastError: t.LastError,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":         view.Job.ID,
			"kind":       view.Job.Kind,
			"status":     view.Job.Status,
			"priority":   view.Job.Priority,
			"created_at": view.Job.CreatedAt.UTC().Format(time.RFC3339),
			"updated_at": view.Job.UpdatedAt.UTC().Format(time.RFC3339),
			"progress": map[string]int{
				"total":     view.Progress.Total,
				"pending":   view.Progress.Pending,
				"leased":    view.Progress.Leased,
				"done":      view.Progress.Done,
				"error":     view.Progress.Errored,
				"cancelled": view.Progress.Cancelled,
			},
			"tasks": tasks,
		})
	}
}

// HandleListJobs returns the client's jobs with optional status/kind filters.
func (s *Server) HandleListJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := ClaimsFrom(r)
		f := domain.JobFilter{
			Status: domain.JobStatus(r.URL.Query().Get("status")),
			Kind:   domain.JobKind(r.URL.Query().Get("kind")),
			Limit:  queryInt(r, "limit", 50),
			Offset: queryInt(r, "offset", 0),
		}
		jobs, err := s.jobs.List(r.Context(), claims.ClientID, f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, map[string]any{
				"id":         j.ID,
				"kind":       j.Kind,
				"status":     j.Status,
				"priority":   j.Priority,
				"created_at": j.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
	}
}

// HandleCancelJob cancels a job and its open tasks.
func (s *Server) HandleCancelJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := ClaimsFrom(r)
		jobID := chi.URLParam(r, "id")
		if err := s.jobs.Cancel(r.Context(), claims.ClientID, jobID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": jobID, "status": "cancelled"})
	}
}

func (s *Server) writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validationError
	if errors.As(err, &verr) {
		writeError(w, r, verr, verr.details)
		return
	}
	writeError(w, r, err, nil)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
