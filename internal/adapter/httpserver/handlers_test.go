package httpserver_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/outreach-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
	"github.com/fairyhunter13/outreach-orchestrator/internal/usecase"
)

type fakeStore struct {
	domain.TaskStore
	jobs     map[string]domain.Job
	tasks    []domain.Task
	progress domain.JobProgress
	created  []domain.Job
}

func (s *fakeStore) CreateJob(_ domain.Context, j domain.Job) error {
	s.created = append(s.created, j)
	return nil
}
func (s *fakeStore) CreateTasks(_ domain.Context, _ []domain.Task) error { return nil }
func (s *fakeStore) GetJob(_ domain.Context, id string) (domain.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}
func (s *fakeStore) JobProgress(_ domain.Context, _ string) (domain.JobProgress, error) {
	return s.progress, nil
}
func (s *fakeStore) ListTasks(_ domain.Context, _ string) ([]domain.Task, error) {
	return s.tasks, nil
}
func (s *fakeStore) ListJobs(_ domain.Context, _ domain.JobFilter) ([]domain.Job, error) {
	out := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}
func (s *fakeStore) CancelJob(_ domain.Context, id string) error {
	j := s.jobs[id]
	if j.Status == domain.JobDone {
		return domain.ErrConflict
	}
	j.Status = domain.JobCancelled
	s.jobs[id] = j
	return nil
}

type fakeClients struct{ client domain.Client }

func (c fakeClients) Get(_ domain.Context, id string) (domain.Client, error) {
	if id != c.client.ID {
		return domain.Client{}, domain.ErrNotFound
	}
	return c.client, nil
}
func (c fakeClients) Create(_ domain.Context, _ domain.Client) (string, error) { return "", nil }

func newTestRig(t *testing.T, store *fakeStore) (*chi.Mux, string) {
	t.Helper()
	hash, err := httpserver.HashAPIKey("topsecret", httpserver.Argon2Params{
		Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32,
	})
	require.NoError(t, err)
	clients := fakeClients{client: domain.Client{
		ID: "client-1", Name: "Acme", APIKeyHash: hash, Status: "active",
		Scopes: []string{domain.ScopeFetch, domain.ScopeAnalyze, domain.ScopeSend},
	}}
	tokens := httpserver.NewTokenManager("signing-secret", time.Hour)
	submit := usecase.NewSubmitService(store, nil, nil, nil)
	jobs := usecase.NewJobsService(store, nil)
	srv := httpserver.NewServer(submit, jobs, clients, tokens)

	r := chi.NewRouter()
	r.Post("/api/auth/login", srv.HandleLogin())
	r.Group(func(r chi.Router) {
		r.Use(tokens.BearerAuth)
		r.With(httpserver.RequireScope(domain.ScopeSend)).Post("/api/send/dm", srv.HandleSendDM())
		r.With(httpserver.RequireScope(domain.ScopeAnalyze)).Post("/api/analyze/profiles", srv.HandleAnalyzeProfiles())
		r.With(httpserver.RequireScope(domain.ScopeFetch)).Post("/api/followings", srv.HandleFetchFollowings())
		r.Get("/api/jobs", srv.HandleListJobs())
		r.Get("/api/jobs/{id}", srv.HandleGetJob())
		r.Post("/api/jobs/{id}/cancel", srv.HandleCancelJob())
	})

	token, err := tokens.CreateToken("client-1", clients.client.Scopes)
	require.NoError(t, err)
	return r, token
}

func doJSON(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLogin_Success(t *testing.T) {
	h, _ := newTestRig(t, &fakeStore{jobs: map[string]domain.Job{}})

	rec := doJSON(t, h, http.MethodPost, "/api/auth/login", "", `{"api_key":"client-1.topsecret"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["access_token"])
	assert.Equal(t, "Bearer", resp["token_type"])
}

func TestLogin_BadSecret(t *testing.T) {
	h, _ := newTestRig(t, &fakeStore{jobs: map[string]domain.Job{}})

	rec := doJSON(t, h, http.MethodPost, "/api/auth/login", "", `{"api_key":"client-1.wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/auth/login", "", `{"api_key":"nobody.topsecret"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/auth/login", "", `{"api_key":"no-dot-here"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendDM_Accepted(t *testing.T) {
	store := &fakeStore{jobs: map[string]domain.Job{}}
	h, token := newTestRig(t, store)

	rec := doJSON(t, h, http.MethodPost, "/api/send/dm", token,
		`{"targets":["alice","bob"],"template_id":"intro","priority":3}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["job_id"])
	require.Len(t, store.created, 1)
	assert.Equal(t, "client-1", store.created[0].ClientID)
}

func TestSendDM_ValidationErrors(t *testing.T) {
	h, token := newTestRig(t, &fakeStore{jobs: map[string]domain.Job{}})

	// No targets.
	rec := doJSON(t, h, http.MethodPost, "/api/send/dm", token, `{"text":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "BAD_REQUEST")

	// Targets but neither text nor template.
	rec = doJSON(t, h, http.MethodPost, "/api/send/dm", token, `{"targets":["alice"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown field.
	rec = doJSON(t, h, http.MethodPost, "/api/send/dm", token, `{"targets":["alice"],"text":"hi","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendDM_RequiresAuth(t *testing.T) {
	h, _ := newTestRig(t, &fakeStore{jobs: map[string]domain.Job{}})

	rec := doJSON(t, h, http.MethodPost, "/api/send/dm", "", `{"targets":["alice"],"text":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
}

func TestGetJob_NotFoundAndCrossTenant(t *testing.T) {
	store := &fakeStore{jobs: map[string]domain.Job{
		"job-other": {ID: "job-other", ClientID: "client-2", Status: domain.JobRunning},
	}}
	h, token := newTestRig(t, store)

	rec := doJSON(t, h, http.MethodGet, "/api/jobs/missing", token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Another tenant's job reads as not-found, not forbidden.
	rec = doJSON(t, h, http.MethodGet, "/api/jobs/job-other", token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob_ReturnsProgressAndTasks(t *testing.T) {
	store := &fakeStore{
		jobs: map[string]domain.Job{
			"job-1": {ID: "job-1", ClientID: "client-1", Kind: domain.KindSendMessages, Status: domain.JobRunning},
		},
		progress: domain.JobProgress{Total: 2, Done: 1, Pending: 1},
		tasks: []domain.Task{
			{Target: "alice", Status: domain.TaskDone, Attempts: 1},
			{Target: "bob", Status: domain.TaskPending},
		},
	}
	h, token := newTestRig(t, store)

	rec := doJSON(t, h, http.MethodGet, "/api/jobs/job-1", token, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status   string         `json:"status"`
		Progress map[string]int `json:"progress"`
		Tasks    []struct {
			Target string `json:"target"`
			Status string `json:"status"`
		} `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, 2, resp.Progress["total"])
	assert.Equal(t, 1, resp.Progress["done"])
	require.Len(t, resp.Tasks, 2)
}

func TestCancelJob_ConflictWhenTerminal(t *testing.T) {
	store := &fakeStore{jobs: map[string]domain.Job{
		"job-1": {ID: "job-1", ClientID: "client-1", Status: domain.JobDone},
	}}
	h, token := newTestRig(t, store)

	rec := doJSON(t, h, http.MethodPost, "/api/jobs/job-1/cancel", token, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "CONFLICT")
}

func TestCancelJob_Success(t *testing.T) {
	store := &fakeStore{jobs: map[string]domain.Job{
		"job-1": {ID: "job-1", ClientID: "client-1", Status: domain.JobRunning},
	}}
	h, token := newTestRig(t, store)

	rec := doJSON(t, h, http.MethodPost, "/api/jobs/job-1/cancel", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.JobCancelled, store.jobs["job-1"].Status)
}
