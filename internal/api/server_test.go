package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/odvcencio/forgesim/internal/auth"
	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/service"
	"github.com/odvcencio/forgesim/internal/store"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	srv     *Server
	ts      *httptest.Server
	svc     *service.Services
	adminID string
	token   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.New(store.Options{})
	svc := service.New(st, service.FixedClock(testNow))
	ctx := context.Background()

	admin, err := svc.Identity.CreateUser(ctx, "", service.CreateUserRequest{Username: "ada", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	issued, err := svc.Identity.IssueAccessToken(ctx, admin.ID, admin.ID, "tests", 0)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	reg := prometheus.NewRegistry()
	srv := NewServer(st, svc, nil, ServerOptions{
		Sessions:   auth.NewService("test-secret", time.Hour),
		Registerer: reg,
		Gatherer:   reg,
		Now:        func() time.Time { return testNow },
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &testServer{srv: srv, ts: ts, svc: svc, adminID: admin.ID, token: issued.Secret}
}

type rawEnvelope struct {
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error"`
	ErrorKind string          `json:"error_kind"`
}

func (s *testServer) call(t *testing.T, token, tool string, body any) (int, rawEnvelope) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal %s body: %v", tool, err)
	}
	req, err := http.NewRequest(http.MethodPost, s.ts.URL+"/api/v1/tools/"+tool, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("call %s: %v", tool, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode %s response %q: %v", tool, raw, err)
	}
	return resp.StatusCode, env
}

// mustCall invokes tool and decodes a successful result into out.
func (s *testServer) mustCall(t *testing.T, tool string, body, out any) {
	t.Helper()
	status, env := s.call(t, s.token, tool, body)
	if status != http.StatusOK || !env.Success {
		t.Fatalf("%s: status %d error %q (%s)", tool, status, env.Error, env.ErrorKind)
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			t.Fatalf("decode %s result: %v", tool, err)
		}
	}
}

func TestToolPullRequestMergeFlow(t *testing.T) {
	s := newTestServer(t)

	var repo models.Repository
	s.mustCall(t, "create_repository", map[string]any{
		"repository_name": "demo",
		"default_branch":  "main",
	}, &repo)

	var branches []models.Branch
	s.mustCall(t, "list_branches", map[string]any{"repository_id": repo.ID}, &branches)
	if len(branches) != 1 || branches[0].Name != "main" || !branches[0].IsDefault {
		t.Fatalf("unexpected branches after create: %+v", branches)
	}
	mainID := branches[0].ID

	s.mustCall(t, "upsert_file", map[string]any{
		"repository_id": repo.ID,
		"branch_id":     mainID,
		"file_name":     "README.md",
		"content":       "# demo\n",
	}, nil)

	var feature models.Branch
	s.mustCall(t, "create_branch", map[string]any{
		"repository_id": repo.ID,
		"branch_name":   "feature",
		"source_branch": mainID,
	}, &feature)

	var change service.FileResult
	s.mustCall(t, "upsert_file", map[string]any{
		"repository_id":  repo.ID,
		"branch_id":      feature.ID,
		"file_name":      "main.go",
		"content":        "package main\n\nfunc main() {}\n",
		"commit_message": "Add entrypoint",
	}, &change)
	if change.Commit == nil || change.File == nil || change.File.Language == "" {
		t.Fatalf("expected a commit and detected language, got %+v", change)
	}

	var pr models.PullRequest
	s.mustCall(t, "create_pull_request", map[string]any{
		"repository_id": repo.ID,
		"title":         "Add entrypoint",
		"source_branch": "feature",
		"target_branch": "main",
	}, &pr)
	if pr.Number != 1 || pr.Status != models.PROpen {
		t.Fatalf("unexpected pull request: %+v", pr)
	}

	var merged service.MergeResult
	s.mustCall(t, "merge_pull_request", map[string]any{
		"pull_request_id": pr.ID,
		"decision":        "approved",
	}, &merged)
	if merged.PullRequest.Status != models.PRMerged {
		t.Fatalf("expected merged status, got %s", merged.PullRequest.Status)
	}
	if merged.Target == nil || merged.Target.CommitSHA != change.Commit.SHA {
		t.Fatalf("target head = %+v, want %s", merged.Target, change.Commit.SHA)
	}

	status, env := s.call(t, s.token, "merge_pull_request", map[string]any{
		"pull_request_id": pr.ID,
		"decision":        "approved",
	})
	if status != http.StatusConflict || env.ErrorKind != "state" {
		t.Fatalf("second merge: status %d kind %q", status, env.ErrorKind)
	}

	if got := testutil.ToFloat64(s.srv.metrics.toolCalls.WithLabelValues("merge_pull_request", "success")); got != 1 {
		t.Fatalf("expected one successful merge invocation, got %f", got)
	}
	if got := testutil.ToFloat64(s.srv.metrics.toolCalls.WithLabelValues("merge_pull_request", "state")); got != 1 {
		t.Fatalf("expected one rejected merge invocation, got %f", got)
	}
}

func TestToolErrorsMapToStatuses(t *testing.T) {
	s := newTestServer(t)

	status, env := s.call(t, "", "create_repository", map[string]any{"repository_name": "demo"})
	if status != http.StatusUnauthorized || env.ErrorKind != "authentication" {
		t.Fatalf("anonymous create: status %d kind %q", status, env.ErrorKind)
	}

	status, env = s.call(t, "not-a-token", "list_repositories", map[string]any{})
	if status != http.StatusUnauthorized {
		t.Fatalf("bad bearer: status %d", status)
	}

	status, env = s.call(t, s.token, "create_repository", map[string]any{"repository_name": "bad name"})
	if status != http.StatusBadRequest || env.ErrorKind != "validation" {
		t.Fatalf("invalid name: status %d kind %q", status, env.ErrorKind)
	}

	status, env = s.call(t, s.token, "create_repository", map[string]any{"repository_name": "demo", "stars": 3})
	if status != http.StatusBadRequest {
		t.Fatalf("unknown field: status %d", status)
	}

	status, env = s.call(t, s.token, "get_repository", map[string]any{"repository_id": "999"})
	if status != http.StatusNotFound || env.ErrorKind != "reference" {
		t.Fatalf("missing repo: status %d kind %q", status, env.ErrorKind)
	}

	status, _ = s.call(t, s.token, "no_such_tool", map[string]any{})
	if status != http.StatusNotFound {
		t.Fatalf("unknown tool: status %d", status)
	}

	var bob models.User
	s.mustCall(t, "create_user", map[string]any{"username": "bob", "email": "bob@example.com"}, &bob)
	bobToken, err := s.svc.Identity.IssueAccessToken(context.Background(), bob.ID, bob.ID, "bob", 0)
	if err != nil {
		t.Fatalf("issue bob token: %v", err)
	}

	var repo models.Repository
	s.mustCall(t, "create_repository", map[string]any{"repository_name": "secret", "visibility": "private"}, &repo)

	status, env = s.call(t, bobToken.Secret, "get_repository", map[string]any{"repository_id": repo.ID})
	if status != http.StatusNotFound || env.ErrorKind != "reference" {
		t.Fatalf("private repo read: status %d kind %q", status, env.ErrorKind)
	}
	status, _ = s.call(t, "", "get_repository", map[string]any{"repository_id": repo.ID})
	if status != http.StatusNotFound {
		t.Fatalf("anonymous private repo read: status %d", status)
	}

	var public models.Repository
	s.mustCall(t, "create_repository", map[string]any{"repository_name": "open"}, &public)
	status, _ = s.call(t, "", "get_repository", map[string]any{"repository_id": public.ID})
	if status != http.StatusOK {
		t.Fatalf("anonymous public repo read: status %d", status)
	}
}

func TestSessionExchange(t *testing.T) {
	s := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, s.ts.URL+"/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var env struct {
		Result sessionResponse `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if env.Result.Token == "" || env.Result.UserID != s.adminID {
		t.Fatalf("unexpected session: %+v", env.Result)
	}

	var repos []models.Repository
	status, out := s.call(t, env.Result.Token, "list_repositories", map[string]any{})
	if status != http.StatusOK {
		t.Fatalf("session bearer rejected: %d %s", status, out.Error)
	}
	if err := json.Unmarshal(out.Result, &repos); err != nil {
		t.Fatalf("decode repos: %v", err)
	}

	anon, _ := http.Post(s.ts.URL+"/api/v1/sessions", "application/json", nil)
	anon.Body.Close()
	if anon.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous session exchange: %d", anon.StatusCode)
	}
}

func TestListToolsAndLanguages(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.ts.URL + "/api/v1/tools")
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	defer resp.Body.Close()
	var env struct {
		Result []toolSpec `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	if len(env.Result) != len(s.srv.tools) {
		t.Fatalf("listed %d tools, registered %d", len(env.Result), len(s.srv.tools))
	}
	for i := 1; i < len(env.Result); i++ {
		if env.Result[i-1].Name >= env.Result[i].Name {
			t.Fatalf("tools not sorted: %s before %s", env.Result[i-1].Name, env.Result[i].Name)
		}
	}

	langs, err := http.Get(s.ts.URL + "/api/v1/languages")
	if err != nil {
		t.Fatalf("list languages: %v", err)
	}
	defer langs.Body.Close()
	if langs.StatusCode != http.StatusOK {
		t.Fatalf("languages: %d", langs.StatusCode)
	}
}

func TestAdminHealth(t *testing.T) {
	s := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, s.ts.URL+"/api/v1/admin/health", nil)
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("admin health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body adminHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "ok" || body.Store.Tables["users"] != 1 || body.Store.Version == 0 {
		t.Fatalf("unexpected health: %+v", body)
	}
	if body.Database.Driver != "memory" || body.Snapshots != nil {
		t.Fatalf("expected memory database without snapshots: %+v", body.Database)
	}

	var bob models.User
	s.mustCall(t, "create_user", map[string]any{"username": "bob", "email": "bob@example.com"}, &bob)
	bobToken, err := s.svc.Identity.IssueAccessToken(context.Background(), bob.ID, bob.ID, "bob", 0)
	if err != nil {
		t.Fatalf("issue bob token: %v", err)
	}
	req, _ = http.NewRequest(http.MethodGet, s.ts.URL+"/api/v1/admin/health", nil)
	req.Header.Set("Authorization", "Bearer "+bobToken.Secret)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("admin health as bob: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin health: %d", resp2.StatusCode)
	}

	healthz, err := http.Get(s.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	healthz.Body.Close()
	if healthz.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", healthz.StatusCode)
	}
}

func TestToolFileEntitiesOutlinesSource(t *testing.T) {
	s := newTestServer(t)

	var repo models.Repository
	s.mustCall(t, "create_repository", map[string]any{"repository_name": "outline", "default_branch": "main"}, &repo)
	var branches []models.Branch
	s.mustCall(t, "list_branches", map[string]any{"repository_id": repo.ID}, &branches)

	var res service.FileResult
	s.mustCall(t, "upsert_file", map[string]any{
		"repository_id": repo.ID,
		"branch_id":     branches[0].ID,
		"file_name":     "svc.go",
		"content":       "package svc\n\nfunc Start() {}\n",
	}, &res)

	var outline service.FileEntities
	s.mustCall(t, "get_file_entities", map[string]any{"repository_id": repo.ID, "file_id": res.File.ID}, &outline)
	if !outline.Structural || outline.ContentID != res.Content.ID {
		t.Fatalf("outline = %+v", outline)
	}
	found := false
	for _, e := range outline.Entities {
		if e.Name == "Start" && e.Kind == "declaration" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Start not in outline: %+v", outline.Entities)
	}

	var decls service.FileEntities
	s.mustCall(t, "get_file_entities", map[string]any{"repository_id": repo.ID, "file_id": res.File.ID, "declarations_only": true}, &decls)
	if len(decls.Entities) != 1 || decls.Entities[0].Name != "Start" {
		t.Fatalf("declarations = %+v", decls.Entities)
	}
}
