package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"eda-agent/agent"
	"eda-agent/config"
	"eda-agent/dataset"
	apperrors "eda-agent/errors"
	"eda-agent/llmclient"
	"eda-agent/session"
	"eda-agent/web/middleware"
	"eda-agent/web/services"
	"eda-agent/web/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type fakeAsker struct {
	mu       sync.Mutex
	manager  *session.Manager
	requests []agent.Request
	fail     error
}

func (f *fakeAsker) Ask(ctx context.Context, req agent.Request) (*agent.Answer, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	ans := &agent.Answer{Text: "answer to: " + req.Question, Steps: 1}
	if strings.Contains(req.Question, "plot") {
		path := filepath.Join(f.manager.WorkspacePath(req.SessionID), req.ChartName)
		if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
			return nil, err
		}
		ans.ChartFile = req.ChartName
	}
	return ans, nil
}

type fakeModels struct{ requiresKey bool }

func (f fakeModels) Get(ctx context.Context, apiKey string) (llmclient.Model, func(), error) {
	if apiKey == "" && f.requiresKey {
		return nil, nil, apperrors.ErrMissingCredential
	}
	return nil, func() {}, nil
}
func (f fakeModels) Provider() string     { return "gemini" }
func (f fakeModels) RequiresAPIKey() bool { return f.requiresKey }

type testEnv struct {
	server  *Server
	manager *session.Manager
	asker   *fakeAsker
	cookie  *http.Cookie
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	cfg := &config.Config{MaxUploadMB: 1, PreviewRows: 5}
	manager := session.NewManager(session.NewMemoryStore(), t.TempDir(), logger)
	cache, err := dataset.NewCache(4)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	asker := &fakeAsker{manager: manager}
	models := fakeModels{requiresKey: true}
	sessions := services.NewSessionService(manager, models, secret, cfg.PreviewRows, cfg.MaxUploadMB, logger)
	limiter := middleware.NewSessionRateLimiter(middleware.RateLimiterConfig{
		MessagesPerMinute: 600, FilesPerHour: 100, BurstSize: 50,
	}, logger)
	t.Cleanup(limiter.Stop)
	manager.OnDelete(limiter.Forget)

	server := NewServer(Dependencies{
		Manager:  manager,
		Chat:     services.NewChatService(asker, models, sessions, manager, logger),
		Sessions: sessions,
		Uploads:  services.NewUploadService(cache, manager, cfg.MaxUploadBytes(), logger),
		Limiter:  limiter,
	}, logger, cfg)

	env := &testEnv{server: server, manager: manager, asker: asker}
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("index returned %d", rec.Code)
	}
	return env
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if e.cookie != nil {
		req.AddCookie(e.cookie)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.SessionCookieName {
			e.cookie = c
		}
	}
	return rec
}

func (e *testEnv) sessionID() string { return e.cookie.Value }

func (e *testEnv) upload(t *testing.T, name, body string, asJSON bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	part.Write([]byte(body))
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if asJSON {
		req.Header.Set("Accept", "application/json")
	}
	return e.do(t, req)
}

func (e *testEnv) ask(t *testing.T, question string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":`+jsonString(question)+`}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return e.do(t, req)
}

func (e *testEnv) transcript(t *testing.T) types.TranscriptResponse {
	t.Helper()
	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/api/transcript", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("transcript returned %d: %s", rec.Code, rec.Body.String())
	}
	var out types.TranscriptResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	return out
}

func (e *testEnv) page(t *testing.T) string {
	t.Helper()
	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("index returned %d", rec.Code)
	}
	return rec.Body.String()
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

const validCSV = "city,price\nLisbon,10\nPorto,12\n"

func TestMalformedUploadShowsErrorAndKeepsState(t *testing.T) {
	env := newTestEnv(t, "secret")
	if rec := env.upload(t, "good.csv", validCSV, true); rec.Code != http.StatusOK {
		t.Fatalf("valid upload returned %d: %s", rec.Code, rec.Body.String())
	}
	env.page(t) // consume the success notice and preview

	tests := []struct {
		name string
		file string
		body string
	}{
		{"ragged rows", "bad.csv", "a,b\n1,2\n3,4,5,6\n"},
		{"empty file", "empty.csv", ""},
		{"binary", "bin.csv", "\xff\xfe\x00\x01garbage"},
		{"wrong type", "data.xlsx", validCSV},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.upload(t, tt.file, tt.body, false)
			if rec.Code != http.StatusSeeOther {
				t.Fatalf("expected redirect, got %d", rec.Code)
			}
			page := env.page(t)
			if !strings.Contains(page, `class="notice error"`) {
				t.Errorf("expected a visible error notice")
			}
			ds, _ := env.manager.Dataset(env.sessionID())
			if ds == nil || ds.Name() != "good.csv" {
				t.Errorf("previous dataset should stay loaded")
			}
		})
	}

	rec := env.upload(t, "bad.csv", "a,b\n1,2\n3,4,5\n", true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for JSON client, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Error reading the CSV file") {
		t.Errorf("unexpected error body %s", rec.Body.String())
	}
}

func TestUploadShowsPreviewOnce(t *testing.T) {
	env := newTestEnv(t, "secret")
	env.upload(t, "sales.csv", validCSV, false)

	first := env.page(t)
	if !strings.Contains(first, "Preview of sales.csv") || !strings.Contains(first, "<td>Lisbon</td>") {
		t.Fatalf("preview missing from first render")
	}
	if !strings.Contains(first, "Loaded sales.csv: 2 rows x 2 columns.") {
		t.Errorf("success notice missing")
	}
	if second := env.page(t); strings.Contains(second, "Preview of sales.csv") {
		t.Errorf("preview should be shown once")
	}
}

func TestResetGivesNewSessionAndEmptyTranscript(t *testing.T) {
	env := newTestEnv(t, "secret")
	env.upload(t, "sales.csv", validCSV, true)
	env.ask(t, "How many rows?")

	seen := map[string]bool{env.sessionID(): true}
	for i := 0; i < 3; i++ {
		old := env.sessionID()
		req := httptest.NewRequest(http.MethodPost, "/reset", nil)
		req.Header.Set("Accept", "application/json")
		rec := env.do(t, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("reset returned %d", rec.Code)
		}
		if env.sessionID() == old || seen[env.sessionID()] {
			t.Fatalf("reset must produce a fresh session id, got %s", env.sessionID())
		}
		seen[env.sessionID()] = true

		if got := env.transcript(t); len(got.Messages) != 0 || got.SessionID != env.sessionID() {
			t.Fatalf("transcript after reset = %+v", got)
		}
		if _, err := env.manager.Messages(context.Background(), old); !apperrors.IsNotFound(err) {
			t.Errorf("old transcript should be gone, got %v", err)
		}
	}

	page := env.page(t)
	if !strings.Contains(page, session.RestartNotice) {
		t.Errorf("restart notice missing")
	}
	if !strings.Contains(page, "Loaded: <strong>sales.csv</strong>") {
		t.Errorf("dataset should carry over a reset")
	}
}

func TestSequentialQuestionsStoredInOrder(t *testing.T) {
	env := newTestEnv(t, "secret")
	env.upload(t, "sales.csv", validCSV, true)

	for _, q := range []string{"first question", "second question"} {
		if rec := env.ask(t, q); rec.Code != http.StatusOK {
			t.Fatalf("chat returned %d: %s", rec.Code, rec.Body.String())
		}
	}

	got := env.transcript(t).Messages
	want := []struct{ role, content string }{
		{session.RoleUser, "first question"},
		{session.RoleAssistant, "answer to: first question"},
		{session.RoleUser, "second question"},
		{session.RoleAssistant, "answer to: second question"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(got))
	}
	for i, w := range want {
		if got[i].Role != w.role || got[i].Content != w.content {
			t.Errorf("message %d = %s %q, want %s %q", i, got[i].Role, got[i].Content, w.role, w.content)
		}
	}

	if n := len(env.asker.requests[1].History); n != 2 {
		t.Errorf("second question should see 2 prior messages, saw %d", n)
	}
	if title := env.transcript(t).Title; title != "first question" {
		t.Errorf("title should come from the first question, got %q", title)
	}
}

func TestChartAttachedToItsMessageOnly(t *testing.T) {
	env := newTestEnv(t, "secret")
	env.upload(t, "sales.csv", validCSV, true)
	env.ask(t, "describe the data")
	rec := env.ask(t, "plot price by city")
	env.ask(t, "and the median?")

	var resp types.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode chat response: %v", err)
	}

	messages := env.transcript(t).Messages
	charts := 0
	for _, m := range messages {
		if m.Chart == nil {
			continue
		}
		charts++
		if m.ID != resp.Assistant.ID || m.Role != session.RoleAssistant {
			t.Errorf("chart attached to the wrong message %+v", m)
		}
		if m.Chart.File != "chart-"+resp.Assistant.ID+".png" {
			t.Errorf("unexpected chart file %q", m.Chart.File)
		}
	}
	if charts != 1 {
		t.Fatalf("expected exactly one chart, got %d", charts)
	}

	chartReq := httptest.NewRequest(http.MethodGet, resp.Assistant.Chart.URL, nil)
	if rec := env.do(t, chartReq); rec.Code != http.StatusOK {
		t.Errorf("chart should be served to its session, got %d", rec.Code)
	}
}

func TestAgentFailureBecomesAssistantMessage(t *testing.T) {
	env := newTestEnv(t, "secret")
	env.upload(t, "sales.csv", validCSV, true)
	env.asker.fail = errors.New("executor unreachable")

	rec := env.ask(t, "anything")
	if rec.Code != http.StatusOK {
		t.Fatalf("agent failure should not fail the request, got %d", rec.Code)
	}
	msgs := env.transcript(t).Messages
	if len(msgs) != 2 {
		t.Fatalf("expected question and error message, got %d", len(msgs))
	}
	if msgs[1].Content != services.AnalysisErrorPrefix+"executor unreachable" {
		t.Errorf("unexpected error message %q", msgs[1].Content)
	}

	env.asker.fail = nil
	if rec := env.ask(t, "again"); rec.Code != http.StatusOK {
		t.Errorf("conversation should continue after a failure, got %d", rec.Code)
	}
}

func TestChatPreconditions(t *testing.T) {
	env := newTestEnv(t, "")
	if rec := env.ask(t, "no data yet"); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 without dataset, got %d", rec.Code)
	}
	env.upload(t, "sales.csv", validCSV, true)
	if rec := env.ask(t, "no key yet"); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without credential, got %d", rec.Code)
	}
	if rec := env.ask(t, "   "); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty message, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/credentials", strings.NewReader("api_key=user-key"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rec := env.do(t, req); rec.Code != http.StatusSeeOther {
		t.Fatalf("credential form should redirect, got %d", rec.Code)
	}
	if rec := env.ask(t, "now it works"); rec.Code != http.StatusOK {
		t.Errorf("expected 200 with credential, got %d", rec.Code)
	}
	if len(env.asker.requests) != 1 {
		t.Errorf("only the last question should reach the agent, got %d", len(env.asker.requests))
	}
	if msgs := env.transcript(t).Messages; len(msgs) != 2 {
		t.Errorf("rejected questions must not be stored, got %d messages", len(msgs))
	}
}

func TestWorkspaceOwnership(t *testing.T) {
	owner := newTestEnv(t, "secret")
	owner.upload(t, "sales.csv", validCSV, true)
	ownerID := owner.sessionID()

	// A second browser on the same server.
	other := &testEnv{server: owner.server, manager: owner.manager}
	other.do(t, httptest.NewRequest(http.MethodGet, "/", nil))

	url := "/workspaces/" + ownerID + "/sales.csv"
	if rec := other.do(t, httptest.NewRequest(http.MethodGet, url, nil)); rec.Code != http.StatusForbidden {
		t.Errorf("other session should be denied, got %d", rec.Code)
	}
	if rec := owner.do(t, httptest.NewRequest(http.MethodGet, url, nil)); rec.Code != http.StatusOK {
		t.Errorf("owner should be served, got %d", rec.Code)
	}
	if rec := owner.do(t, httptest.NewRequest(http.MethodGet, "/workspaces/"+ownerID+"/missing.png", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("missing file should 404, got %d", rec.Code)
	}
}

func TestInvalidCookieStartsNewSession(t *testing.T) {
	env := newTestEnv(t, "secret")
	env.cookie = &http.Cookie{Name: middleware.SessionCookieName, Value: "not-a-uuid"}
	env.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	if env.sessionID() == "not-a-uuid" {
		t.Fatal("invalid cookie should be replaced")
	}
	if _, err := env.manager.Session(context.Background(), env.sessionID()); err != nil {
		t.Errorf("new session should exist: %v", err)
	}
}

func TestCleanupRemovesStaleSessions(t *testing.T) {
	env := newTestEnv(t, "secret")
	id := env.sessionID()
	cleanup := NewCleanupService(env.manager, zap.NewNop())

	n, err := cleanup.CleanupStaleWorkspaces(context.Background(), -time.Minute)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale session, got %d", n)
	}
	if _, err := env.manager.Session(context.Background(), id); !apperrors.IsNotFound(err) {
		t.Errorf("stale session should be deleted, got %v", err)
	}
	if _, err := os.Stat(env.manager.WorkspacePath(id)); !os.IsNotExist(err) {
		t.Errorf("workspace should be removed, got %v", err)
	}
}
