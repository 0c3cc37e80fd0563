package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"leadline/internal/assets"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/migrate"
	"leadline/internal/orchestrator"
	leadlinesdk "leadline/sdk/go"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, runner Runner) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:    e,
		Runner:    runner,
		Committer: assets.NewCommitter(e.Repo, nil),
		BasePath:  "/v0",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
			AllowDevLogin:          true,
			Logger:                 zap.NewNop(),
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/leads", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "alice",
		"roles":    []string{"admin"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected a token")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.ActorID != "alice" || who.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", who)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/api-keys", map[string]any{
		"actor_id": "bob",
		"name":     "ci",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("mint status %d: %s", res.StatusCode, string(data))
	}
	var minted MintAPIKeyResponse
	if err := json.Unmarshal(data, &minted); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if minted.Key == "" {
		t.Fatal("expected plaintext key in mint response")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": minted.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.ActorID != "bob" || who.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", who)
	}

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/auth/api-keys/"+minted.ID, nil, actorHeader)
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("delete key status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": minted.Key,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key should be rejected, got %d", res.StatusCode)
	}
}

func TestLeadLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/leads", map[string]any{
		"business_name": "Bella Bakery",
		"niche":         "bakery",
		"city":          "Lisbon",
		"lead_score":    80,
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Lead
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal lead: %v", err)
	}
	if created.Status != "new" {
		t.Fatalf("new lead status = %q", created.Status)
	}

	// won straight from new needs force.
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/leads/"+created.ID, map[string]any{
		"status": "won",
	}, actorHeader)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for an illegal transition, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/leads/"+created.ID, map[string]any{
		"status": "won",
		"force":  true,
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("forced transition status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/leads/"+created.ID, nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", res.StatusCode)
	}
	var fetched domain.Lead
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal lead: %v", err)
	}
	if fetched.Status != "won" {
		t.Fatalf("status after force = %q", fetched.Status)
	}

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/leads/"+created.ID, nil, actorHeader)
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/leads/"+created.ID, nil, actorHeader)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", res.StatusCode)
	}
}

func TestLeadListPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	for i := 0; i < 5; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/leads", map[string]any{
			"business_name": "Shop " + string(rune('A'+i)),
		}, actorHeader)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("seed lead %d status %d: %s", i, res.StatusCode, string(data))
		}
	}

	sdk := leadlinesdk.New(srv.URL)
	sdk.HTTPClient = srv.Client()
	tok, err := signDevToken("test-secret", "tester", nil)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	sdk.BearerToken = tok

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		page, err := sdk.LeadsPage(context.Background(), 2, cursor)
		if err != nil {
			t.Fatalf("leads page: %v", err)
		}
		for _, l := range page.Items {
			if seen[l.ID] {
				t.Fatalf("lead %s returned twice", l.ID)
			}
			seen[l.ID] = true
		}
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
		if pages > 10 {
			t.Fatal("cursor did not terminate")
		}
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 unique leads across pages, got %d", len(seen))
	}
}

func TestImportExportRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	sdk := leadlinesdk.New(srv.URL)
	sdk.HTTPClient = srv.Client()
	tok, err := signDevToken("test-secret", "importer", nil)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	sdk.BearerToken = tok

	batch := []leadlinesdk.Lead{
		{ID: "lead-1", BusinessName: "One"},
		{ID: "lead-2", BusinessName: "Two"},
	}
	sum, err := sdk.ImportLeads(context.Background(), batch)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if sum.Imported != 2 || sum.Skipped != 0 {
		t.Fatalf("first import summary: %+v", sum)
	}

	// Re-importing the same batch skips everything.
	sum, err = sdk.ImportLeads(context.Background(), batch)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if sum.Imported != 0 || sum.Skipped != 2 {
		t.Fatalf("second import summary: %+v", sum)
	}

	all, err := sdk.ExportLeads(context.Background())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("export returned %d leads", len(all))
	}
}

func TestOutreachEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/leads", map[string]any{
		"business_name": "Corner Cafe",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var lead domain.Lead
	if err := json.Unmarshal(data, &lead); err != nil {
		t.Fatalf("unmarshal lead: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/leads/"+lead.ID+"/outreach", map[string]any{
		"channel": "email",
		"snippet": "intro pitch",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("outreach status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/leads/"+lead.ID+"/outreach", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list outreach status %d", res.StatusCode)
	}
	var entries []domain.OutreachEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Channel != "email" {
		t.Fatalf("unexpected outreach log: %+v", entries)
	}

	// Logging outreach against a fresh lead advances it.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/leads/"+lead.ID, nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get lead status %d", res.StatusCode)
	}
	if err := json.Unmarshal(data, &lead); err != nil {
		t.Fatalf("unmarshal lead: %v", err)
	}
	if lead.Status != "contacted" {
		t.Fatalf("status after outreach = %q", lead.Status)
	}
}

// stubRunner records a finished run in the store and returns its result,
// standing in for the real pipeline.
type stubRunner struct {
	engine engine.Engine
	status string
}

func (s stubRunner) Run(ctx context.Context, lead domain.Lead) (orchestrator.Result, error) {
	runID := uuid.NewString()
	run := domain.Run{
		ID:        runID,
		LeadID:    lead.ID,
		Status:    domain.RunInProgress,
		StartedAt: "2026-03-01T00:00:00Z",
	}
	if err := s.engine.CreateRun(ctx, run); err != nil {
		return orchestrator.Result{}, err
	}
	ended := "2026-03-01T00:00:02Z"
	step := domain.ReplayStep{
		ID:         uuid.NewString(),
		RunID:      runID,
		OrderIndex: 1,
		Module:     "market",
		Action:     "gap_analysis",
		Status:     domain.StepSuccess,
		StartedAt:  "2026-03-01T00:00:01Z",
		EndedAt:    &ended,
	}
	if err := s.engine.AppendStep(ctx, step); err != nil {
		return orchestrator.Result{}, err
	}
	completed := "2026-03-01T00:00:03Z"
	run.Status = s.status
	run.CompletedAt = &completed
	if err := s.engine.CompleteRun(ctx, run); err != nil {
		return orchestrator.Result{}, err
	}
	return orchestrator.Result{
		RunID:       runID,
		LeadID:      lead.ID,
		Status:      s.status,
		Steps:       []domain.ReplayStep{step},
		CompletedAt: completed,
	}, nil
}

func TestRunEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/leads", map[string]any{
		"business_name": "Run Target",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var lead domain.Lead
	if err := json.Unmarshal(data, &lead); err != nil {
		t.Fatalf("unmarshal lead: %v", err)
	}

	// Without a configured runner the endpoint refuses.
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/leads/"+lead.ID+"/runs", nil, actorHeader)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a runner, got %d", res.StatusCode)
	}
}

func TestRunEndpointsWithRunner(t *testing.T) {
	workspaceSrv, cleanup := newTestServerWithRunnerStatus(t, domain.RunSuccess)
	defer cleanup()
	client := workspaceSrv.Client()

	res, data := doJSON(t, client, http.MethodPost, workspaceSrv.URL+"/v0/leads", map[string]any{
		"business_name": "Run Target",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var lead domain.Lead
	if err := json.Unmarshal(data, &lead); err != nil {
		t.Fatalf("unmarshal lead: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, workspaceSrv.URL+"/v0/leads/"+lead.ID+"/runs", nil, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start run status %d: %s", res.StatusCode, string(data))
	}
	var started RunResponse
	if err := json.Unmarshal(data, &started); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if started.Status != domain.RunSuccess {
		t.Fatalf("run status = %q", started.Status)
	}
	if len(started.Steps) != 1 {
		t.Fatalf("expected 1 replay step, got %d", len(started.Steps))
	}

	res, data = doJSON(t, client, http.MethodGet, workspaceSrv.URL+"/v0/runs/"+started.ID, nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run status %d: %s", res.StatusCode, string(data))
	}
	var fetched RunResponse
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if fetched.ID != started.ID || len(fetched.Steps) != 1 {
		t.Fatalf("unexpected run fetch: %+v", fetched)
	}

	res, data = doJSON(t, client, http.MethodGet, workspaceSrv.URL+"/v0/leads/"+lead.ID+"/runs", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list runs status %d", res.StatusCode)
	}
	var runs []domain.Run
	if err := json.Unmarshal(data, &runs); err != nil {
		t.Fatalf("unmarshal runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
}

func newTestServerWithRunnerStatus(t *testing.T, status string) (*testServer, func()) {
	t.Helper()
	var srv *testServer
	var cleanup func()
	// The runner needs the engine, which needs the server setup; wire
	// it through a pointer filled after construction.
	holder := &runnerHolder{status: status}
	srv, cleanup = newTestServer(t, holder)
	holder.engine = srv.Engine
	return srv, cleanup
}

type runnerHolder struct {
	engine engine.Engine
	status string
}

func (h *runnerHolder) Run(ctx context.Context, lead domain.Lead) (orchestrator.Result, error) {
	return stubRunner{engine: h.engine, status: h.status}.Run(ctx, lead)
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/leads", map[string]any{
		"business_name": "Evented",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=10", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) == 0 {
		t.Fatal("expected at least one event")
	}
	found := false
	for _, evt := range page.Items {
		if evt.Type == "lead.created" {
			found = true
		}
	}
	if !found {
		t.Fatal("lead.created event not listed")
	}
}
