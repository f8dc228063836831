package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/assign"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

const testCatalogJSON = `{"channels": [
	{"channelId": "A", "displayName": "Alpha", "settlementBank": "X", "routingClass": "interbank"},
	{"channelId": "B", "displayName": "Beta", "settlementBank": "Y", "routingClass": "DOMESTIC", "costOnSuccess": 5, "costOnFailure": 5}
]}`

const testAccountsJSON = `{"runId": "run-001", "accounts": [
	{"accountId": "acc-1", "homeBank": "X", "owedAmount": 100, "probabilities": {"A": 0.8, "B": 0.9}},
	{"accountId": "acc-2", "homeBank": "Y", "owedAmount": 50, "probabilities": {"B": 0.5, "A": 0.1}},
	{"accountId": "acc-3", "homeBank": "X", "owedAmount": -5, "probabilities": {"A": 0.5}}
]}`

type testEnv struct {
	server *Server
	bus    *bus.ChannelBus
	svc    *assign.Service
}

// createTestServer creates a server over a temp SQLite repository, an LRU
// cache and a channel bus.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	lru := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	svc := assign.NewService(catalog.NewRegistry(repo), engine, repo, lru, eventBus, assign.Config{
		Workers:   2,
		ReportTTL: time.Minute,
	})

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	server := NewServer(cfg, Deps{
		Service: svc,
		Repo:    repo,
		Cache:   lru,
		Bus:     eventBus,
		Version: "test-v1",
	})
	return &testEnv{server: server, bus: eventBus, svc: svc}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantIDHeader, "tenant-001")

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to parse response: %v: %s", err, rr.Body.String())
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := createTestServer(t)

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d: %s", path, rr.Code, rr.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	var resp map[string]string
	decode(t, rr, &resp)
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", resp["status"])
	}
	if resp["version"] != "test-v1" {
		t.Errorf("expected version test-v1, got %s", resp["version"])
	}
	if rr.Header().Get(RequestIDHeader) == "" {
		t.Error("expected request id header")
	}
}

func TestMissingTenantID(t *testing.T) {
	env := createTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/catalog", nil)
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}

	var resp map[string]string
	decode(t, rr, &resp)
	if resp["error"] == "" {
		t.Error("expected error message")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := createTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/assignments", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", TenantIDHeader)
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected wildcard origin, got %q", got)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("NoCatalogYet", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/catalog", "")
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("Replace", func(t *testing.T) {
		rr := env.do(t, http.MethodPut, "/catalog", testCatalogJSON)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp CatalogResponse
		decode(t, rr, &resp)
		if resp.Count != 2 || resp.Banks != 2 {
			t.Errorf("expected 2 channels over 2 banks, got %d/%d", resp.Count, resp.Banks)
		}
		if resp.Channels[0].RoutingClass != domain.RoutingInterbank {
			t.Errorf("expected normalized routing class, got %s", resp.Channels[0].RoutingClass)
		}
		if resp.Channels[1].Fee.Kind != domain.FeeFlat {
			t.Errorf("expected flat fee for B, got %s", resp.Channels[1].Fee.Kind)
		}
	})

	t.Run("GetChannel", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/catalog/B", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var ch domain.Channel
		decode(t, rr, &ch)
		if ch.DisplayName != "Beta" {
			t.Errorf("expected Beta, got %s", ch.DisplayName)
		}

		rr = env.do(t, http.MethodGet, "/catalog/Z", "")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("DuplicateRejected", func(t *testing.T) {
		body := `{"channels": [
			{"channelId": "A", "settlementBank": "X", "routingClass": "INTERBANK"},
			{"channelId": "A", "settlementBank": "Y", "routingClass": "DOMESTIC"}
		]}`
		rr := env.do(t, http.MethodPut, "/catalog", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}

		// Previous catalog kept
		rr = env.do(t, http.MethodGet, "/catalog", "")
		var resp CatalogResponse
		decode(t, rr, &resp)
		if resp.Count != 2 {
			t.Errorf("expected previous catalog, got %d channels", resp.Count)
		}
	})

	t.Run("ImportCSV", func(t *testing.T) {
		csv := "idEmisora,Emisora,Nombre,TipoEnvio,Costo_Hit_Win,Costo_Hit_Miss\n" +
			"A,Alpha,X,INTERBANCARIO,0,0\n" +
			"B,Beta,Y,TRADICIONAL,5,5\n" +
			"C,Gamma,Y,TRADICIONAL,0,3\n"
		rr := env.do(t, http.MethodPost, "/catalog/import", csv)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp CatalogResponse
		decode(t, rr, &resp)
		if resp.Count != 3 {
			t.Errorf("expected 3 channels, got %d", resp.Count)
		}
		if resp.Channels[2].Fee.Kind != domain.FeeFailureOnly {
			t.Errorf("expected failure-only fee for C, got %s", resp.Channels[2].Fee.Kind)
		}
	})

	t.Run("ImportInvalidCSV", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/catalog/import", "channel_id,settlement_bank\nA,X\n")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestAssignEndpoint(t *testing.T) {
	env := createTestServer(t)
	if rr := env.do(t, http.MethodPut, "/catalog", testCatalogJSON); rr.Code != http.StatusOK {
		t.Fatalf("catalog setup failed: %d", rr.Code)
	}

	t.Run("SuccessfulRun", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/assignments", testAccountsJSON)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var rep domain.RunReport
		decode(t, rr, &rep)

		if rep.RunID != "run-001" {
			t.Errorf("expected run-001, got %s", rep.RunID)
		}
		if len(rep.Accounts) != 2 {
			t.Fatalf("expected 2 accounts, got %d", len(rep.Accounts))
		}
		if rep.Accounts[0].SelectedChannel != "A" || rep.Accounts[0].ExpectedValue != 80 {
			t.Errorf("acc-1: expected A with 80, got %s with %v", rep.Accounts[0].SelectedChannel, rep.Accounts[0].ExpectedValue)
		}
		if rep.Accounts[1].SelectedChannel != "B" {
			t.Errorf("acc-2: expected B, got %s", rep.Accounts[1].SelectedChannel)
		}
		if len(rep.Failures) != 1 || rep.Failures[0].AccountID != "acc-3" {
			t.Errorf("expected acc-3 to fail, got %+v", rep.Failures)
		}

		// Probabilities keep the model's order per account
		if rep.Probabilities[2].ChannelID != "B" || rep.Probabilities[3].ChannelID != "A" {
			t.Errorf("probability order lost: %+v", rep.Probabilities)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/assignments", "not-json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NoAccounts", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/assignments", `{"accounts": []}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestRunEndpoints(t *testing.T) {
	env := createTestServer(t)
	env.do(t, http.MethodPut, "/catalog", testCatalogJSON)
	if rr := env.do(t, http.MethodPost, "/assignments", testAccountsJSON); rr.Code != http.StatusOK {
		t.Fatalf("run setup failed: %d: %s", rr.Code, rr.Body.String())
	}

	t.Run("List", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/runs?limit=5", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Runs  []domain.RunInfo `json:"runs"`
			Count int              `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 1 || resp.Runs[0].RunID != "run-001" {
			t.Errorf("unexpected runs: %+v", resp.Runs)
		}

		rr = env.do(t, http.MethodGet, "/runs?limit=abc", "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad limit, got %d", rr.Code)
		}
	})

	t.Run("GetFiltered", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/runs/run-001?bank=Y", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var rep domain.RunReport
		decode(t, rr, &rep)
		if len(rep.Accounts) != 1 || rep.Accounts[0].AccountID != "acc-2" {
			t.Errorf("expected only acc-2, got %+v", rep.Accounts)
		}
		for _, p := range rep.Probabilities {
			if p.AccountID != "acc-2" {
				t.Errorf("unfiltered probability row for %s", p.AccountID)
			}
		}
	})

	t.Run("Summary", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/runs/run-001/summary", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Summary domain.RunSummary `json:"summary"`
		}
		decode(t, rr, &resp)
		if resp.Summary.Accounts != 3 || resp.Summary.Selected != 2 || resp.Summary.Failed != 1 {
			t.Errorf("unexpected summary: %+v", resp.Summary)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/runs/missing", "")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestAssignAsync(t *testing.T) {
	env := createTestServer(t)
	env.do(t, http.MethodPut, "/catalog", testCatalogJSON)

	w := worker.NewWorker(env.bus, env.svc)
	if err := w.Start(worker.Config{}); err != nil {
		t.Fatalf("worker start failed: %v", err)
	}
	defer w.Stop()

	rr := env.do(t, http.MethodPost, "/assignments/async", `{"accounts": [
		{"accountId": "acc-1", "homeBank": "X", "owedAmount": 100, "probabilities": {"A": 0.8}}
	]}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp AsyncResponse
	decode(t, rr, &resp)
	if resp.RunID == "" || resp.Status != "queued" {
		t.Fatalf("unexpected async response: %+v", resp)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rr = env.do(t, http.MethodGet, "/runs/"+resp.RunID, "")
		if rr.Code == http.StatusOK || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("async run never stored, last status %d", rr.Code)
	}

	var rep domain.RunReport
	decode(t, rr, &rep)
	if rep.TenantID != "tenant-001" || rep.Summary.Selected != 1 {
		t.Errorf("unexpected async report: %+v", rep.Summary)
	}
}

func TestExclusionEndpoints(t *testing.T) {
	env := createTestServer(t)
	env.do(t, http.MethodPut, "/catalog", testCatalogJSON)

	t.Run("InvalidExpression", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/exclusions", `{"name": "bad", "expression": "((("}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingFields", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/exclusions", `{"name": "no-expr"}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CreateAppliesToRuns", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/exclusions", `{"id": "no-alpha", "name": "No alpha", "expression": "channel_id == \"A\""}`)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = env.do(t, http.MethodPost, "/assignments", `{"accounts": [
			{"accountId": "acc-1", "homeBank": "X", "owedAmount": 100, "probabilities": {"A": 0.8, "B": 0.9}}
		]}`)
		var rep domain.RunReport
		decode(t, rr, &rep)
		if rep.Accounts[0].Outcome != domain.OutcomeNoEligibleChannel {
			t.Errorf("expected no eligible channel once A is excluded, got %s", rep.Accounts[0].Outcome)
		}
		if rep.Metadata.ExclusionRules != 1 {
			t.Errorf("expected 1 exclusion rule in metadata, got %d", rep.Metadata.ExclusionRules)
		}
	})

	t.Run("ListIncludesDisabled", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/exclusions", `{"id": "off", "name": "Off", "expression": "true", "enabled": false}`)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", rr.Code)
		}

		rr = env.do(t, http.MethodGet, "/exclusions", "")
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 2 {
			t.Errorf("expected 2 stored rules, got %d", resp.Count)
		}

		rr = env.do(t, http.MethodPost, "/exclusions/reload", "")
		var reload struct {
			Count int `json:"count"`
		}
		decode(t, rr, &reload)
		if reload.Count != 1 {
			t.Errorf("expected 1 enabled rule after reload, got %d", reload.Count)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		rr := env.do(t, http.MethodDelete, "/exclusions/no-alpha", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = env.do(t, http.MethodDelete, "/exclusions/no-alpha", "")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 on second delete, got %d", rr.Code)
		}

		rr = env.do(t, http.MethodPost, "/assignments", `{"accounts": [
			{"accountId": "acc-1", "homeBank": "X", "owedAmount": 100, "probabilities": {"A": 0.8}}
		]}`)
		var rep domain.RunReport
		decode(t, rr, &rep)
		if rep.Accounts[0].SelectedChannel != "A" {
			t.Errorf("expected A after deleting the rule, got %q", rep.Accounts[0].SelectedChannel)
		}
	})
}
