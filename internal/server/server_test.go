package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"assessline/internal/ai"
	"assessline/internal/catalog"
	"assessline/internal/config"
	"assessline/internal/db"
	"assessline/internal/domain"
	"assessline/internal/engine"
	"assessline/internal/migrate"
)

const catalogYAML = `unit_code: BSBWHS521
requirements:
  - {category: knowledge evidence, number: "1", text: "hazard identification methods"}
  - {category: knowledge evidence, number: "2", text: "consultation requirements"}
`

type stubProvider struct{}

func (stubProvider) Generate(ctx context.Context, req ai.GenerateRequest) (ai.GenerateResponse, error) {
	return ai.GenerateResponse{Text: `{"status":"met","reasoning":"covered in section 2","smart_questions":[{"question":"q","benchmark_answer":"a"}]}`}, nil
}

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := catalog.Import(context.Background(), conn, []byte(catalogYAML)); err != nil {
		t.Fatalf("import catalog: %v", err)
	}
	quiet := log.New(io.Discard, "", 0)
	cfg := config.Default()
	cfg.AI.GenerateQuestions = false
	client := ai.NewClient(stubProvider{}, *cfg, quiet)
	e := engine.New(conn, cfg, client, nil, quiet)
	auth.Logger = quiet
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: auth})
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
		client: &http.Client{Timeout: 10 * time.Second},
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
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
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

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

func TestSessionLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/sessions", map[string]any{
		"org_code": "RTO-1", "unit_code": "BSBWHS521",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start session %d: %s", res.StatusCode, string(data))
	}
	session := decode[SessionResponse](t, data)
	if session.Status != domain.SessionPending || session.RequirementTotal != 2 {
		t.Fatalf("unexpected session %+v", session)
	}
	base := srv.URL + "/v1/sessions/" + session.ID

	var docs []domain.Document
	for _, name := range []string{"workbook.pdf", "observation.pdf"} {
		res, data := doJSON(t, client, http.MethodPost, base+"/documents", map[string]any{
			"name": name, "storage_ref": "https://files.example.com/" + name,
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("register %s: %d %s", name, res.StatusCode, string(data))
		}
		docs = append(docs, decode[domain.Document](t, data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/trigger", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("trigger %d: %s", res.StatusCode, string(data))
	}
	early := decode[TriggerResponse](t, data)
	if early.Triggered || early.Reason == nil {
		t.Fatalf("trigger before indexing should be refused: %+v", early)
	}

	for _, d := range docs {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/documents/"+d.ID+"/indexing-status", map[string]any{"status": "completed"}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("callback %d: %s", res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	status := decode[SessionStatusResponse](t, data)
	if status.Status != domain.SessionValidatingInBackground || !status.Ready || status.Total != 2 {
		t.Fatalf("unexpected status %+v", status)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/outcomes/KE/1/revalidate", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revalidate %d: %s", res.StatusCode, string(data))
	}
	out := decode[domain.Outcome](t, data)
	if out.Status != domain.OutcomeMet || out.Category != domain.CategoryKnowledgeEvidence {
		t.Fatalf("unexpected outcome %+v", out)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/outcomes", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("outcomes %d: %s", res.StatusCode, string(data))
	}
	if list := decode[OutcomeList](t, data); len(list.Items) != 1 {
		t.Fatalf("expected one outcome, got %d", len(list.Items))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/triggers", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("triggers %d: %s", res.StatusCode, string(data))
	}
	triggers := decode[TriggerLogList](t, data)
	if len(triggers.Items) != 2 || !triggers.Items[1].Succeeded || triggers.Items[1].Source != domain.TriggerAuto {
		t.Fatalf("unexpected trigger log %+v", triggers.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=session.ready&session_id="+session.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events %d: %s", res.StatusCode, string(data))
	}
	if evts := decode[EventList](t, data); len(evts.Items) != 1 || evts.Items[0].Payload["source"] != "auto" {
		t.Fatalf("unexpected events %+v", evts.Items)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/sessions/missing/status", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "not_found" {
		t.Fatalf("unexpected envelope %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/sessions", map[string]any{"org_code": "", "unit_code": "X"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/sessions", map[string]any{"org_code": "RTO-1", "unit_code": "BSBWHS521"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start %d: %s", res.StatusCode, string(data))
	}
	session := decode[SessionResponse](t, data)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/sessions/"+session.ID+"/outcomes/KE/1/revalidate", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for pending session, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/sessions/"+session.ID+"/run", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 without runner, got %d %s", res.StatusCode, string(data))
	}
}

func TestAuthScopes(t *testing.T) {
	const secret = "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/sessions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/sessions", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}

	indexerToken, err := SignToken(secret, "indexer", []string{ScopeIndexer}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/sessions", map[string]any{"org_code": "RTO-1", "unit_code": "BSBWHS521"},
		map[string]string{"Authorization": "Bearer " + indexerToken})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for indexer token, got %d %s", res.StatusCode, string(data))
	}

	serviceToken, err := SignToken(secret, "portal", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/sessions", map[string]any{"org_code": "RTO-1", "unit_code": "BSBWHS521"},
		map[string]string{"Authorization": "Bearer " + serviceToken})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", res.StatusCode, string(data))
	}
}
