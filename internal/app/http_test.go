package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"prospect/api/internal/store"
)

func newTestServer(fs *fakeStore) *HTTPServer {
	return NewHTTPServer(newTestService(fs), "*")
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func loginToken(t *testing.T, server *HTTPServer) string {
	t.Helper()
	recorder := doRequest(t, server, http.MethodPost, "/api/session/login", "", `{"name":"Avery"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatal("login response missing token")
	}
	return token
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(&fakeStore{})
	recorder := doRequest(t, server, http.MethodGet, "/api/health", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("health status = %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `"ok":true`) {
		t.Errorf("unexpected health body %s", recorder.Body.String())
	}
}

func TestReadyReportsDatabaseFailure(t *testing.T) {
	fs := &fakeStore{
		pingFn: func(context.Context) error {
			return errors.New("connection refused")
		},
	}
	server := newTestServer(fs)

	recorder := doRequest(t, server, http.MethodGet, "/api/ready", "", "")
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready status = %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "not_ready") {
		t.Errorf("unexpected ready body %s", recorder.Body.String())
	}
}

func TestProposalsRequireAuth(t *testing.T) {
	server := newTestServer(&fakeStore{})
	recorder := doRequest(t, server, http.MethodGet, "/api/proposals", "", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	recorder = doRequest(t, server, http.MethodGet, "/api/proposals", "bogus.token", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", recorder.Code)
	}
}

func TestCreateAndGetProposalOverHTTP(t *testing.T) {
	proposals := map[string]store.Proposal{}
	fs := &fakeStore{
		createProposalFn: func(_ context.Context, params store.CreateProposalParams) (store.Proposal, error) {
			p := store.Proposal{
				ID:           "prp-1",
				ClientName:   params.ClientName,
				ProjectName:  params.ProjectName,
				Status:       store.StatusDraft,
				CurrentPhase: store.PhaseExploratory,
			}
			proposals[p.ID] = p
			return p, nil
		},
		getProposalFn: func(_ context.Context, proposalID string) (store.Proposal, error) {
			p, ok := proposals[proposalID]
			if !ok {
				return store.Proposal{}, sql.ErrNoRows
			}
			return p, nil
		},
	}
	server := newTestServer(fs)
	token := loginToken(t, server)

	recorder := doRequest(t, server, http.MethodPost, "/api/proposals", token,
		`{"clientName":"Acme","projectName":"Data Warehouse"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", recorder.Code, recorder.Body.String())
	}

	recorder = doRequest(t, server, http.MethodGet, "/api/proposals/prp-1", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("get status = %d", recorder.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode proposal: %v", err)
	}
	if payload["projectName"] != "Data Warehouse" {
		t.Errorf("unexpected payload %v", payload)
	}

	recorder = doRequest(t, server, http.MethodGet, "/api/proposals/prp-404", token, "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown proposal, got %d", recorder.Code)
	}
}

func TestPortalDoesNotRequireAuth(t *testing.T) {
	fs := &fakeStore{
		getShareByTokenFn: func(_ context.Context, token string) (store.ProposalShare, error) {
			return store.ProposalShare{ID: "shr-1", ProposalID: "prp-1", ShareToken: token, IsActive: true, PermissionLevel: store.PermissionViewOnly}, nil
		},
		getProposalFn: func(_ context.Context, proposalID string) (store.Proposal, error) {
			return store.Proposal{ID: proposalID, ProjectName: "Portal", ClientName: "Acme", Status: store.StatusSent}, nil
		},
	}
	server := newTestServer(fs)

	recorder := doRequest(t, server, http.MethodGet, "/api/portal/tok-1", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("portal status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	if !strings.Contains(recorder.Body.String(), "Portal") {
		t.Errorf("unexpected portal body %s", recorder.Body.String())
	}
}

func TestAdvancePhaseConflictOverHTTP(t *testing.T) {
	fs := &fakeStore{
		advancePhaseFn: func(_ context.Context, _, _ string, _ store.Actor) (store.ProjectTracker, error) {
			return store.ProjectTracker{}, store.ErrFinalPhase
		},
	}
	server := newTestServer(fs)
	token := loginToken(t, server)

	recorder := doRequest(t, server, http.MethodPost, "/api/proposals/prp-1/advance-phase", token, "")
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "CONFLICT") {
		t.Errorf("unexpected body %s", recorder.Body.String())
	}
}

func TestExportStreamsAttachment(t *testing.T) {
	server := newTestServer(&fakeStore{
		getProposalFn: func(_ context.Context, proposalID string) (store.Proposal, error) {
			return store.Proposal{ID: proposalID, ProjectName: "Mobile App", ClientName: "Acme", Status: store.StatusApproved}, nil
		},
		currentVersionFn: func(_ context.Context, proposalID string) (store.ProposalVersion, error) {
			return store.ProposalVersion{ProposalID: proposalID, VersionNumber: 1, Content: "<p>Body</p>"}, nil
		},
	})
	token := loginToken(t, server)

	recorder := doRequest(t, server, http.MethodPost, "/api/proposals/prp-1/export/html", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("export status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	if got := recorder.Header().Get("Content-Disposition"); !strings.Contains(got, "Mobile-App.html") {
		t.Errorf("unexpected disposition %q", got)
	}
	if got := recorder.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/html") {
		t.Errorf("unexpected content type %q", got)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	server := newTestServer(&fakeStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)

	if got := recorder.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Errorf("expected request id echoed, got %q", got)
	}
}
