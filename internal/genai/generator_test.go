package genai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateLocalFallbackIsDeterministic(t *testing.T) {
	g := New("", "")
	req := Request{
		ClientName:  "Northwind Traders",
		ProjectName: "Platform Rebuild",
		Phase:       "discovery",
		Summary:     "Modernize the order platform.",
		Requirements: map[string]any{
			"features": []string{"We need real-time order tracking"},
			"budget":   "Budget is around $120k",
		},
	}

	first, err := g.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	second, err := g.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if first != second {
		t.Error("local composer should be deterministic")
	}

	if !strings.Contains(first, "Platform Rebuild") {
		t.Error("content missing project name")
	}
	if !strings.Contains(first, "Northwind Traders") {
		t.Error("content missing client name")
	}
	if !strings.Contains(first, `id="block-executive-summary"`) {
		t.Error("content missing executive summary block")
	}
	if !strings.Contains(first, "real-time order tracking") {
		t.Error("content missing extracted feature")
	}
	if !strings.Contains(first, "$120k") {
		t.Error("content missing budget section")
	}
}

func TestGenerateEscapesClientInput(t *testing.T) {
	g := New("", "")
	content, err := g.Generate(context.Background(), Request{
		ClientName:  "<script>alert(1)</script>",
		ProjectName: "Safe Project",
		Phase:       "exploratory",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if strings.Contains(content, "<script>") {
		t.Error("client name must be HTML-escaped")
	}
}

func TestGenerateUsesRemoteWhenConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"content": "<p>remote content</p>"})
	}))
	defer srv.Close()

	g := New(srv.URL, "test-key")
	content, err := g.Generate(context.Background(), Request{ClientName: "Acme", ProjectName: "X", Phase: "discovery"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if content != "<p>remote content</p>" {
		t.Errorf("expected remote content, got %q", content)
	}
}

func TestGenerateFallsBackOnRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := New(srv.URL, "")
	content, err := g.Generate(context.Background(), Request{ClientName: "Acme", ProjectName: "X", Phase: "discovery"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.Contains(content, "Acme") {
		t.Error("expected local fallback content")
	}
}

func TestExtractRequirementsLocal(t *testing.T) {
	g := New("", "")
	transcript := `We need a customer portal with self-service billing.
The team also wants mobile support. Our budget is about $80k.
We have a hard deadline in 6 months.`

	reqs, err := g.ExtractRequirements(context.Background(), transcript)
	if err != nil {
		t.Fatalf("ExtractRequirements() error = %v", err)
	}

	features, ok := reqs["features"].([]string)
	if !ok || len(features) < 2 {
		t.Fatalf("expected at least two features, got %v", reqs["features"])
	}
	if budget, _ := reqs["budget"].(string); !strings.Contains(budget, "$80k") {
		t.Errorf("expected budget captured, got %v", reqs["budget"])
	}
	if timeline, _ := reqs["timeline"].(string); !strings.Contains(timeline, "6 months") {
		t.Errorf("expected timeline captured, got %v", reqs["timeline"])
	}
}

func TestExtractRequirementsEmptyTranscript(t *testing.T) {
	g := New("", "")
	reqs, err := g.ExtractRequirements(context.Background(), "")
	if err != nil {
		t.Fatalf("ExtractRequirements() error = %v", err)
	}
	if len(reqs) != 0 {
		t.Errorf("expected empty requirements, got %v", reqs)
	}
}
