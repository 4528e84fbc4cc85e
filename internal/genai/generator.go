// Package genai turns discovery-call transcripts into proposal content. It
// talks to an external generation API when one is configured and falls back
// to a deterministic local composer when it is not, so proposal flows never
// block on the remote service.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log"
	"net/http"
	"strings"
	"time"
)

// Request describes what to generate content for.
type Request struct {
	ClientName   string         `json:"client_name"`
	ProjectName  string         `json:"project_name"`
	Phase        string         `json:"phase"`
	Summary      string         `json:"summary"`
	Requirements map[string]any `json:"requirements"`
}

// Generator produces proposal content.
type Generator struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates a generator. An empty baseURL selects the local composer only.
func New(baseURL, apiKey string) *Generator {
	return &Generator{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Generate returns proposal body HTML for the request. Remote failures fall
// back to the local composer.
func (g *Generator) Generate(ctx context.Context, req Request) (string, error) {
	if g.baseURL == "" {
		return composeLocal(req), nil
	}

	content, err := g.remoteGenerate(ctx, req)
	if err != nil {
		log.Printf("genai: remote generation failed, using local composer: %v", err)
		return composeLocal(req), nil
	}
	return content, nil
}

func (g *Generator) remoteGenerate(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call generation api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generation api status %d", resp.StatusCode)
	}

	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode generation response: %w", err)
	}
	if strings.TrimSpace(payload.Content) == "" {
		return "", fmt.Errorf("generation api returned empty content")
	}
	return payload.Content, nil
}

// ExtractRequirements pulls structured requirements out of a transcript. The
// local path is a keyword scan; good enough to seed a draft the consultant
// then edits.
func (g *Generator) ExtractRequirements(ctx context.Context, transcript string) (map[string]any, error) {
	if g.baseURL == "" {
		return extractLocal(transcript), nil
	}

	body, err := json.Marshal(map[string]string{"transcript": transcript})
	if err != nil {
		return nil, fmt.Errorf("marshal transcript: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		log.Printf("genai: remote extraction failed, using local scan: %v", err)
		return extractLocal(transcript), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("genai: extraction api status %d, using local scan", resp.StatusCode)
		return extractLocal(transcript), nil
	}

	var payload struct {
		Requirements map[string]any `json:"requirements"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || len(payload.Requirements) == 0 {
		return extractLocal(transcript), nil
	}
	return payload.Requirements, nil
}

var needMarkers = []string{"need", "want", "must", "require", "should", "looking for"}

func extractLocal(transcript string) map[string]any {
	features := []string{}
	budget := ""
	timeline := ""

	for _, line := range strings.Split(transcript, "\n") {
		for _, sentence := range strings.Split(line, ".") {
			trimmed := strings.TrimSpace(sentence)
			if trimmed == "" {
				continue
			}
			lower := strings.ToLower(trimmed)

			if budget == "" && (strings.Contains(lower, "budget") || strings.Contains(trimmed, "$")) {
				budget = trimmed
			}
			if timeline == "" && (strings.Contains(lower, "deadline") || strings.Contains(lower, "week") ||
				strings.Contains(lower, "month") || strings.Contains(lower, "timeline")) {
				timeline = trimmed
			}
			for _, marker := range needMarkers {
				if strings.Contains(lower, marker) {
					features = append(features, trimmed)
					break
				}
			}
		}
	}

	reqs := map[string]any{}
	if len(features) > 0 {
		reqs["features"] = features
	}
	if budget != "" {
		reqs["budget"] = budget
	}
	if timeline != "" {
		reqs["timeline"] = timeline
	}
	return reqs
}

var phaseFocus = map[string]string{
	"exploratory": "validating the opportunity and confirming scope with stakeholders",
	"discovery":   "detailing requirements and shaping the solution architecture",
	"development": "building, integrating, and testing the agreed solution",
	"deployment":  "rolling out to production and handing over to your team",
}

// composeLocal builds deterministic proposal HTML from the request. Sections
// use the block wrapper the editor understands.
func composeLocal(req Request) string {
	var b strings.Builder

	client := html.EscapeString(req.ClientName)
	project := html.EscapeString(req.ProjectName)

	b.WriteString(`<section class="proposal-block" id="block-executive-summary">`)
	b.WriteString("<h2>Executive Summary</h2>")
	fmt.Fprintf(&b, "<p>This proposal outlines how we will deliver %s for %s.", project, client)
	if req.Summary != "" {
		fmt.Fprintf(&b, " %s", html.EscapeString(req.Summary))
	}
	b.WriteString("</p></section>")

	if features, ok := req.Requirements["features"].([]string); ok && len(features) > 0 {
		b.WriteString(`<section class="proposal-block" id="block-requirements">`)
		b.WriteString("<h2>What We Heard</h2><ul>")
		for _, f := range features {
			fmt.Fprintf(&b, "<li>%s</li>", html.EscapeString(f))
		}
		b.WriteString("</ul></section>")
	} else if features, ok := req.Requirements["features"].([]any); ok && len(features) > 0 {
		b.WriteString(`<section class="proposal-block" id="block-requirements">`)
		b.WriteString("<h2>What We Heard</h2><ul>")
		for _, f := range features {
			if s, ok := f.(string); ok {
				fmt.Fprintf(&b, "<li>%s</li>", html.EscapeString(s))
			}
		}
		b.WriteString("</ul></section>")
	}

	focus := phaseFocus[req.Phase]
	if focus == "" {
		focus = phaseFocus["exploratory"]
	}
	b.WriteString(`<section class="proposal-block" id="block-approach">`)
	b.WriteString("<h2>Our Approach</h2>")
	fmt.Fprintf(&b, "<p>The current engagement focuses on %s. We work in short iterations with a weekly checkpoint so you always see where the project stands.</p>", focus)
	b.WriteString("</section>")

	if timeline, ok := req.Requirements["timeline"].(string); ok && timeline != "" {
		b.WriteString(`<section class="proposal-block" id="block-timeline">`)
		b.WriteString("<h2>Timeline</h2>")
		fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(timeline))
		b.WriteString("</section>")
	}
	if budget, ok := req.Requirements["budget"].(string); ok && budget != "" {
		b.WriteString(`<section class="proposal-block" id="block-investment">`)
		b.WriteString("<h2>Investment</h2>")
		fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(budget))
		b.WriteString("</section>")
	}

	b.WriteString(`<section class="proposal-block" id="block-next-steps">`)
	b.WriteString("<h2>Next Steps</h2>")
	fmt.Fprintf(&b, "<p>Once approved, we schedule a kickoff with the %s team and confirm the delivery plan for the %s phase.</p>", client, html.EscapeString(req.Phase))
	b.WriteString("</section>")

	return b.String()
}
