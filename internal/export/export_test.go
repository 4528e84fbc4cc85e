package export

import (
	"strings"
	"testing"
	"time"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"My Proposal v1.2", "My-Proposal-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "proposal"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},       // Spaces encoded as %20, not +
		{"test+sign", "test%2Bsign"},           // + signs are encoded
		{"special<>", "special%3C%3E"},         // Special chars encoded
		{"normal-text.txt", "normal-text.txt"}, // Unreserved chars pass through
		{"", ""},                               // Empty string
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRenderProposalHTML(t *testing.T) {
	data := TemplateData{
		ProjectName:   "Platform Rebuild",
		ClientName:    "Northwind Traders",
		Summary:       "Modernize the order platform",
		ContentHTML:   "<p>This is the content.</p>",
		Phase:         "discovery",
		Status:        "in_review",
		VersionNumber: 3,
		Author:        "Avery",
		UpdatedAt:     time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
	}

	html, err := RenderProposalHTML(data)
	if err != nil {
		t.Fatalf("RenderProposalHTML() error = %v", err)
	}

	if !strings.Contains(html, "Platform Rebuild") {
		t.Error("HTML missing project name")
	}
	if !strings.Contains(html, "Northwind Traders") {
		t.Error("HTML missing client name")
	}
	if !strings.Contains(html, "Modernize the order platform") {
		t.Error("HTML missing summary")
	}
	if !strings.Contains(html, "Version 3") {
		t.Error("HTML missing version number")
	}

	// Content must be rendered as raw HTML, not escaped.
	if strings.Contains(html, "&lt;p&gt;") {
		t.Error("HTML content was escaped - should be rendered as raw HTML")
	}
	if !strings.Contains(html, "<p>This is the content.</p>") {
		t.Error("HTML content should contain unescaped <p> tags")
	}
}

func TestExportHTML(t *testing.T) {
	svc := NewService()
	result, err := svc.Export(Document{
		ProposalID:    "prop-1",
		ProjectName:   "Data Warehouse",
		ClientName:    "Contoso",
		ContentHTML:   "<h2>Scope</h2><p>Initial build.</p>",
		Phase:         "exploratory",
		Status:        "draft",
		VersionNumber: 1,
		UpdatedAt:     time.Now(),
	}, FormatHTML)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.MimeType != "text/html; charset=utf-8" {
		t.Errorf("unexpected mime type %q", result.MimeType)
	}
	if result.Filename != "Data-Warehouse.html" {
		t.Errorf("unexpected filename %q", result.Filename)
	}
	if !strings.Contains(string(result.Data), "Initial build.") {
		t.Error("rendered HTML missing content")
	}
}

func TestExportMarkdown(t *testing.T) {
	svc := NewService()
	result, err := svc.Export(Document{
		ProposalID:    "prop-2",
		ProjectName:   "Mobile App",
		ClientName:    "Fabrikam",
		ContentHTML:   "<h2>Approach</h2><p>Iterative delivery with <strong>weekly</strong> demos.</p>",
		Phase:         "development",
		Status:        "approved",
		VersionNumber: 2,
		UpdatedAt:     time.Now(),
	}, FormatMarkdown)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	markdown := string(result.Data)
	if !strings.Contains(markdown, "## Approach") {
		t.Errorf("markdown missing heading, got:\n%s", markdown)
	}
	if !strings.Contains(markdown, "**weekly**") {
		t.Errorf("markdown missing bold text, got:\n%s", markdown)
	}
	if result.Filename != "Mobile-App.md" {
		t.Errorf("unexpected filename %q", result.Filename)
	}
}

func TestParseFormat(t *testing.T) {
	for _, valid := range []string{"html", "pdf", "docx", "markdown"} {
		if _, ok := ParseFormat(valid); !ok {
			t.Errorf("ParseFormat(%q) should succeed", valid)
		}
	}
	if _, ok := ParseFormat("xlsx"); ok {
		t.Error("ParseFormat(\"xlsx\") should fail")
	}
}
