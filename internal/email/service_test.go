package email

import (
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestRenderShareNotificationTemplate(t *testing.T) {
	data := ShareNotificationData{
		AppName:         "Prospect",
		RecipientName:   "Jordan",
		SharedBy:        "Avery",
		ProjectName:     "Platform Rebuild",
		ClientName:      "Northwind Traders",
		PermissionLevel: "view_only",
		ShareURL:        "https://example.com/portal/tok-abc123",
		ExpiresNote:     "This link expires in 7 days.",
	}

	html, err := renderTemplate(shareNotificationTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Prospect") {
		t.Error("template should contain app name")
	}
	if !strings.Contains(html, "Jordan") {
		t.Error("template should contain recipient name")
	}
	if !strings.Contains(html, "Platform Rebuild") {
		t.Error("template should contain project name")
	}
	if !strings.Contains(html, "https://example.com/portal/tok-abc123") {
		t.Error("template should contain share URL")
	}
	if !strings.Contains(html, "This link expires in 7 days.") {
		t.Error("template should contain expiry note")
	}
}
