package content

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text", "hello world", "hello world"},
		{"script stripped", `<script>alert(1)</script>hi`, "hi"},
		{"keeps basic formatting", "<b>bold</b>", "<b>bold</b>"},
		{"onclick stripped", `<a href="https://example.com" onclick="x()">link</a>`, `<a href="https://example.com" rel="nofollow">link</a>`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Sanitize(tc.input); got != tc.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestRenderMarkdown(t *testing.T) {
	html, err := RenderMarkdown("hello **bob**")
	if err != nil {
		t.Fatalf("RenderMarkdown failed: %v", err)
	}
	if !strings.Contains(html, "<strong>bob</strong>") {
		t.Errorf("expected bold rendering, got %q", html)
	}

	// Raw HTML in the source must not survive rendering.
	html, err = RenderMarkdown(`<script>alert(1)</script>hi`)
	if err != nil {
		t.Fatalf("RenderMarkdown failed: %v", err)
	}
	if strings.Contains(html, "<script>") {
		t.Errorf("script tag survived sanitization: %q", html)
	}
}

func TestValidateUserName(t *testing.T) {
	valid := []string{"alice", "bob.smith", "user_1", "x-y"}
	for _, u := range valid {
		if err := ValidateUserName(u); err != nil {
			t.Errorf("ValidateUserName(%q) unexpected error: %v", u, err)
		}
	}

	invalid := []string{"", "alice bob", "eve!", "<img>"}
	for _, u := range invalid {
		if err := ValidateUserName(u); err == nil {
			t.Errorf("ValidateUserName(%q) expected error", u)
		}
	}
}
