package ddg

import (
	"testing"
)

const sampleHTML = `
<html><body>
<div class="result">
  <a class="result__a" href="https://duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fone&rut=abc">First Result</a>
</div>
<div class="result">
  <a class="result__a" href="https://example.org/two">Second Result</a>
</div>
<div class="result">
  <a class="result__a" href=""></a>
</div>
</body></html>`

func TestParseResults(t *testing.T) {
	organic, text, err := parseResults([]byte(sampleHTML))
	if err != nil {
		t.Fatalf("parseResults: %v", err)
	}
	if len(organic) != 2 {
		t.Fatalf("organic = %d, want 2 (empty entries skipped)", len(organic))
	}
	if organic[0].URL != "https://example.com/one" {
		t.Errorf("redirect not unwrapped: %s", organic[0].URL)
	}
	if organic[0].Rank != 1 || organic[1].Rank != 2 {
		t.Errorf("ranks = %d, %d", organic[0].Rank, organic[1].Rank)
	}
	if organic[1].Title != "Second Result" {
		t.Errorf("title = %q", organic[1].Title)
	}
	if text == "" {
		t.Error("text rendering is empty")
	}
}

func TestParseResultsEmptyPage(t *testing.T) {
	organic, _, err := parseResults([]byte("<html><body></body></html>"))
	if err != nil {
		t.Fatalf("parseResults: %v", err)
	}
	if len(organic) != 0 {
		t.Errorf("organic = %d, want 0", len(organic))
	}
}

func TestResolveRedirect(t *testing.T) {
	tests := []struct {
		name string
		href string
		want string
	}{
		{"uddg link", "//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fpage", "https://example.com/page"},
		{"plain link", "https://example.org/direct", "https://example.org/direct"},
		{"unparseable", "://broken", "://broken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveRedirect(tt.href); got != tt.want {
				t.Errorf("resolveRedirect(%q) = %q, want %q", tt.href, got, tt.want)
			}
		})
	}
}
