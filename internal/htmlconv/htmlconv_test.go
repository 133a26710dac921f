package htmlconv

import (
	"strings"
	"testing"
)

func TestIsHTML(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"doctype", "<!DOCTYPE html><html><body>x</body></html>", true},
		{"many tags", "<p>a</p><p>b</p><span>c</span>", true},
		{"structure with two tags", "<div>only</div> text <b>x", true},
		{"plain text", "The sum is 43.", false},
		{"single tag", "use the <b> tag", false},
		{"json", `{"status": "ok"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsHTML(tt.input); got != tt.want {
				t.Errorf("IsHTML(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestToMarkdownKeepsMainContent(t *testing.T) {
	page := `<!DOCTYPE html>
<html><head><title>Docs</title><script>track()</script></head>
<body>
<nav><a href="/">Home</a></nav>
<main><h1>Rate limits</h1><p>At most <strong>10</strong> requests per second.</p></main>
<footer>Copyright</footer>
</body></html>`

	md, err := ToMarkdown(page)
	if err != nil {
		t.Fatalf("ToMarkdown: %v", err)
	}
	if !strings.Contains(md, "# Rate limits") {
		t.Errorf("expected heading, got %q", md)
	}
	if !strings.Contains(md, "**10**") {
		t.Errorf("expected bold text, got %q", md)
	}
	for _, unwanted := range []string{"track()", "Home", "Copyright"} {
		if strings.Contains(md, unwanted) {
			t.Errorf("expected %q to be dropped, got %q", unwanted, md)
		}
	}
}

func TestToMarkdownUsesContentHint(t *testing.T) {
	page := `<html><body><div class="sidebar">links</div><div id="page-content"><p>Payload</p></div></body></html>`

	md, err := ToMarkdown(page)
	if err != nil {
		t.Fatalf("ToMarkdown: %v", err)
	}
	if strings.TrimSpace(md) != "Payload" {
		t.Errorf("expected only the hinted content, got %q", md)
	}
}

func TestConvert(t *testing.T) {
	if out, ok := Convert("plain answer"); ok || out != "plain answer" {
		t.Errorf("plain text must pass through, got %q (%v)", out, ok)
	}
	out, ok := Convert("<ul><li>one</li><li>two</li></ul>")
	if !ok {
		t.Fatal("expected conversion")
	}
	if !strings.Contains(out, "- one") || !strings.Contains(out, "- two") {
		t.Errorf("expected list items, got %q", out)
	}
}
