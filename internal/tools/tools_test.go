package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/codefionn/reflexion/internal/step"
)

type stubTool struct {
	name   string
	params map[string]interface{}
	exec   func(ctx context.Context, params map[string]interface{}) *ToolResult
}

func (s *stubTool) Name() string                       { return s.name }
func (s *stubTool) Description() string                { return "stub " + s.name }
func (s *stubTool) Parameters() map[string]interface{} { return s.params }
func (s *stubTool) Execute(ctx context.Context, params map[string]interface{}) *ToolResult {
	if s.exec == nil {
		return Success("ok")
	}
	return s.exec(ctx, params)
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{name: "echo"}, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := r.Register(&stubTool{name: "echo"}, "")
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("expected ErrDuplicateTool, got %v", err)
	}
	if err := r.Register(&stubTool{name: "  "}, ""); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestRegistry_NamesAndCategories(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	r.MustRegister(&stubTool{name: "echo"}, "")

	names := r.Names()
	want := []string{"calculator", "echo", "json_query", "text"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, names)
	}

	cats := r.Categories()
	if got := cats["general"]; len(got) != 1 || got[0] != "echo" {
		t.Errorf("expected echo in general category, got %v", got)
	}
	if got := cats["math"]; len(got) != 1 || got[0] != ToolNameCalculator {
		t.Errorf("expected calculator in math category, got %v", got)
	}

	if _, ok := r.Get("calculator"); !ok {
		t.Error("expected calculator to be registered")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("expected missing tool lookup to fail")
	}
}

func TestRegistry_DescribeAndSchema(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	desc := r.Describe()
	if !strings.Contains(desc, "- calculator:") {
		t.Errorf("description should list calculator, got:\n%s", desc)
	}
	if !strings.Contains(desc, "op (string, required)") {
		t.Errorf("description should mark required params, got:\n%s", desc)
	}

	schemas := r.ToJSONSchema()
	if len(schemas) != 3 {
		t.Fatalf("expected 3 schemas, got %d", len(schemas))
	}
	fn, ok := schemas[0]["function"].(map[string]interface{})
	if !ok || fn["name"] != ToolNameCalculator {
		t.Errorf("expected calculator first, got %v", schemas[0])
	}
}

func TestRegistry_Suggest(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"calculater", "calculator", true},
		{"Calculator", "calculator", true},
		{"txt", "text", true},
		{"weather_forecast", "", false},
	}
	for _, tt := range tests {
		got, ok := r.Suggest(tt.input)
		if ok != tt.ok {
			t.Errorf("Suggest(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("Suggest(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}

	if _, ok := NewRegistry().Suggest("anything"); ok {
		t.Error("empty registry should not suggest")
	}
}

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"text", "text", 0},
		{"flaw", "lawn", 2},
	}
	for _, tt := range tests {
		if got := levenshteinDistance(tt.a, tt.b); got != tt.want {
			t.Errorf("levenshteinDistance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg  string
		want step.ErrorKind
	}{
		{"operation timeout", step.KindTimeout},
		{"context deadline exceeded", step.KindTimeout},
		{"open /etc/shadow: permission denied", step.KindPermission},
		{"missing required parameter a", step.KindParameter},
		{"failed to parse JSON", step.KindParameter},
		{"dial tcp: connection refused", step.KindEnvironment},
		{"something exploded", step.KindTool},
	}
	for _, tt := range tests {
		if got := classifyError(tt.msg); got != tt.want {
			t.Errorf("classifyError(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}
