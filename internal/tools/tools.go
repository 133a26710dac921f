// Package tools holds the tool registry, the dispatcher that turns tool calls
// into observations, and the built-in tools.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/reflexion/internal/step"
)

// ErrDuplicateTool is returned when a tool name is registered twice.
var ErrDuplicateTool = errors.New("tool already registered")

// ToolSpec represents the static specification of a tool (name, description, parameters).
// Parameters is a JSON schema object describing the tool input.
type ToolSpec interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
}

// ToolExecutor handles the actual execution of a tool.
type ToolExecutor interface {
	Execute(ctx context.Context, params map[string]interface{}) *ToolResult
}

// Tool combines ToolSpec and ToolExecutor.
type Tool interface {
	ToolSpec
	ToolExecutor
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Result interface{} `json:"result"`
	Error  string      `json:"error,omitempty"`
	// Kind classifies Error; empty means classify from the message
	Kind step.ErrorKind `json:"error_kind,omitempty"`

	ExecutionMetadata *ExecutionMetadata `json:"execution_metadata,omitempty"`
}

// ExecutionMetadata captures detailed information about tool execution
type ExecutionMetadata struct {
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`

	ToolType string                 `json:"tool_type,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Error classification
	ErrorType string `json:"error_type,omitempty"`
}

// Success wraps a tool result value.
func Success(result interface{}) *ToolResult {
	return &ToolResult{Result: result}
}

// Failure builds a failed result of the given kind.
func Failure(kind step.ErrorKind, format string, args ...interface{}) *ToolResult {
	return &ToolResult{Error: fmt.Sprintf(format, args...), Kind: kind}
}

// classifyError maps a tool error message to an error kind.
func classifyError(msg string) step.ErrorKind {
	s := strings.ToLower(msg)

	switch {
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline"):
		return step.KindTimeout
	case strings.Contains(s, "permission denied") || strings.Contains(s, "access denied") || strings.Contains(s, "forbidden"):
		return step.KindPermission
	case strings.Contains(s, "missing") || strings.Contains(s, "invalid") || strings.Contains(s, "required") ||
		strings.Contains(s, "json") || strings.Contains(s, "parse"):
		return step.KindParameter
	case strings.Contains(s, "network") || strings.Contains(s, "connection") || strings.Contains(s, "no such host"):
		return step.KindEnvironment
	default:
		return step.KindTool
	}
}

type registryEntry struct {
	tool     Tool
	category string
	schema   *compiledSchema
}

// Registry manages available tools. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Register adds a tool under a category. Names are unique.
func (r *Registry) Register(tool Tool, category string) error {
	name := strings.TrimSpace(tool.Name())
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}
	schema, err := compileSchema(tool.Parameters())
	if err != nil {
		return fmt.Errorf("tool %s: invalid parameter schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	if category == "" {
		category = "general"
	}
	r.entries[name] = &registryEntry{tool: tool, category: category, schema: schema}
	return nil
}

// MustRegister registers tool and panics on error.
func (r *Registry) MustRegister(tool Tool, category string) {
	if err := r.Register(tool, category); err != nil {
		panic(err)
	}
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return entry.tool, true
}

func (r *Registry) entry(name string) (*registryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry, ok
}

// Names returns the registered names sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListSpecs returns all registered tool specs sorted by name.
func (r *Registry) ListSpecs() []ToolSpec {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSpec, 0, len(names))
	for _, name := range names {
		if entry, ok := r.entries[name]; ok {
			out = append(out, entry.tool)
		}
	}
	return out
}

// Categories returns tool names grouped by category.
func (r *Registry) Categories() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string)
	for name, entry := range r.entries {
		out[entry.category] = append(out[entry.category], name)
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}

// ToJSONSchema returns the tools in function-calling form.
func (r *Registry) ToJSONSchema() []map[string]interface{} {
	specs := r.ListSpecs()
	out := make([]map[string]interface{}, 0, len(specs))
	for _, spec := range specs {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        spec.Name(),
				"description": spec.Description(),
				"parameters":  spec.Parameters(),
			},
		})
	}
	return out
}

// Describe renders the tools for a prompt: one block per tool with its
// description and parameters.
func (r *Registry) Describe() string {
	var sb strings.Builder
	for _, spec := range r.ListSpecs() {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", spec.Name(), spec.Description()))
		for _, p := range describeParameters(spec.Parameters()) {
			sb.WriteString("    ")
			sb.WriteString(p)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func describeParameters(schema map[string]interface{}) []string {
	props, _ := schema["properties"].(map[string]interface{})
	required := make(map[string]bool)
	switch req := schema["required"].(type) {
	case []string:
		for _, name := range req {
			required[name] = true
		}
	case []interface{}:
		for _, name := range req {
			if s, ok := name.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		prop, _ := props[name].(map[string]interface{})
		typ, _ := prop["type"].(string)
		desc, _ := prop["description"].(string)
		line := fmt.Sprintf("%s (%s", name, typ)
		if required[name] {
			line += ", required"
		}
		line += ")"
		if desc != "" {
			line += ": " + desc
		}
		lines = append(lines, line)
	}
	return lines
}

// Suggest returns the registered name closest to name, if it is close
// enough to be a plausible typo.
func (r *Registry) Suggest(name string) (string, bool) {
	best, bestDist := "", -1
	for _, candidate := range r.Names() {
		d := levenshteinDistance(strings.ToLower(name), strings.ToLower(candidate))
		if bestDist < 0 || d < bestDist {
			best, bestDist = candidate, d
		}
	}
	if bestDist < 0 {
		return "", false
	}
	limit := len(best) / 3
	if limit < 2 {
		limit = 2
	}
	return best, bestDist <= limit
}

func levenshteinDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
