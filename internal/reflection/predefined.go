package reflection

import (
	"strings"

	"github.com/codefionn/reflexion/internal/step"
)

// Hint is a well-known failure pattern with generic advice. Hints are matched
// by substring and fed to the reflector as context; they never count as cache
// hits.
type Hint struct {
	Pattern    string
	Kind       step.ErrorKind
	Reflection string
	Remedies   []string
}

var predefined = []Hint{
	{
		Pattern:    "json decode",
		Kind:       step.KindParameter,
		Reflection: "JSON parsing failed, usually because of malformed syntax or an unclosed quote.",
		Remedies: []string{
			"Check that every quote and bracket in the JSON input is closed",
			"Validate the JSON before passing it to the tool",
			"Try a simpler input format",
		},
	},
	{
		Pattern:    "key error",
		Kind:       step.KindParameter,
		Reflection: "A required key does not exist; the parameter name is probably wrong.",
		Remedies: []string{
			"Check the parameter names against the tool definition",
			"Provide every required parameter",
		},
	},
	{
		Pattern:    "permission denied",
		Kind:       step.KindPermission,
		Reflection: "Insufficient permissions to access the resource.",
		Remedies: []string{
			"Check the permissions of the target resource",
			"Choose a resource that is accessible",
		},
	},
	{
		Pattern:    "timeout",
		Kind:       step.KindTimeout,
		Reflection: "The operation timed out; the backend may be slow or unavailable.",
		Remedies: []string{
			"Retry the operation",
			"Reduce the size of the request",
			"Use a different tool that answers faster",
		},
	},
	{
		Pattern:    "argument",
		Kind:       step.KindParameter,
		Reflection: "The arguments do not match the tool signature in type or number.",
		Remedies: []string{
			"Check the argument types",
			"Check that all required arguments are provided",
			"Re-read the tool schema before calling it again",
		},
	},
}

// Predefined returns a copy of the built-in hints.
func Predefined() []Hint {
	out := make([]Hint, len(predefined))
	for i, h := range predefined {
		h.Remedies = append([]string(nil), h.Remedies...)
		out[i] = h
	}
	return out
}

// MatchHint returns the first predefined hint whose pattern occurs in the
// message. When kind is not unknown it must match the hint's kind as well.
func MatchHint(kind step.ErrorKind, message string) (Hint, bool) {
	lower := strings.ToLower(message)
	for _, h := range predefined {
		if !strings.Contains(lower, h.Pattern) {
			continue
		}
		if kind != "" && kind != step.KindUnknown && kind != h.Kind {
			continue
		}
		h.Remedies = append([]string(nil), h.Remedies...)
		return h, true
	}
	return Hint{}, false
}
