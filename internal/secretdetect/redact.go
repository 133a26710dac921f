package secretdetect

import (
	"net/http"
	"sort"

	"github.com/codefionn/reflexion/internal/step"
)

// Placeholder replaces every detected secret.
const Placeholder = "[REDACTED]"

// Match is one detected secret within a string.
type Match struct {
	Pattern string
	Start   int
	End     int
}

// Redactor finds and masks secrets. The zero value has no patterns.
type Redactor struct {
	patterns    []Pattern
	placeholder string
}

// New creates a redactor with the default patterns plus extra.
func New(extra ...Pattern) *Redactor {
	return &Redactor{
		patterns:    append(DefaultPatterns(), extra...),
		placeholder: Placeholder,
	}
}

// Scan returns the non-overlapping matches in s ordered by position. When two
// patterns overlap the earlier-listed one wins.
func (r *Redactor) Scan(s string) []Match {
	var found []Match
	for _, p := range r.patterns {
		for _, loc := range p.Regex.FindAllStringIndex(s, -1) {
			found = append(found, Match{Pattern: p.Name, Start: loc[0], End: loc[1]})
		}
	}
	if len(found) == 0 {
		return nil
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].Start < found[j].Start })

	out := found[:0]
	end := -1
	for _, m := range found {
		if m.Start < end {
			continue
		}
		out = append(out, m)
		end = m.End
	}
	return out
}

// String masks every secret in s and reports how many were replaced.
func (r *Redactor) String(s string) (string, int) {
	matches := r.Scan(s)
	if len(matches) == 0 {
		return s, 0
	}
	buf := make([]byte, 0, len(s))
	last := 0
	for _, m := range matches {
		buf = append(buf, s[last:m.Start]...)
		buf = append(buf, r.placeholder...)
		last = m.End
	}
	buf = append(buf, s[last:]...)
	return string(buf), len(matches)
}

// Value masks strings anywhere inside a decoded JSON-like value. Maps and
// slices are copied, never modified in place.
func (r *Redactor) Value(v interface{}) (interface{}, int) {
	switch val := v.(type) {
	case string:
		return r.String(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		total := 0
		for k, item := range val {
			masked, n := r.Value(item)
			out[k] = masked
			total += n
		}
		return out, total
	case []interface{}:
		out := make([]interface{}, len(val))
		total := 0
		for i, item := range val {
			masked, n := r.Value(item)
			out[i] = masked
			total += n
		}
		return out, total
	case []string:
		out := make([]string, len(val))
		total := 0
		for i, item := range val {
			masked, n := r.String(item)
			out[i] = masked
			total += n
		}
		return out, total
	case http.Header:
		masked, n := r.Value(map[string][]string(val))
		return http.Header(masked.(map[string][]string)), n
	case map[string][]string:
		out := make(map[string][]string, len(val))
		total := 0
		for k, items := range val {
			masked, n := r.Value(items)
			out[k] = masked.([]string)
			total += n
		}
		return out, total
	default:
		return v, 0
	}
}

// Observation masks the payload and the failure message of obs.
func (r *Redactor) Observation(obs step.Observation) (step.Observation, int) {
	payload, n := r.Value(obs.Payload)
	message, m := r.String(obs.Message)
	if n+m == 0 {
		return obs, 0
	}
	obs.Payload = payload
	obs.Message = message
	return obs, n + m
}
