package reflection

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/codefionn/reflexion/internal/step"
)

// maxPatternRunes bounds the canonical substring used in keys.
const maxPatternRunes = 160

type rewrite struct {
	re   *regexp.Regexp
	repl string
	fn   func(string) string
}

func (rw rewrite) apply(s string) string {
	if rw.fn != nil {
		return rw.fn(s)
	}
	return rw.re.ReplaceAllString(s, rw.repl)
}

// Order matters: wider patterns run before the number rule eats their digits.
var volatileRewrites = []rewrite{
	// 2024-05-01T10:00:00Z, 2024-05-01 10:00:00.123, 2024/05/01
	{re: regexp.MustCompile(`\d{4}[-/]\d{2}[-/]\d{2}(?:[t ]\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:z|[+-]\d{2}:?\d{2})?)?`), repl: "<ts>"},
	// 10:00:00
	{re: regexp.MustCompile(`\b\d{1,2}:\d{2}:\d{2}(?:\.\d+)?\b`), repl: "<ts>"},
	{re: regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`), repl: "<id>"},
	{re: regexp.MustCompile(`\b0x[0-9a-f]+\b`), repl: "<hex>"},
	{re: regexp.MustCompile(`"[^"\n]*"`), repl: "<str>"},
	{fn: replaceSingleQuoted},
	{re: regexp.MustCompile(`(?:/[\w.\-]+){2,}/?`), repl: "<path>"},
	// Tokens that mix letters and digits: req_8f3a9, user42, 3rd
	{re: regexp.MustCompile(`\b(?:[a-z_]+\d|\d+[a-z_])[a-z0-9_]*\b`), repl: "<id>"},
	{re: regexp.MustCompile(`\d+(?:\.\d+)?`), repl: "<n>"},
}

var whitespace = regexp.MustCompile(`\s+`)

// Canonicalize replaces volatile substrings of the lowercased message with
// placeholders such as <n>, <id> and <ts>.
// Canonicalize(Canonicalize(m)) == Canonicalize(m).
func Canonicalize(message string) string {
	s := whitespace.ReplaceAllString(strings.ToLower(message), " ")
	for _, rw := range volatileRewrites {
		s = rw.apply(s)
	}
	s = strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
	if utf8.RuneCountInString(s) > maxPatternRunes {
		runes := []rune(s)
		s = strings.TrimSpace(string(runes[:maxPatternRunes]))
	}
	return s
}

// Normalize derives the cache key for a failure. The same (kind, message)
// always maps to the same key.
func Normalize(kind step.ErrorKind, message string) string {
	if !kind.Valid() {
		kind = step.KindUnknown
	}
	return string(kind) + ":" + Canonicalize(message)
}

// SplitKey returns the kind and canonical pattern of a key.
func SplitKey(key string) (step.ErrorKind, string) {
	kind, pattern, found := strings.Cut(key, ":")
	if !found {
		return step.KindUnknown, key
	}
	return step.ErrorKind(kind), pattern
}

// replaceSingleQuoted rewrites 'quoted' spans to <str>. A quote only opens a
// span when it does not follow a letter, digit or '>', so apostrophes in
// words (can't) and quotes glued to a placeholder are left alone. The
// preceding byte is only inspected, never consumed, so touching spans are
// all rewritten in one pass.
func replaceSingleQuoted(s string) string {
	var b strings.Builder
	last := 0
	for i := 0; i < len(s); i++ {
		if s[i] != '\'' || (i > 0 && opensNoSpan(s[i-1])) {
			continue
		}
		end := strings.IndexAny(s[i+1:], "'\n")
		if end < 0 || s[i+1+end] == '\n' {
			continue
		}
		b.WriteString(s[last:i])
		b.WriteString("<str>")
		i += end + 1
		last = i + 1
	}
	if last == 0 {
		return s
	}
	b.WriteString(s[last:])
	return b.String()
}

func opensNoSpan(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '>'
}
