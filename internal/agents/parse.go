package agents

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/codefionn/reflexion/internal/llm"
	"github.com/codefionn/reflexion/internal/step"
)

// ErrUnparseable is returned when a model response cannot be turned into a
// decision or reflection.
var ErrUnparseable = errors.New("unparseable model response")

type parseError struct {
	what string
	raw  string
}

func (e *parseError) Error() string {
	return fmt.Sprintf("%v: expected %s, got %q", ErrUnparseable, e.what, llm.TruncateForError(e.raw, 120))
}

func (e *parseError) Is(target error) bool { return target == ErrUnparseable }

// Kind implements step.KindError.
func (e *parseError) Kind() step.ErrorKind { return step.KindLogic }

var (
	finalAnswerPattern = regexp.MustCompile(`(?is)final[ _]answer\s*:\s*(.+)`)
	scorePattern       = regexp.MustCompile(`(?i)score\s*[:=]\s*([0-9]*\.?[0-9]+)`)
	remedyHeading      = regexp.MustCompile(`(?im)^\s*(?:#+\s*)?\**\s*(remedies|suggestions|improvements|next steps)\s*\**\s*:?\s*\**\s*$`)
	bulletPattern      = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)
)

// ParseDecision turns a model response into an action. It accepts a JSON
// object (raw, fenced, or embedded in prose) of the form
//
//	{"action_type": "tool"|"finish", "tool_name": ..., "tool_input": {...}, "final_answer": ...}
//
// and falls back to a "Final Answer: ..." line.
func ParseDecision(text string) (step.Action, error) {
	if obj, ok := llm.ExtractJSONObject(text); ok && gjson.Valid(obj) {
		if action, ok := decisionFromJSON(obj); ok {
			return action, nil
		}
	}

	if m := finalAnswerPattern.FindStringSubmatch(text); m != nil {
		answer := strings.TrimSpace(m[1])
		answer = strings.TrimSuffix(answer, "```")
		if answer = strings.TrimSpace(answer); answer != "" {
			return step.Finalize(answer), nil
		}
	}

	return step.Action{}, &parseError{what: "a JSON decision or a Final Answer line", raw: text}
}

func decisionFromJSON(obj string) (step.Action, bool) {
	doc := gjson.Parse(obj)
	actionType := strings.ToLower(strings.TrimSpace(doc.Get("action_type").String()))
	toolName := strings.TrimSpace(doc.Get("tool_name").String())
	final := doc.Get("final_answer")

	switch actionType {
	case "finish", "final_answer", "finalize", "final", "answer":
		return step.Finalize(answerText(final)), final.Exists()
	case "tool", "tool_call", "invoke", "call":
		if toolName == "" {
			return step.Action{}, false
		}
		return step.Invoke(toolName, toolInput(doc.Get("tool_input"))), true
	case "":
		if toolName != "" {
			return step.Invoke(toolName, toolInput(doc.Get("tool_input"))), true
		}
		if final.Exists() {
			return step.Finalize(answerText(final)), true
		}
	}
	return step.Action{}, false
}

func answerText(v gjson.Result) string {
	if v.Type == gjson.String {
		return strings.TrimSpace(v.String())
	}
	return strings.TrimSpace(v.Raw)
}

// toolInput accepts an object or a string holding a JSON object.
func toolInput(v gjson.Result) map[string]interface{} {
	if v.Type == gjson.String && gjson.Valid(v.String()) {
		v = gjson.Parse(v.String())
	}
	if v.IsObject() {
		if m, ok := v.Value().(map[string]interface{}); ok {
			return m
		}
	}
	return map[string]interface{}{}
}

// ParseReflection splits a reflector response into critique text and an
// ordered list of remedies. Remedies are the bullet or numbered lines after a
// "Remedies:" style heading; without a heading, trailing bullet lines are
// taken as remedies.
func ParseReflection(text string) (step.Reflection, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return step.Reflection{}, &parseError{what: "a reflection", raw: text}
	}

	body, tail := text, ""
	if loc := remedyHeading.FindStringIndex(text); loc != nil {
		body, tail = text[:loc[0]], text[loc[1]:]
	} else {
		lines := strings.Split(text, "\n")
		cut := len(lines)
		for cut > 0 && (bulletPattern.MatchString(lines[cut-1]) || strings.TrimSpace(lines[cut-1]) == "") {
			cut--
		}
		if cut > 0 && cut < len(lines) {
			body, tail = strings.Join(lines[:cut], "\n"), strings.Join(lines[cut:], "\n")
		}
	}

	var remedies []string
	for _, line := range strings.Split(tail, "\n") {
		if m := bulletPattern.FindStringSubmatch(line); m != nil {
			if r := strings.TrimSpace(m[1]); r != "" {
				remedies = append(remedies, r)
			}
		}
	}

	return step.Reflection{Text: strings.TrimSpace(body), Remedies: remedies}, nil
}

// ParseScore extracts "SCORE: x" from a critic response. Scores are clamped
// to [0,1]; values above 1 up to 10 or 100 are read as out-of-ten or
// percentages. Missing or unparseable scores are 0.
func ParseScore(text string) float64 {
	m := scorePattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	switch {
	case score <= 1:
		return score
	case score <= 10:
		return score / 10
	case score <= 100:
		return score / 100
	default:
		return 1
	}
}

// stripScore removes SCORE lines from a critic response.
func stripScore(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		if scorePattern.MatchString(line) && len(strings.TrimSpace(line)) < 32 {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
