// Package step defines the records exchanged between the orchestrator and its
// collaborators: actions, observations, step records and run statuses.
package step

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind categorizes a failed observation. The set is closed; unknown
// values parse to KindUnknown.
type ErrorKind string

const (
	KindParameter     ErrorKind = "parameter_error"
	KindTool          ErrorKind = "tool_error"
	KindTimeout       ErrorKind = "timeout"
	KindUnknownTool   ErrorKind = "unknown_tool"
	KindTransient     ErrorKind = "transient"
	KindFatal         ErrorKind = "fatal"
	KindToolSelection ErrorKind = "tool_selection_error"
	KindLogic         ErrorKind = "logic_error"
	KindEnvironment   ErrorKind = "environment_error"
	KindPermission    ErrorKind = "permission_error"
	KindUnknown       ErrorKind = "unknown_error"
)

var errorKinds = []ErrorKind{
	KindParameter,
	KindTool,
	KindTimeout,
	KindUnknownTool,
	KindTransient,
	KindFatal,
	KindToolSelection,
	KindLogic,
	KindEnvironment,
	KindPermission,
	KindUnknown,
}

// ErrorKinds returns all known error kinds in declaration order.
func ErrorKinds() []ErrorKind {
	out := make([]ErrorKind, len(errorKinds))
	copy(out, errorKinds)
	return out
}

// ParseErrorKind maps a string to an ErrorKind. Spaces and dashes are
// accepted in place of underscores ("unknown tool" -> unknown_tool).
func ParseErrorKind(s string) ErrorKind {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	for _, k := range errorKinds {
		if string(k) == norm {
			return k
		}
	}
	switch norm {
	case "parameter", "parameters", "invalid_argument":
		return KindParameter
	case "tool":
		return KindTool
	case "timeout_error", "deadline_exceeded":
		return KindTimeout
	case "permission":
		return KindPermission
	}
	return KindUnknown
}

// Valid reports whether k is one of the known kinds.
func (k ErrorKind) Valid() bool {
	for _, known := range errorKinds {
		if k == known {
			return true
		}
	}
	return false
}

// KindError is implemented by errors that know their own kind.
type KindError interface {
	error
	Kind() ErrorKind
}

// KindOf classifies an error returned by a collaborator. Deadline errors map
// to timeout; errors wrapping a KindError report that kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ke KindError
	if errors.As(err, &ke) {
		return ke.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// ActionType tags the Action variant.
type ActionType string

const (
	// ActionInvoke calls a tool with a structured input.
	ActionInvoke ActionType = "invoke"
	// ActionFinalize ends the run with an answer.
	ActionFinalize ActionType = "finalize"
	// ActionNone marks a step where no action could be decided.
	ActionNone ActionType = "none"
)

// Action is the tagged variant {invoke(tool, input), finalize(answer)}.
type Action struct {
	Type   ActionType             `json:"type"`
	Tool   string                 `json:"tool,omitempty"`
	Input  map[string]interface{} `json:"input,omitempty"`
	Answer string                 `json:"answer,omitempty"`
}

// Invoke builds a tool invocation.
func Invoke(tool string, input map[string]interface{}) Action {
	return Action{Type: ActionInvoke, Tool: tool, Input: input}
}

// Finalize builds a finalize action.
func Finalize(answer string) Action {
	return Action{Type: ActionFinalize, Answer: answer}
}

// IsFinalize reports whether the action ends the run.
func (a Action) IsFinalize() bool {
	return a.Type == ActionFinalize
}

// Signature returns a canonical encoding of the action. Two actions are
// structurally equal iff their signatures match: map key order and numeric
// spelling (25 vs 25.0) do not matter.
func (a Action) Signature() string {
	var b strings.Builder
	b.WriteString(string(a.Type))
	b.WriteByte('|')
	b.WriteString(a.Tool)
	b.WriteByte('|')
	b.WriteString(canonicalJSON(a.Input))
	if a.Type == ActionFinalize {
		b.WriteByte('|')
		b.WriteString(a.Answer)
	}
	return b.String()
}

// Equal compares two actions structurally.
func (a Action) Equal(other Action) bool {
	return a.Signature() == other.Signature()
}

func (a Action) String() string {
	switch a.Type {
	case ActionFinalize:
		return fmt.Sprintf("finalize(%q)", a.Answer)
	case ActionInvoke:
		return fmt.Sprintf("%s(%s)", a.Tool, canonicalJSON(a.Input))
	default:
		return string(ActionNone)
	}
}

// canonicalJSON re-decodes the value so numbers collapse to float64 and maps
// are emitted with sorted keys.
func canonicalJSON(v interface{}) string {
	if v == nil {
		return "null"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&generic); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return string(raw)
	}
	if string(out) == "{}" {
		return "null"
	}
	return string(out)
}

// Observation is the result of executing one action.
type Observation struct {
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Kind    ErrorKind   `json:"error_kind,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Success builds a success observation.
func Success(payload interface{}) Observation {
	return Observation{OK: true, Payload: payload}
}

// Failure builds a failure observation.
func Failure(kind ErrorKind, message string) Observation {
	if !kind.Valid() {
		kind = KindUnknown
	}
	return Observation{Kind: kind, Message: message}
}

// Text renders the observation for prompts and logs.
func (o Observation) Text() string {
	if !o.OK {
		return fmt.Sprintf("failure[%s]: %s", o.Kind, o.Message)
	}
	switch p := o.Payload.(type) {
	case nil:
		return ""
	case string:
		return p
	case fmt.Stringer:
		return p.String()
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Sprintf("%v", p)
		}
		return string(raw)
	}
}

// Status of a single step record.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
)

// ReflectionSource tells where a record's reflection came from.
type ReflectionSource string

const (
	SourceNone      ReflectionSource = ""
	SourceCache     ReflectionSource = "cache"
	SourceReflector ReflectionSource = "reflector"
)

// Record is one iteration's outcome. Records are append-only.
type Record struct {
	Number           int              `json:"step"`
	Action           Action           `json:"action"`
	Observation      Observation      `json:"observation"`
	Reflection       string           `json:"reflection,omitempty"`
	ReflectionSource ReflectionSource `json:"reflection_source,omitempty"`
	Status           Status           `json:"status"`
	Timestamp        time.Time        `json:"timestamp"`
	DurationMs       int64            `json:"duration_ms"`
}

// HasReflection reports whether a reflection was produced for the step.
func (r Record) HasReflection() bool {
	return r.Reflection != ""
}

// Reflection is the output of a Reflector: a critique and ordered remedies.
type Reflection struct {
	Text     string   `json:"text"`
	Remedies []string `json:"remedies,omitempty"`
}

// String renders the critique followed by its remedies as a bullet list.
func (r Reflection) String() string {
	if len(r.Remedies) == 0 {
		return r.Text
	}
	var b strings.Builder
	b.WriteString(r.Text)
	if r.Text != "" {
		b.WriteString("\n")
	}
	b.WriteString("Remedies:")
	for _, rem := range r.Remedies {
		b.WriteString("\n- ")
		b.WriteString(rem)
	}
	return b.String()
}

// RunStatus is the lifecycle state of a task run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunAborted
}
