package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/openai/openai-go"
	"google.golang.org/genai"

	"github.com/codefionn/reflexion/internal/step"
)

var (
	// ErrTransient marks failures worth retrying: rate limits, overload,
	// network trouble, server errors.
	ErrTransient = errors.New("transient model error")
	// ErrFatal marks failures that will not go away on retry: bad keys,
	// unknown models, malformed requests.
	ErrFatal = errors.New("fatal model error")
)

// Error is a classified provider failure.
type Error struct {
	Provider   string
	StatusCode int
	Err        error
	transient  bool
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s completion failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s completion failed: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.transient {
		return []error{ErrTransient, e.Err}
	}
	return []error{ErrFatal, e.Err}
}

// Kind implements step.KindError so the orchestrator records model failures
// with a meaningful error kind.
func (e *Error) Kind() step.ErrorKind {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return step.KindTimeout
	}
	if e.transient {
		return step.KindTransient
	}
	return step.KindFatal
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// classify wraps a provider error. Cancellation passes through untouched so
// callers can tell it apart from model failures.
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}

	status := statusCode(err)
	return &Error{
		Provider:   provider,
		StatusCode: status,
		Err:        err,
		transient:  isTransientFailure(status, err),
	}
}

func statusCode(err error) int {
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return openaiErr.StatusCode
	}
	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		return genaiErr.Code
	}
	var genaiErrPtr *genai.APIError
	if errors.As(err, &genaiErrPtr) {
		return genaiErrPtr.Code
	}
	return 0
}

func isTransientFailure(status int, err error) bool {
	switch {
	case status == 408 || status == 409 || status == 429 || status >= 500:
		return true
	case status >= 400:
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "overloaded", "timeout", "temporarily", "connection reset", "connection refused", "eof", "429", "503"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
