package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/julienschmidt/httprouter"
)

// Model ids accepted by the chat endpoint.
const (
	ModelReflexion     = "reflexion"
	ModelCollaboration = "reflexion-collaboration"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	// UseCollaboration routes the task through the planner/critic layer,
	// as does the reflexion-collaboration model
	UseCollaboration bool `json:"use_collaboration,omitempty"`
	MaxSteps         *int `json:"max_steps,omitempty"`
	Stream           bool `json:"stream,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
	// RunID links back to /v1/runs/:id
	RunID string `json:"run_id"`
}

type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	created := s.started.Unix()
	data := []modelInfo{{ID: ModelReflexion, Object: "model", Created: created, OwnedBy: "reflexion"}}
	if s.collab != nil {
		data = append(data, modelInfo{ID: ModelCollaboration, Object: "model", Created: created, OwnedBy: "reflexion"})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "data": data})
}

// taskFromMessages returns the last user message, or the last message when
// no user spoke.
func taskFromMessages(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	if len(messages) > 0 {
		return strings.TrimSpace(messages[len(messages)-1].Content)
	}
	return ""
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.Stream {
		writeError(w, http.StatusBadRequest, "streaming is not supported, subscribe to /v1/stream instead")
		return
	}
	task := taskFromMessages(req.Messages)
	if task == "" {
		writeError(w, http.StatusBadRequest, "no task found in messages")
		return
	}
	if req.Model == "" {
		req.Model = ModelReflexion
	}

	var (
		runID  string
		answer string
		steps  int
		ok     bool
	)
	if req.UseCollaboration || req.Model == ModelCollaboration {
		if s.collab == nil {
			writeError(w, http.StatusServiceUnavailable, "collaboration is not configured")
			return
		}
		n, q := s.collabArgs(req.MaxSteps, nil)
		result, err := s.collab.Run(r.Context(), task, n, q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		runID, answer, steps, ok = result.RunID, result.Answer(), len(result.Rounds), result.Succeeded()
	} else {
		cfg := s.Defaults()
		if req.MaxSteps != nil {
			cfg.MaxSteps = *req.MaxSteps
		}
		summary, err := s.runner.RunWithConfig(r.Context(), task, cfg)
		if summary != nil {
			s.remember(summary)
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		runID, answer, steps, ok = summary.RunID, summary.Answer(), summary.TotalSteps, summary.Succeeded()
	}

	content := answer
	if content == "" {
		content = "No answer was produced."
	}
	content = fmt.Sprintf("%s\n\n(steps: %d, success: %t)", content, steps, ok)

	prompt := utf8.RuneCountInString(task)
	completion := utf8.RuneCountInString(content)
	writeJSON(w, http.StatusOK, chatResponse{
		ID:      "chatcmpl-" + strings.ReplaceAll(runID, "-", ""),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
		RunID: runID,
	})
}
