package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/codefionn/reflexion/internal/htmlconv"
	"github.com/codefionn/reflexion/internal/step"
)

// OpenAPIParameter is one path, query or header parameter of an operation.
// Key is the name the model sees (path_id, query_verbose); Name is the name
// on the wire.
type OpenAPIParameter struct {
	Name        string
	In          string
	Key         string
	Required    bool
	Schema      map[string]interface{}
	Description string
}

// OpenAPIRequestBody is the body an operation accepts, passed as "body".
type OpenAPIRequestBody struct {
	Required    bool
	ContentType string
	Schema      map[string]interface{}
}

// OpenAPIToolConfig describes a single operation bound to a server.
type OpenAPIToolConfig struct {
	Name           string
	Description    string
	BaseURL        string
	Method         string
	Path           string
	Parameters     []*OpenAPIParameter
	RequestBody    *OpenAPIRequestBody
	DefaultHeaders map[string]string
	DefaultQuery   map[string]string
	HTTPClient     *http.Client
	Timeout        time.Duration
}

// OpenAPITool calls one OpenAPI operation. HTTP error statuses come back as
// failures with an error kind derived from the status code.
type OpenAPITool struct {
	cfg    OpenAPIToolConfig
	client *http.Client
}

const (
	defaultOpenAPITimeout = 30 * time.Second
	errorBodyPreview      = 200
)

// NewOpenAPITool binds cfg to an HTTP client. Without cfg.HTTPClient a client
// with cfg.Timeout (default 30s) is created.
func NewOpenAPITool(cfg *OpenAPIToolConfig) *OpenAPITool {
	c := *cfg
	c.Method = strings.ToUpper(c.Method)
	if c.Timeout <= 0 {
		c.Timeout = defaultOpenAPITimeout
	}
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	return &OpenAPITool{cfg: c, client: client}
}

func (o *OpenAPITool) Name() string { return o.cfg.Name }

func (o *OpenAPITool) Description() string {
	if o.cfg.Description != "" {
		return o.cfg.Description
	}
	return fmt.Sprintf("Invoke %s %s", o.cfg.Method, o.cfg.Path)
}

// Parameters exposes every operation parameter under its Key, plus "body"
// when the operation takes one.
func (o *OpenAPITool) Parameters() map[string]interface{} {
	props := make(map[string]interface{}, len(o.cfg.Parameters)+1)
	var required []string

	for _, p := range o.cfg.Parameters {
		if p == nil {
			continue
		}
		props[p.Key] = parameterSchema(p)
		if p.Required {
			required = append(required, p.Key)
		}
	}
	if body := o.cfg.RequestBody; body != nil {
		props["body"] = bodySchema(body)
		if body.Required {
			required = append(required, "body")
		}
	}

	schema := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func parameterSchema(p *OpenAPIParameter) map[string]interface{} {
	s := map[string]interface{}{"type": "string"}
	if len(p.Schema) > 0 {
		s = copySchema(p.Schema)
	}
	if d := strings.TrimSpace(p.Description); d != "" {
		s["description"] = d
	}
	s["in"] = p.In
	return s
}

func bodySchema(b *OpenAPIRequestBody) map[string]interface{} {
	s := map[string]interface{}{"type": "object"}
	if len(b.Schema) > 0 {
		s = copySchema(b.Schema)
	}
	if b.ContentType != "" {
		s["content_type"] = b.ContentType
	}
	s["description"] = "HTTP request body payload"
	return s
}

func copySchema(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (o *OpenAPITool) Execute(ctx context.Context, params map[string]interface{}) *ToolResult {
	start := time.Now()
	payload, err := o.call(ctx, params)
	end := time.Now()
	meta := &ExecutionMetadata{
		StartTime:  &start,
		EndTime:    &end,
		DurationMs: end.Sub(start).Milliseconds(),
		ToolType:   "openapi",
		Details:    map[string]interface{}{"method": o.cfg.Method, "path": o.cfg.Path},
	}

	if err != nil {
		kind := classifyError(err.Error())
		if ctx.Err() == context.DeadlineExceeded {
			kind = step.KindTimeout
		}
		meta.ErrorType = string(kind)
		return &ToolResult{Error: err.Error(), Kind: kind, ExecutionMetadata: meta}
	}

	status, _ := payload["status"].(int)
	if status < 400 {
		return &ToolResult{Result: payload, ExecutionMetadata: meta}
	}
	kind := statusKind(status)
	meta.ErrorType = string(kind)
	return &ToolResult{
		Result:            payload,
		Error:             fmt.Sprintf("%s %s returned %s: %s", o.cfg.Method, o.cfg.Path, payload["statusText"], preview(payload["body"])),
		Kind:              kind,
		ExecutionMetadata: meta,
	}
}

func statusKind(status int) step.ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return step.KindPermission
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return step.KindTimeout
	case status == http.StatusTooManyRequests || status >= 500:
		return step.KindTransient
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return step.KindParameter
	default:
		return step.KindTool
	}
}

func preview(body interface{}) string {
	s, ok := body.(string)
	if !ok {
		raw, _ := json.Marshal(body)
		s = string(raw)
	}
	if utf8.RuneCountInString(s) <= errorBodyPreview {
		return s
	}
	return string([]rune(s)[:errorBodyPreview]) + "..."
}

func (o *OpenAPITool) call(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	req, err := o.newRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	payload := map[string]interface{}{
		"url":        req.URL.String(),
		"method":     o.cfg.Method,
		"status":     resp.StatusCode,
		"statusText": resp.Status,
		"headers":    resp.Header,
	}
	decodeBody(payload, raw)
	return payload, nil
}

// decodeBody stores the response as parsed JSON, as markdown when it is an
// HTML page, or as plain text.
func decodeBody(payload map[string]interface{}, raw []byte) {
	if len(raw) == 0 {
		payload["body"] = ""
		return
	}
	var parsed interface{}
	if json.Unmarshal(raw, &parsed) == nil {
		payload["body"] = parsed
		return
	}
	if md, ok := htmlconv.Convert(string(raw)); ok {
		payload["body"] = md
		payload["converted"] = "markdown"
		return
	}
	payload["body"] = string(raw)
}

func (o *OpenAPITool) newRequest(ctx context.Context, params map[string]interface{}) (*http.Request, error) {
	endpoint, err := o.endpoint(params)
	if err != nil {
		return nil, err
	}
	body, contentType, err := o.encodeBody(params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, o.cfg.Method, endpoint.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range o.cfg.DefaultHeaders {
		req.Header.Set(k, v)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, p := range o.parametersIn("header") {
		if v, ok := params[p.Key]; ok {
			req.Header.Del(p.Name)
			forEachValue(v, func(s string) { req.Header.Add(p.Name, s) })
		}
	}
	return req, nil
}

// endpoint resolves the operation path against the base URL, fills in path
// parameters and encodes the query.
func (o *OpenAPITool) endpoint(params map[string]interface{}) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(o.cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", o.cfg.BaseURL, err)
	}

	plain, escaped := o.cfg.Path, o.cfg.Path
	for _, p := range o.parametersIn("path") {
		v, ok := params[p.Key]
		if !ok {
			if p.Required {
				return nil, fmt.Errorf("missing required path parameter: %s", p.Key)
			}
			continue
		}
		placeholder, value := "{"+p.Name+"}", fmt.Sprint(v)
		plain = strings.ReplaceAll(plain, placeholder, value)
		escaped = strings.ReplaceAll(escaped, placeholder, url.PathEscape(value))
	}
	prefix := strings.TrimSuffix(u.EscapedPath(), "/")
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(plain, "/")
	u.RawPath = prefix + "/" + strings.TrimPrefix(escaped, "/")

	q := u.Query()
	for k, v := range o.cfg.DefaultQuery {
		q.Set(k, v)
	}
	for _, p := range o.parametersIn("query") {
		v, ok := params[p.Key]
		if !ok {
			if p.Required {
				return nil, fmt.Errorf("missing required query parameter: %s", p.Key)
			}
			continue
		}
		q.Del(p.Name)
		forEachValue(v, func(s string) { q.Add(p.Name, s) })
	}
	u.RawQuery = q.Encode()
	return u, nil
}

// encodeBody returns the request body and its content type. Strings are sent
// as is; anything else is encoded as JSON.
func (o *OpenAPITool) encodeBody(params map[string]interface{}) (io.Reader, string, error) {
	spec := o.cfg.RequestBody
	if spec == nil {
		return nil, "", nil
	}
	v := params["body"]
	if v == nil {
		if spec.Required {
			return nil, "", fmt.Errorf("body is required")
		}
		return nil, spec.ContentType, nil
	}
	if s, ok := v.(string); ok {
		return strings.NewReader(s), spec.ContentType, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal body: %w", err)
	}
	contentType := spec.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	return bytes.NewReader(data), contentType, nil
}

func (o *OpenAPITool) parametersIn(location string) []*OpenAPIParameter {
	var out []*OpenAPIParameter
	for _, p := range o.cfg.Parameters {
		if p != nil && p.In == location {
			out = append(out, p)
		}
	}
	return out
}

// forEachValue calls fn once per element of a JSON array, or once for a
// scalar.
func forEachValue(v interface{}, fn func(string)) {
	if list, ok := v.([]interface{}); ok {
		for _, item := range list {
			fn(fmt.Sprint(item))
		}
		return
	}
	fn(fmt.Sprint(v))
}
