package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

// OpenAPISource describes an OpenAPI document whose operations become tools.
type OpenAPISource struct {
	// Name prefixes the generated tool names
	Name string `koanf:"name" yaml:"name" json:"name"`
	// SpecPath is a file path or an http(s) URL
	SpecPath string `koanf:"spec_path" yaml:"spec_path" json:"spec_path"`
	// BaseURL is the server the operations are sent to
	BaseURL        string            `koanf:"base_url" yaml:"base_url" json:"base_url"`
	DefaultHeaders map[string]string `koanf:"default_headers" yaml:"default_headers,omitempty" json:"default_headers,omitempty"`
	DefaultQuery   map[string]string `koanf:"default_query" yaml:"default_query,omitempty" json:"default_query,omitempty"`
	// AuthBearerEnv names an environment variable holding a bearer token
	AuthBearerEnv string        `koanf:"auth_bearer_env" yaml:"auth_bearer_env,omitempty" json:"auth_bearer_env,omitempty"`
	Timeout       time.Duration `koanf:"timeout" yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// LoadOpenAPITools loads the document and returns one tool per operation,
// sorted by name.
func LoadOpenAPITools(ctx context.Context, src OpenAPISource, client *http.Client) ([]*OpenAPITool, error) {
	specPath := strings.TrimSpace(src.SpecPath)
	if specPath == "" {
		return nil, fmt.Errorf("openapi spec_path is required")
	}
	baseURL := strings.TrimSpace(src.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("openapi base_url is required for %q", src.Name)
	}

	loader := openapi3.NewLoader()
	loader.Context = ctx
	loader.IsExternalRefsAllowed = true

	var (
		doc *openapi3.T
		err error
	)
	if isURL(specPath) {
		doc, err = loader.LoadFromURI(parseURL(specPath))
	} else {
		doc, err = loader.LoadFromFile(specPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}
	if doc.Paths == nil || doc.Paths.Len() == 0 {
		return nil, fmt.Errorf("openapi spec contains no paths")
	}

	headers := cloneStringMap(src.DefaultHeaders)
	if headers == nil {
		headers = make(map[string]string)
	}
	if _, exists := headers["Authorization"]; !exists && src.AuthBearerEnv != "" {
		if bearer := strings.TrimSpace(os.Getenv(src.AuthBearerEnv)); bearer != "" {
			headers["Authorization"] = "Bearer " + bearer
		}
	}

	prefix := sanitizeName(src.Name)
	nameUsage := make(map[string]int)
	var out []*OpenAPITool
	for path, pathItem := range doc.Paths.Map() {
		if pathItem == nil {
			continue
		}
		for method, operation := range pathItem.Operations() {
			if operation == nil {
				continue
			}

			description := operation.Summary
			if description == "" {
				description = operation.Description
			}
			if description == "" {
				description = fmt.Sprintf("Call %s %s", strings.ToUpper(method), path)
			}

			out = append(out, NewOpenAPITool(&OpenAPIToolConfig{
				Name:           uniqueToolName(prefix+"_"+sanitizeName(detectOperationName(operation, method, path)), nameUsage),
				Description:    description,
				BaseURL:        baseURL,
				Method:         method,
				Path:           path,
				Parameters:     collectParameters(pathItem.Parameters, operation.Parameters),
				RequestBody:    collectRequestBody(operation.RequestBody),
				DefaultHeaders: headers,
				DefaultQuery:   src.DefaultQuery,
				HTTPClient:     client,
				Timeout:        src.Timeout,
			}))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no operations discovered in OpenAPI spec")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// RegisterOpenAPITools loads src and registers its operations under the
// "api" category.
func RegisterOpenAPITools(ctx context.Context, r *Registry, src OpenAPISource, client *http.Client) (int, error) {
	loaded, err := LoadOpenAPITools(ctx, src, client)
	if err != nil {
		return 0, err
	}
	for _, tool := range loaded {
		if err := r.Register(tool, "api"); err != nil {
			return 0, err
		}
	}
	return len(loaded), nil
}

func collectParameters(pathParams openapi3.Parameters, opParams openapi3.Parameters) []*OpenAPIParameter {
	all := make([]*OpenAPIParameter, 0, len(pathParams)+len(opParams))
	seen := make(map[string]bool)

	appendParam := func(paramRef *openapi3.ParameterRef) {
		if paramRef == nil || paramRef.Value == nil {
			return
		}
		param := paramRef.Value
		key := fmt.Sprintf("%s:%s", param.In, param.Name)
		if seen[key] {
			return
		}
		seen[key] = true

		all = append(all, &OpenAPIParameter{
			Name:        param.Name,
			In:          param.In,
			Key:         buildParameterKey(param),
			Required:    param.Required,
			Schema:      schemaRefToJSONSchema(param.Schema),
			Description: param.Description,
		})
	}

	for _, p := range pathParams {
		appendParam(p)
	}
	for _, p := range opParams {
		appendParam(p)
	}
	return all
}

func collectRequestBody(requestBodyRef *openapi3.RequestBodyRef) *OpenAPIRequestBody {
	if requestBodyRef == nil || requestBodyRef.Value == nil {
		return nil
	}

	contentType := ""
	var schemaRef *openapi3.SchemaRef
	for ctype, media := range requestBodyRef.Value.Content {
		if schemaRef == nil {
			contentType = ctype
			schemaRef = media.Schema
		}
		if ctype == "application/json" {
			contentType = ctype
			schemaRef = media.Schema
			break
		}
	}

	return &OpenAPIRequestBody{
		Required:    requestBodyRef.Value.Required,
		ContentType: contentType,
		Schema:      schemaRefToJSONSchema(schemaRef),
	}
}

func schemaRefToJSONSchema(schemaRef *openapi3.SchemaRef) map[string]interface{} {
	if schemaRef == nil || schemaRef.Value == nil {
		return nil
	}
	schema := schemaRef.Value

	result := map[string]interface{}{}
	if schema.Type != nil {
		types := schema.Type.Slice()
		if len(types) == 1 {
			result["type"] = types[0]
		} else if len(types) > 1 {
			result["type"] = types
		}
	}
	if schema.Format != "" {
		result["format"] = schema.Format
	}
	if schema.Description != "" {
		result["description"] = schema.Description
	}
	if len(schema.Enum) > 0 {
		result["enum"] = schema.Enum
	}
	if len(schema.Required) > 0 {
		result["required"] = schema.Required
	}
	if schema.Items != nil {
		result["items"] = schemaRefToJSONSchema(schema.Items)
	}
	if schema.Properties != nil {
		props := make(map[string]interface{}, len(schema.Properties))
		for key, propRef := range schema.Properties {
			props[key] = schemaRefToJSONSchema(propRef)
		}
		result["properties"] = props
	}
	return result
}

func buildParameterKey(param *openapi3.Parameter) string {
	return sanitizeName(param.In + "_" + param.Name)
}

func sanitizeName(name string) string {
	if name == "" {
		return "api"
	}
	name = strings.ToLower(name)
	var b strings.Builder
	prevUnderscore := false
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			prevUnderscore = false
			continue
		}
		if !prevUnderscore {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	result := strings.Trim(b.String(), "_")
	if result == "" {
		return "api"
	}
	return result
}

func uniqueToolName(base string, usage map[string]int) string {
	count := usage[base]
	usage[base] = count + 1
	if count == 0 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, count+1)
}

func cloneStringMap(input map[string]string) map[string]string {
	if input == nil {
		return nil
	}
	out := make(map[string]string, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}

func detectOperationName(operation *openapi3.Operation, method, path string) string {
	if operation != nil && operation.OperationID != "" {
		return operation.OperationID
	}
	return fmt.Sprintf("%s_%s", method, strings.Trim(path, "/"))
}

func isURL(path string) bool {
	parsed, err := url.Parse(path)
	return err == nil && parsed.Scheme != "" && parsed.Host != ""
}

func parseURL(raw string) *url.URL {
	parsed, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return parsed
}
