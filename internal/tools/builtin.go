package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/codefionn/reflexion/internal/step"
)

const (
	ToolNameCalculator = "calculator"
	ToolNameText       = "text"
	ToolNameJSONQuery  = "json_query"
)

// RegisterBuiltins registers calculator, text and json_query.
func RegisterBuiltins(r *Registry) error {
	for _, entry := range []struct {
		tool     Tool
		category string
	}{
		{&CalculatorTool{}, "math"},
		{&TextTool{}, "text"},
		{&JSONQueryTool{}, "data"},
	} {
		if err := r.Register(entry.tool, entry.category); err != nil {
			return err
		}
	}
	return nil
}

// CalculatorTool evaluates one arithmetic operation.
type CalculatorTool struct{}

func (t *CalculatorTool) Name() string { return ToolNameCalculator }

func (t *CalculatorTool) Description() string {
	return "Evaluate an arithmetic operation on numbers a and b. sqrt only uses a."
}

func (t *CalculatorTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"op": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"add", "subtract", "multiply", "divide", "power", "sqrt", "mod"},
				"description": "Operation to apply",
			},
			"a": map[string]interface{}{"type": "number", "description": "First operand"},
			"b": map[string]interface{}{"type": "number", "description": "Second operand"},
		},
		"required": []string{"op", "a"},
	}
}

func (t *CalculatorTool) Execute(ctx context.Context, params map[string]interface{}) *ToolResult {
	op := GetStringParam(params, "op", "")
	a, err := GetNumberParam(params, "a")
	if err != nil {
		return Failure(step.KindParameter, "%v", err)
	}
	if op == "sqrt" {
		if a < 0 {
			return Failure(step.KindParameter, "invalid argument: sqrt of negative number %v", a)
		}
		return Success(math.Sqrt(a))
	}

	b, err := GetNumberParam(params, "b")
	if err != nil {
		return Failure(step.KindParameter, "%v", err)
	}
	switch op {
	case "add":
		return Success(a + b)
	case "subtract":
		return Success(a - b)
	case "multiply":
		return Success(a * b)
	case "divide":
		if b == 0 {
			return Failure(step.KindParameter, "invalid argument: division by zero")
		}
		return Success(a / b)
	case "power":
		return Success(math.Pow(a, b))
	case "mod":
		if b == 0 {
			return Failure(step.KindParameter, "invalid argument: modulo by zero")
		}
		return Success(math.Mod(a, b))
	default:
		return Failure(step.KindParameter, "invalid argument: unsupported operation %q", op)
	}
}

// TextTool applies a simple transformation to a string.
type TextTool struct{}

func (t *TextTool) Name() string { return ToolNameText }

func (t *TextTool) Description() string {
	return "Transform or measure text: upper, lower, reverse, length, word_count."
}

func (t *TextTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"op": map[string]interface{}{
				"type": "string",
				"enum": []interface{}{"upper", "lower", "reverse", "length", "word_count"},
			},
			"text": map[string]interface{}{"type": "string", "description": "Input text"},
		},
		"required": []string{"op", "text"},
	}
}

func (t *TextTool) Execute(ctx context.Context, params map[string]interface{}) *ToolResult {
	text := GetStringParam(params, "text", "")
	switch op := GetStringParam(params, "op", ""); op {
	case "upper":
		return Success(strings.ToUpper(text))
	case "lower":
		return Success(strings.ToLower(text))
	case "reverse":
		runes := []rune(text)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return Success(string(runes))
	case "length":
		return Success(len([]rune(text)))
	case "word_count":
		return Success(len(strings.Fields(text)))
	default:
		return Failure(step.KindParameter, "invalid argument: unsupported operation %q", op)
	}
}

// JSONQueryTool extracts a value from a JSON document with a gjson path.
type JSONQueryTool struct{}

func (t *JSONQueryTool) Name() string { return ToolNameJSONQuery }

func (t *JSONQueryTool) Description() string {
	return "Extract a value from a JSON document using a path such as \"users.0.name\" or \"items.#.id\"."
}

func (t *JSONQueryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"json": map[string]interface{}{"type": "string", "description": "JSON document"},
			"path": map[string]interface{}{"type": "string", "description": "gjson path"},
		},
		"required": []string{"json", "path"},
	}
}

func (t *JSONQueryTool) Execute(ctx context.Context, params map[string]interface{}) *ToolResult {
	doc := GetStringParam(params, "json", "")
	path := GetStringParam(params, "path", "")
	if !gjson.Valid(doc) {
		return Failure(step.KindParameter, "json decode error at pos %d", invalidJSONOffset(doc))
	}
	res := gjson.Get(doc, path)
	if !res.Exists() {
		return Failure(step.KindTool, "path %q not found in document", path)
	}
	return Success(res.Value())
}

// invalidJSONOffset reports where encoding/json gave up on doc.
func invalidJSONOffset(doc string) int64 {
	var v interface{}
	err := json.Unmarshal([]byte(doc), &v)
	if se, ok := err.(*json.SyntaxError); ok {
		return se.Offset
	}
	return 0
}

// GetStringParam reads a string parameter.
func GetStringParam(params map[string]interface{}, key, def string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return def
}

// GetNumberParam reads a numeric parameter of any Go numeric type or a
// numeric string.
func GetNumberParam(params map[string]interface{}, key string) (float64, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return 0, fmt.Errorf("missing required parameter %s", key)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid argument: %s is not a number: %q", key, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("invalid argument: %s has type %T, expected number", key, raw)
	}
}
