package llm

import (
	"strings"
)

// CleanLLMJSONResponse removes common formatting from LLM JSON responses.
// It handles:
// - Markdown code blocks (```json or ```), also when surrounded by prose
// - XML-style tags (<tag>content</tag>)
// - Leading/trailing whitespace
func CleanLLMJSONResponse(response string) string {
	response = strings.TrimSpace(response)

	if start := strings.Index(response, "```"); start >= 0 {
		rest := response[start+3:]
		if nl := strings.Index(rest, "\n"); nl >= 0 && !strings.ContainsAny(rest[:nl], "{[") {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		response = strings.TrimSpace(rest)
	}

	response = extractFromXMLTags(response)

	return strings.TrimSpace(response)
}

// ExtractJSONObject returns the first JSON object embedded in response, or
// false when none can be delimited. The object is not validated.
func ExtractJSONObject(response string) (string, bool) {
	cleaned := CleanLLMJSONResponse(response)
	if strings.HasPrefix(cleaned, "{") && strings.HasSuffix(cleaned, "}") {
		return cleaned, true
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start >= 0 && end > start {
		return response[start : end+1], true
	}
	return "", false
}

// extractFromXMLTags removes the outermost XML-style tags from content.
// For example: "<tag>content</tag>" becomes "content"
// Handles attributes: "<tag attr="value">content</tag>" becomes "content"
func extractFromXMLTags(content string) string {
	if !strings.HasPrefix(content, "<") {
		return content
	}

	openEnd := strings.Index(content, ">")
	if openEnd == -1 {
		return content
	}
	openEnd++

	openTagContent := content[1 : openEnd-1]
	tagName := openTagContent
	if spaceIdx := strings.Index(openTagContent, " "); spaceIdx != -1 {
		tagName = openTagContent[:spaceIdx]
	}

	closeStart := strings.Index(content, "</"+tagName+">")
	if closeStart > openEnd {
		return content[openEnd:closeStart]
	}

	return content
}

// TruncateForError truncates a string for error messages.
func TruncateForError(value string, limit int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit]) + "..."
}
