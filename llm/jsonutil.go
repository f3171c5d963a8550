package llm

import (
	"regexp"
	"strings"
)

// Patterns for pulling JSON out of model output. Models wrap JSON in
// markdown fences and emit JS-style comments and trailing commas often
// enough that every consumer needs this cleanup.
var (
	fencedObjectPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	bareObjectPattern   = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	trailingComma       = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls a JSON object out of a model response, handling
// markdown fences, line comments outside strings, and trailing commas.
// Returns "" when no object is present.
func ExtractJSON(content string) string {
	raw := ""
	if m := fencedObjectPattern.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else if m := bareObjectPattern.FindString(content); m != "" {
		raw = m
	}
	if raw == "" {
		return ""
	}

	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingComma.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment removes a // comment from a line unless the slashes sit
// inside a JSON string value (URLs survive).
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		switch {
		case escaped:
			escaped = false
		case line[i] == '\\' && inString:
			escaped = true
		case line[i] == '"':
			inString = !inString
		case !inString && line[i] == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}

// StripCodeFences removes markdown code fences from generated source,
// returning the first fenced block when present, otherwise the input
// trimmed.
func StripCodeFences(content string) string {
	if m := codeFencePattern.FindStringSubmatch(content); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(content)
}
