package llm

import (
	"regexp"
	"strings"
)

// codeFencePattern matches fenced code blocks including the fence lines.
var codeFencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\n?(.*?)```")

// triggerSynonyms replaces words that commonly trip safety filters in a
// trading or process-control context with neutral equivalents. Applied only
// on the last attempt after escalation has failed.
var triggerSynonyms = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)\bkill\b`), "close"},
	{regexp.MustCompile(`(?i)\bkills\b`), "closes"},
	{regexp.MustCompile(`(?i)\bdestroy\b`), "remove"},
	{regexp.MustCompile(`(?i)\bexploit\b`), "utilize"},
	{regexp.MustCompile(`(?i)\battack\b`), "approach"},
	{regexp.MustCompile(`(?i)\baggressive\b`), "assertive"},
	{regexp.MustCompile(`(?i)\bexecute\b`), "run"},
}

// SanitizePrompt rewrites a prompt after repeated safety blocks: code
// fences are stripped down to their contents and trigger words are swapped
// for neutral synonyms.
func SanitizePrompt(prompt string) string {
	out := codeFencePattern.ReplaceAllString(prompt, "$1")
	for _, sub := range triggerSynonyms {
		out = sub.pattern.ReplaceAllString(out, sub.replacement)
	}
	return strings.TrimSpace(out)
}
