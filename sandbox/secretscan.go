package sandbox

import (
	"fmt"
	"regexp"
)

// SecretHit is one secret-like match found in captured output.
type SecretHit struct {
	Pattern string `json:"pattern"`
	Context string `json:"context"`
}

func (h SecretHit) String() string {
	return fmt.Sprintf("%s near %q", h.Pattern, h.Context)
}

// secretPatterns flag credential-shaped strings in logs and reports. Any
// hit fails the test run; generated code must never echo key material.
var secretPatterns = []struct {
	name  string
	regex *regexp.Regexp
}{
	{"aws_access_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"openai_api_key", regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`)},
	{"anthropic_api_key", regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`)},
	{"github_token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{"private_key_block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"bearer_header", regexp.MustCompile(`(?i)authorization:\s*bearer\s+[A-Za-z0-9._-]{16,}`)},
	{"generic_api_key", regexp.MustCompile(`(?i)\b(api[_-]?key|secret[_-]?key|access[_-]?token)\b["':=\s]+["']?[A-Za-z0-9/+_-]{16,}`)},
}

// contextRadius bounds how much surrounding text a hit reports. Enough to
// locate the leak without repeating the secret in full.
const contextRadius = 12

// ScanForSecrets checks text against the secret pattern set and returns
// all hits with truncated context.
func ScanForSecrets(text string) []SecretHit {
	var hits []SecretHit
	for _, p := range secretPatterns {
		for _, loc := range p.regex.FindAllStringIndex(text, -1) {
			start := loc[0] - contextRadius
			if start < 0 {
				start = 0
			}
			end := loc[0] + contextRadius
			if end > len(text) {
				end = len(text)
			}
			hits = append(hits, SecretHit{Pattern: p.name, Context: text[start:end]})
		}
	}
	return hits
}
