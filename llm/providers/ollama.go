package providers

import (
	"net/http"
	"strings"

	"github.com/forgeloop/forgeloop/llm"
)

// OllamaProvider implements the OpenAI-compatible API used by Ollama, vLLM
// and similar self-hosted gateways. Separate from OpenAIProvider so the
// default URL and auth differ.
type OllamaProvider struct {
	OpenAIProvider // shared request/response format
}

func init() {
	llm.RegisterProvider(&OllamaProvider{})
}

// Name returns the provider identifier.
func (o *OllamaProvider) Name() string {
	return "ollama"
}

// BuildURL constructs the chat completions endpoint, defaulting to the
// local Ollama port.
func (o *OllamaProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// SetHeaders adds bearer auth only when a key is configured; local Ollama
// needs none.
func (o *OllamaProvider) SetHeaders(req *http.Request, apiKey string) {
	if apiKey != "" && apiKey != "none" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}
