// Package llm routes chat completions to LLM providers through the shared
// key manager, with retry, cooldown and safety-filter escalation.
package llm

import (
	"net/http"
	"sync"
)

// Message is a role-tagged chat message in provider wire shape.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenUsage is the token consumption reported by a provider.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a parsed provider completion.
type Response struct {
	Content      string
	Model        string
	Usage        TokenUsage
	FinishReason string
}

// Provider adapts one LLM API. Providers that have no native system role
// collapse it into the first user turn inside BuildRequestBody.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "openai").
	Name() string

	// BuildURL constructs the chat completion endpoint URL.
	BuildURL(baseURL string) string

	// SetHeaders adds authentication and protocol headers. The api key is
	// supplied per call; providers never read it from the environment.
	SetHeaders(req *http.Request, apiKey string)

	// BuildRequestBody creates the JSON request body.
	// temperature is nil to use the provider default.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse extracts the completion from provider-specific JSON.
	// A content-filter finish reason must surface as *SafetyBlockError.
	ParseResponse(body []byte, model string) (*Response, error)
}

var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry. Called from provider
// package init functions.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name, or nil.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()
	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	return names
}
