package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/forgeloop/forgeloop/convo"
	"github.com/forgeloop/forgeloop/keys"
	"github.com/google/uuid"
)

// maxResponseSize caps a provider response body read.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Cooldowns applied when a key observes a failure.
const (
	rateLimitCooldown = 60 * time.Second
	transportCooldown = 30 * time.Second
)

// RouterConfig tunes retry behavior.
type RouterConfig struct {
	// MaxAttempts is the total attempt budget per Chat call.
	MaxAttempts int

	// BaseBackoff is the first retry delay; doubled per attempt with
	// +/-25% jitter, capped at MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// RequestTimeout bounds a single provider HTTP call.
	RequestTimeout time.Duration
}

// DefaultRouterConfig returns the standard retry budget.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		MaxAttempts:    3,
		BaseBackoff:    500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		RequestTimeout: 180 * time.Second,
	}
}

// ChatInput is one routed completion request.
type ChatInput struct {
	// ConversationID is stable across a multi-turn interaction. New ids
	// are created on first use.
	ConversationID string
	Prompt         string
	// SystemPrompt is prepended only when the conversation is new.
	SystemPrompt             string
	ModelPreference          string
	Workload                 string
	ExpectedCompletionTokens int
	MaxOutputTokens          int
	Temperature              *float64
}

// ChatResult is a successful routed completion.
type ChatResult struct {
	Content        string     `json:"content"`
	Model          string     `json:"model"`
	KeyID          string     `json:"key_id"`
	Usage          TokenUsage `json:"tokens"`
	ConversationID string     `json:"conversation_id"`
	DurationMs     int64      `json:"duration_ms"`
}

// Router is the single entry point for LLM calls. It owns conversation
// assembly, key acquisition, retry with backoff, cooldown marking and the
// safety-filter escalation ladder.
type Router struct {
	keys       *keys.Manager
	convs      convo.Store
	httpClient *http.Client
	config     RouterConfig
	logger     *slog.Logger
	callLog    *CallLog
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) RouterOption {
	return func(r *Router) { r.httpClient = c }
}

// WithRouterConfig sets the retry configuration.
func WithRouterConfig(cfg RouterConfig) RouterOption {
	return func(r *Router) { r.config = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// WithCallLog records every routed call for introspection.
func WithCallLog(log *CallLog) RouterOption {
	return func(r *Router) { r.callLog = log }
}

// NewRouter creates a router over the key manager and conversation store.
func NewRouter(km *keys.Manager, convs convo.Store, opts ...RouterOption) *Router {
	r := &Router{
		keys:   km,
		convs:  convs,
		config: DefaultRouterConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.httpClient == nil {
		r.httpClient = &http.Client{Timeout: r.config.RequestTimeout}
	}
	return r
}

// Chat routes one completion request through the key pool.
func (r *Router) Chat(ctx context.Context, in ChatInput) (*ChatResult, error) {
	if in.ConversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if in.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	if !r.convs.Exists(ctx, in.ConversationID) {
		if err := r.convs.Create(ctx, in.ConversationID, nil); err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		if in.SystemPrompt != "" {
			if err := r.convs.Append(ctx, in.ConversationID, convo.Message{
				Role:    convo.RoleSystem,
				Content: in.SystemPrompt,
			}); err != nil {
				return nil, fmt.Errorf("append system message: %w", err)
			}
		}
	}

	if err := r.convs.Append(ctx, in.ConversationID, convo.Message{
		Role:    convo.RoleUser,
		Content: in.Prompt,
		Tokens:  EstimateTokens(in.Prompt),
	}); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	history, err := r.convs.History(ctx, in.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	messages := toWireMessages(history)
	tokensNeeded := EstimateMessages(messages) + in.ExpectedCompletionTokens

	record := CallRecord{
		RequestID:      uuid.New().String(),
		ConversationID: in.ConversationID,
		Workload:       in.Workload,
		StartedAt:      time.Now(),
	}

	excluded := make(map[string]bool)
	workload := in.Workload
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		record.Attempts = attempt

		lease, err := r.keys.Acquire(ctx, keys.Demand{
			ModelPreference: in.ModelPreference,
			TokensNeeded:    tokensNeeded,
			Excluded:        excluded,
			Workload:        workload,
		})
		if err != nil {
			var exhausted *keys.ExhaustedError
			if errors.As(err, &exhausted) {
				keyExhaustedTotal.Inc()
			}
			r.recordFailure(&record, err)
			return nil, err
		}

		resp, err := r.callProvider(ctx, lease, messages, in)
		if err == nil {
			return r.finish(ctx, in, lease, resp, &record)
		}
		lastErr = err

		var rateLimited *RateLimitError
		var blocked *SafetyBlockError
		var provErr *ProviderError
		switch {
		case errors.As(err, &rateLimited):
			cooldown := rateLimitCooldown
			if rateLimited.RetryAfter > 0 {
				cooldown = rateLimited.RetryAfter
			}
			r.keys.MarkUnhealthy(ctx, lease.KeyID, cooldown, "rate_limited")
			excluded[lease.KeyID] = true
			requestsTotal.WithLabelValues(lease.Provider, "rate_limited").Inc()

		case errors.As(err, &blocked):
			// Content problem, not a key problem: escalate workload,
			// then sanitize on the final attempt with the same key.
			requestsTotal.WithLabelValues(lease.Provider, "safety_blocked").Inc()
			switch {
			// An unset workload starts at the bottom of the ladder so every
			// tier is tried before the prompt is sanitized.
			case (workload == "" || workload == keys.WorkloadLight) && attempt < r.config.MaxAttempts:
				workload = keys.WorkloadMedium
				safetyEscalationsTotal.Inc()
				r.logger.Info("safety block, escalating workload", "to", workload)
				continue
			case workload == keys.WorkloadMedium && attempt < r.config.MaxAttempts:
				workload = keys.WorkloadHeavy
				safetyEscalationsTotal.Inc()
				r.logger.Info("safety block, escalating workload", "to", workload)
				continue
			default:
				sanitized := sanitizeLastUserMessage(messages)
				record.Sanitized = true
				r.logger.Info("safety block, retrying with sanitized prompt", "key_id", lease.KeyID)
				resp, err := r.callProvider(ctx, lease, sanitized, in)
				if err == nil {
					return r.finish(ctx, in, lease, resp, &record)
				}
				r.recordFailure(&record, err)
				return nil, err
			}

		case errors.As(err, &provErr) && provErr.Retryable:
			r.keys.MarkUnhealthy(ctx, lease.KeyID, transportCooldown, "transport_error")
			excluded[lease.KeyID] = true
			requestsTotal.WithLabelValues(lease.Provider, "transport_error").Inc()

		default:
			requestsTotal.WithLabelValues(lease.Provider, "error").Inc()
			r.recordFailure(&record, err)
			return nil, err
		}

		if attempt < r.config.MaxAttempts {
			backoff := r.backoff(attempt)
			r.logger.Debug("routed call failed, backing off",
				"attempt", attempt, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				r.recordFailure(&record, ctx.Err())
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	r.recordFailure(&record, lastErr)
	return nil, fmt.Errorf("all %d attempts failed: %w", r.config.MaxAttempts, lastErr)
}

// finish appends the assistant reply and assembles the result.
func (r *Router) finish(ctx context.Context, in ChatInput, lease *keys.Lease, resp *Response, record *CallRecord) (*ChatResult, error) {
	if err := r.convs.Append(ctx, in.ConversationID, convo.Message{
		Role:    convo.RoleAssistant,
		Content: resp.Content,
		Tokens:  resp.Usage.CompletionTokens,
	}); err != nil {
		return nil, fmt.Errorf("append assistant message: %w", err)
	}

	r.keys.CorrectUsage(ctx, lease.KeyID, lease.TokensReserved, resp.Usage.TotalTokens)

	duration := time.Since(record.StartedAt)
	record.Model = resp.Model
	record.Provider = lease.Provider
	record.KeyID = lease.KeyID
	record.Usage = resp.Usage
	record.Duration = duration
	if r.callLog != nil {
		r.callLog.Add(*record)
	}
	requestsTotal.WithLabelValues(lease.Provider, "success").Inc()

	return &ChatResult{
		Content:        resp.Content,
		Model:          resp.Model,
		KeyID:          lease.KeyID,
		Usage:          resp.Usage,
		ConversationID: in.ConversationID,
		DurationMs:     duration.Milliseconds(),
	}, nil
}

func (r *Router) recordFailure(record *CallRecord, err error) {
	record.Duration = time.Since(record.StartedAt)
	if err != nil {
		record.Error = err.Error()
	}
	if r.callLog != nil {
		r.callLog.Add(*record)
	}
}

// backoff computes base * 2^(attempt-1) with +/-25% jitter, capped.
func (r *Router) backoff(attempt int) time.Duration {
	backoff := r.config.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= r.config.MaxBackoff {
			backoff = r.config.MaxBackoff
			break
		}
	}
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// callProvider executes a single HTTP chat completion against the leased
// key's provider.
func (r *Router) callProvider(ctx context.Context, lease *keys.Lease, messages []Message, in ChatInput) (*Response, error) {
	provider := GetProvider(lease.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", lease.Provider))
	}

	body, err := provider.BuildRequestBody(lease.Model, messages, in.Temperature, in.MaxOutputTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, r.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, provider.BuildURL(lease.BaseURL), bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(req, lease.Secret)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: lease.Provider, Detail: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &ProviderError{Provider: lease.Provider, Detail: err.Error(), Retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(lease.Provider, resp, respBody)
	}
	return provider.ParseResponse(respBody, lease.Model)
}

// classifyHTTPError maps provider HTTP failures onto the typed taxonomy.
func classifyHTTPError(provider string, resp *http.Response, body []byte) error {
	detail := string(body)
	if len(detail) > 200 {
		detail = detail[:200] + "..."
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{
			Provider:   provider,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Detail:     detail,
		}
	case resp.StatusCode == http.StatusBadRequest && looksLikeSafetyBlock(detail):
		return &SafetyBlockError{Provider: provider, Detail: detail}
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return &ProviderError{Provider: provider, StatusCode: resp.StatusCode, Detail: detail, Retryable: true}
	case resp.StatusCode >= 500:
		return &ProviderError{Provider: provider, StatusCode: resp.StatusCode, Detail: detail, Retryable: true}
	default:
		return &ProviderError{Provider: provider, StatusCode: resp.StatusCode, Detail: detail}
	}
}

// looksLikeSafetyBlock spots content-filter refusals delivered as HTTP 400.
func looksLikeSafetyBlock(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "safety") ||
		strings.Contains(lower, "content_filter") ||
		strings.Contains(lower, "content management policy") ||
		strings.Contains(lower, "blocked")
}

// parseRetryAfter handles the delay-seconds form of the header.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// toWireMessages converts stored history to provider wire shape.
func toWireMessages(history []convo.Message) []Message {
	out := make([]Message, len(history))
	for i, m := range history {
		out[i] = Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// sanitizeLastUserMessage returns a copy of messages with the final user
// turn rewritten by SanitizePrompt.
func sanitizeLastUserMessage(messages []Message) []Message {
	out := append([]Message(nil), messages...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == convo.RoleUser {
			out[i].Content = SanitizePrompt(out[i].Content)
			break
		}
	}
	return out
}
