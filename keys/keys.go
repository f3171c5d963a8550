// Package keys selects LLM credentials with available rate capacity.
// Metadata lives in memory, rate bookkeeping in Redis, secret material in
// the secret store; the manager only joins the three.
package keys

import (
	"time"
)

// Workload tiers order models by strength for safety-filter escalation.
const (
	WorkloadLight  = "light"
	WorkloadMedium = "medium"
	WorkloadHeavy  = "heavy"
)

// APIKey is credential metadata. The secret itself is never stored here;
// it is fetched on demand from the secret store by key id.
type APIKey struct {
	KeyID     string            `json:"key_id" yaml:"key_id"`
	ModelName string            `json:"model_name" yaml:"model_name"`
	Provider  string            `json:"provider" yaml:"provider"`
	// BaseURL overrides the provider's default API endpoint (self-hosted
	// gateways, ollama).
	BaseURL   string            `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	RPM       int               `json:"rpm" yaml:"rpm"`
	TPM       int               `json:"tpm" yaml:"tpm"`
	RPD       int               `json:"rpd,omitempty" yaml:"rpd,omitempty"`
	Priority  int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	Workload  string            `json:"workload,omitempty" yaml:"workload,omitempty"`
	Active    bool              `json:"active" yaml:"active"`
	Tags      map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// workloadTag returns the key's workload tier, from the dedicated field or
// the tags map.
func (k *APIKey) workloadTag() string {
	if k.Workload != "" {
		return k.Workload
	}
	return k.Tags["workload"]
}

// Demand describes what a request needs from a key.
type Demand struct {
	ModelPreference string
	TokensNeeded    int
	Excluded        map[string]bool
	Workload        string
}

// Lease is a successful key selection. TokensReserved records the TPM
// estimate taken at acquisition so callers can reconcile it against the
// provider's reported usage.
type Lease struct {
	KeyID          string
	Secret         string
	Model          string
	Provider       string
	BaseURL        string
	TokensReserved int
}

// HealthStatus summarizes the manager's view of the key pool.
type HealthStatus struct {
	ConfiguredKeys int       `json:"configured_keys"`
	ActiveKeys     int       `json:"active_keys"`
	CoolingDown    int       `json:"cooling_down"`
	RedisReachable bool      `json:"redis_reachable"`
	CheckedAt      time.Time `json:"checked_at"`
}
