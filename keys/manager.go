package keys

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/forgeloop/forgeloop/ratestore"
	"github.com/forgeloop/forgeloop/secrets"
)

// ExhaustedError reports that no key with capacity remained after all
// fallbacks (workload filter dropped, then model preference dropped).
type ExhaustedError struct {
	ModelPreference string
	TokensNeeded    int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all keys exhausted (model_preference=%q, tokens_needed=%d)", e.ModelPreference, e.TokensNeeded)
}

// secretFetchCooldown keeps a key out of rotation briefly after its secret
// could not be fetched.
const secretFetchCooldown = 60 * time.Second

// Manager selects a usable key for each request.
type Manager struct {
	mu     sync.RWMutex
	keys   map[string]*APIKey
	rates  *ratestore.Store
	store  secrets.Store
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a key manager over the given rate store and secret
// store.
func NewManager(rates *ratestore.Store, store secrets.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		keys:   make(map[string]*APIKey),
		rates:  rates,
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load replaces the in-memory key index. Safe to call while requests are in
// flight; in-progress selections finish against the old index.
func (m *Manager) Load(list []APIKey) {
	index := make(map[string]*APIKey, len(list))
	for i := range list {
		k := list[i]
		index[k.KeyID] = &k
	}
	m.mu.Lock()
	m.keys = index
	m.mu.Unlock()
	m.logger.Info("key index loaded", "keys", len(index))
}

// Acquire returns a key satisfying the demand, or ExhaustedError. The
// fallback ladder drops the workload filter first, then the model
// preference.
func (m *Manager) Acquire(ctx context.Context, demand Demand) (*Lease, error) {
	if lease, err := m.acquireOnce(ctx, demand); err == nil {
		return lease, nil
	}
	if demand.Workload != "" {
		relaxed := demand
		relaxed.Workload = ""
		if lease, err := m.acquireOnce(ctx, relaxed); err == nil {
			m.logger.Debug("key acquired after dropping workload filter", "key_id", lease.KeyID)
			return lease, nil
		}
	}
	if demand.ModelPreference != "" {
		relaxed := demand
		relaxed.Workload = ""
		relaxed.ModelPreference = ""
		if lease, err := m.acquireOnce(ctx, relaxed); err == nil {
			m.logger.Debug("key acquired after dropping model preference", "key_id", lease.KeyID)
			return lease, nil
		}
	}
	return nil, &ExhaustedError{ModelPreference: demand.ModelPreference, TokensNeeded: demand.TokensNeeded}
}

// acquireOnce runs one pass of the selection algorithm: filter, narrow by
// workload, sort, then attempt atomic reservations in order.
func (m *Manager) acquireOnce(ctx context.Context, demand Demand) (*Lease, error) {
	candidates := m.candidates(ctx, demand)
	if len(candidates) == 0 {
		return nil, &ExhaustedError{ModelPreference: demand.ModelPreference, TokensNeeded: demand.TokensNeeded}
	}

	sortCandidates(candidates, demand.ModelPreference)

	for _, key := range candidates {
		if !m.reserve(ctx, key, demand.TokensNeeded) {
			continue
		}

		secret, err := m.store.Fetch(ctx, key.KeyID)
		if err != nil {
			m.logger.Warn("secret fetch failed, cooling key down",
				"key_id", key.KeyID, "error", err)
			m.releaseReservation(ctx, key)
			if cdErr := m.rates.SetCooldown(ctx, key.KeyID, secretFetchCooldown, "secret_fetch_failed"); cdErr != nil {
				m.logger.Warn("cooldown write failed", "key_id", key.KeyID, "error", cdErr)
			}
			continue
		}

		return &Lease{
			KeyID:          key.KeyID,
			Secret:         secret,
			Model:          key.ModelName,
			Provider:       key.Provider,
			BaseURL:        key.BaseURL,
			TokensReserved: demand.TokensNeeded,
		}, nil
	}
	return nil, &ExhaustedError{ModelPreference: demand.ModelPreference, TokensNeeded: demand.TokensNeeded}
}

// candidates returns active keys that are not excluded and not cooling
// down, narrowed to the demanded workload tier when at least one key
// matches it.
func (m *Manager) candidates(ctx context.Context, demand Demand) []*APIKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*APIKey
	for _, key := range m.keys {
		if !key.Active || demand.Excluded[key.KeyID] {
			continue
		}
		cooling, err := m.rates.InCooldown(ctx, key.KeyID)
		if err != nil {
			// Redis down: fail open, treat the key as available.
			m.logger.Warn("cooldown check failed, failing open", "key_id", key.KeyID, "error", err)
		} else if cooling {
			continue
		}
		out = append(out, key)
	}

	if demand.Workload != "" {
		var matched []*APIKey
		for _, key := range out {
			if key.workloadTag() == demand.Workload {
				matched = append(matched, key)
			}
		}
		if len(matched) > 0 {
			return matched
		}
	}
	return out
}

// sortCandidates orders keys by (preferred-model mismatch, priority,
// jitter). Jitter spreads load across keys of equal rank.
func sortCandidates(candidates []*APIKey, modelPreference string) {
	type ranked struct {
		key      *APIKey
		mismatch int
		priority int
		jitter   float64
	}
	rankedKeys := make([]ranked, len(candidates))
	for i, key := range candidates {
		mismatch := 0
		if modelPreference != "" && key.ModelName != modelPreference {
			mismatch = 1
		}
		priority := key.Priority
		if priority == 0 {
			priority = int(^uint(0) >> 1)
		}
		rankedKeys[i] = ranked{key: key, mismatch: mismatch, priority: priority, jitter: rand.Float64()}
	}
	sort.Slice(rankedKeys, func(i, j int) bool {
		a, b := rankedKeys[i], rankedKeys[j]
		if a.mismatch != b.mismatch {
			return a.mismatch < b.mismatch
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.jitter < b.jitter
	})
	for i := range rankedKeys {
		candidates[i] = rankedKeys[i].key
	}
}

// reserve attempts the atomic RPM then TPM reservations. Redis errors fail
// open: availability is preferred over strict limiting when the rate store
// is unreachable.
func (m *Manager) reserve(ctx context.Context, key *APIKey, tokens int) bool {
	now := m.now()

	ok, err := m.rates.ReserveRPM(ctx, key.KeyID, key.RPM, now)
	if err != nil {
		m.logger.Warn("rpm reservation errored, failing open", "key_id", key.KeyID, "error", err)
		return true
	}
	if !ok {
		return false
	}

	ok, err = m.rates.ReserveTPM(ctx, key.KeyID, key.TPM, tokens, now)
	if err != nil {
		m.logger.Warn("tpm reservation errored, failing open", "key_id", key.KeyID, "error", err)
		return true
	}
	if !ok {
		m.rates.ReleaseRPM(ctx, key.KeyID, now)
		return false
	}
	return true
}

// releaseReservation rolls back the RPM slot after a post-reservation
// failure. TPM usage is left in place; windows expire within a minute.
func (m *Manager) releaseReservation(ctx context.Context, key *APIKey) {
	m.rates.ReleaseRPM(ctx, key.KeyID, m.now())
}

// CorrectUsage reconciles a lease's TPM reservation with the token count
// the provider actually reported. Best effort; a zero or missing report
// leaves the estimate standing.
func (m *Manager) CorrectUsage(ctx context.Context, keyID string, reserved, actual int) {
	if actual <= 0 || actual == reserved {
		return
	}
	if err := m.rates.AdjustTPM(ctx, keyID, actual-reserved, m.now()); err != nil {
		m.logger.Warn("tpm usage correction failed", "key_id", keyID, "error", err)
	}
}

// MarkUnhealthy places a key on cooldown. Callers use this after provider
// rate-limit or transport failures.
func (m *Manager) MarkUnhealthy(ctx context.Context, keyID string, d time.Duration, reason string) {
	if err := m.rates.SetCooldown(ctx, keyID, d, reason); err != nil {
		m.logger.Warn("cooldown write failed", "key_id", keyID, "reason", reason, "error", err)
		return
	}
	m.logger.Info("key placed on cooldown", "key_id", keyID, "duration", d, "reason", reason)
}

// Health reports pool totals, cooldown count and Redis reachability.
func (m *Manager) Health(ctx context.Context) HealthStatus {
	m.mu.RLock()
	var ids []string
	active := 0
	for id, key := range m.keys {
		ids = append(ids, id)
		if key.Active {
			active++
		}
	}
	configured := len(m.keys)
	m.mu.RUnlock()

	status := HealthStatus{
		ConfiguredKeys: configured,
		ActiveKeys:     active,
		CheckedAt:      m.now().UTC(),
	}
	if err := m.rates.Ping(ctx); err == nil {
		status.RedisReachable = true
		status.CoolingDown = m.rates.CooldownCount(ctx, ids)
	}
	return status
}
