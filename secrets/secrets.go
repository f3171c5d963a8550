// Package secrets resolves API credentials by key id. Key metadata records
// never carry secret material; callers fetch it on demand through a Store.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Store fetches the secret for a key id.
type Store interface {
	// Fetch returns the secret value for keyID.
	Fetch(ctx context.Context, keyID string) (string, error)
	// Name identifies the backend for logging and health reporting.
	Name() string
}

// FetchError wraps a backend failure so callers can distinguish it from
// configuration errors and place the affected key on cooldown.
type FetchError struct {
	KeyID   string
	Backend string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch secret for %s from %s: %v", e.KeyID, e.Backend, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NotFoundError reports that the backend has no secret for the key id.
type NotFoundError struct {
	KeyID   string
	Backend string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no secret for %s in %s", e.KeyID, e.Backend)
}

// New builds a Store from the SECRET_STORE_TYPE environment variable.
// Supported: "env" (development only), "file", "vault". The aws and azure
// backends are recognized but not built into this binary.
func New() (Store, error) {
	return NewFromType(os.Getenv("SECRET_STORE_TYPE"))
}

// NewFromType builds a Store for an explicit backend name.
func NewFromType(storeType string) (Store, error) {
	switch strings.ToLower(storeType) {
	case "", "env":
		return &EnvStore{}, nil
	case "file":
		path := os.Getenv("SECRET_FILE_PATH")
		if path == "" {
			return nil, fmt.Errorf("file secret store requires SECRET_FILE_PATH")
		}
		return NewFileStore(path)
	case "vault":
		return NewVaultStore(
			os.Getenv("VAULT_ADDR"),
			os.Getenv("VAULT_TOKEN"),
			os.Getenv("VAULT_SECRET_PATH"),
		)
	case "aws", "azure":
		return nil, fmt.Errorf("secret store %q is not built into this binary", storeType)
	default:
		return nil, fmt.Errorf("unknown secret store type %q", storeType)
	}
}

// EnvStore reads secrets from environment variables named
// FORGELOOP_SECRET_<KEY_ID> (uppercased, dashes mapped to underscores).
// Development only.
type EnvStore struct{}

// Name identifies the backend.
func (s *EnvStore) Name() string { return "env" }

// Fetch reads the secret from the process environment.
func (s *EnvStore) Fetch(_ context.Context, keyID string) (string, error) {
	name := "FORGELOOP_SECRET_" + strings.ToUpper(strings.ReplaceAll(keyID, "-", "_"))
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	return "", &NotFoundError{KeyID: keyID, Backend: s.Name()}
}

// FileStore reads secrets from a JSON file mapping key id to secret.
type FileStore struct {
	path    string
	secrets map[string]string
}

// NewFileStore loads the secret map from path.
func NewFileStore(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parse secret file: %w", err)
	}
	return &FileStore{path: path, secrets: secrets}, nil
}

// Name identifies the backend.
func (s *FileStore) Name() string { return "file" }

// Fetch looks up the secret in the loaded map.
func (s *FileStore) Fetch(_ context.Context, keyID string) (string, error) {
	if v, ok := s.secrets[keyID]; ok {
		return v, nil
	}
	return "", &NotFoundError{KeyID: keyID, Backend: s.Name()}
}

// VaultStore fetches secrets from a HashiCorp Vault KV v2 mount over its
// HTTP API. Secrets live at <mountPath>/data/<keyID> with the value under
// the "secret" field.
type VaultStore struct {
	addr       string
	token      string
	mountPath  string
	httpClient *http.Client
}

// NewVaultStore validates the connection parameters and returns a store.
func NewVaultStore(addr, token, mountPath string) (*VaultStore, error) {
	if addr == "" {
		return nil, fmt.Errorf("vault secret store requires VAULT_ADDR")
	}
	if token == "" {
		return nil, fmt.Errorf("vault secret store requires VAULT_TOKEN")
	}
	if mountPath == "" {
		mountPath = "secret"
	}
	return &VaultStore{
		addr:       strings.TrimSuffix(addr, "/"),
		token:      token,
		mountPath:  strings.Trim(mountPath, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Name identifies the backend.
func (s *VaultStore) Name() string { return "vault" }

// Fetch reads the secret from Vault's KV v2 read endpoint.
func (s *VaultStore) Fetch(ctx context.Context, keyID string) (string, error) {
	url := fmt.Sprintf("%s/v1/%s/data/%s", s.addr, s.mountPath, keyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &FetchError{KeyID: keyID, Backend: s.Name(), Err: err}
	}
	req.Header.Set("X-Vault-Token", s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", &FetchError{KeyID: keyID, Backend: s.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", &NotFoundError{KeyID: keyID, Backend: s.Name()}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &FetchError{
			KeyID:   keyID,
			Backend: s.Name(),
			Err:     fmt.Errorf("vault status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var payload struct {
		Data struct {
			Data map[string]string `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", &FetchError{KeyID: keyID, Backend: s.Name(), Err: err}
	}
	if v, ok := payload.Data.Data["secret"]; ok && v != "" {
		return v, nil
	}
	return "", &NotFoundError{KeyID: keyID, Backend: s.Name()}
}
