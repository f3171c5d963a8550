package secrets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromType(t *testing.T) {
	store, err := NewFromType("")
	require.NoError(t, err)
	assert.Equal(t, "env", store.Name())

	store, err = NewFromType("ENV")
	require.NoError(t, err)
	assert.Equal(t, "env", store.Name())

	_, err = NewFromType("aws")
	require.Error(t, err)

	_, err = NewFromType("carrier-pigeon")
	require.Error(t, err)
}

func TestNewFromTypeFileRequiresPath(t *testing.T) {
	t.Setenv("SECRET_FILE_PATH", "")
	_, err := NewFromType("file")
	require.Error(t, err)
}

func TestEnvStoreFetch(t *testing.T) {
	t.Setenv("FORGELOOP_SECRET_KEY_1", "sk-test-value")
	store := &EnvStore{}

	secret, err := store.Fetch(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-value", secret)

	_, err = store.Fetch(context.Background(), "missing")
	var notFound *NotFoundError
	require.True(t, errors.As(err, &notFound), "got %v", err)
	assert.Equal(t, "missing", notFound.KeyID)
}

func TestFileStoreFetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"key-1": "sk-file-value"}`), 0o600))

	store, err := NewFileStore(path)
	require.NoError(t, err)

	secret, err := store.Fetch(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, "sk-file-value", secret)

	_, err = store.Fetch(context.Background(), "key-2")
	var notFound *NotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestNewFileStoreErrors(t *testing.T) {
	_, err := NewFileStore(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("not json"), 0o600))
	_, err = NewFileStore(bad)
	require.Error(t, err)
}

func TestVaultStoreFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token-1", r.Header.Get("X-Vault-Token"))
		switch r.URL.Path {
		case "/v1/secret/data/key-1":
			w.Write([]byte(`{"data": {"data": {"secret": "sk-vault-value"}}}`))
		case "/v1/secret/data/key-empty":
			w.Write([]byte(`{"data": {"data": {}}}`))
		case "/v1/secret/data/key-denied":
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"errors": ["permission denied"]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	store, err := NewVaultStore(srv.URL, "token-1", "secret")
	require.NoError(t, err)
	ctx := context.Background()

	secret, err := store.Fetch(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "sk-vault-value", secret)

	var notFound *NotFoundError
	_, err = store.Fetch(ctx, "key-missing")
	require.True(t, errors.As(err, &notFound))

	// A 200 without the secret field is still a miss.
	_, err = store.Fetch(ctx, "key-empty")
	require.True(t, errors.As(err, &notFound))

	var fetchErr *FetchError
	_, err = store.Fetch(ctx, "key-denied")
	require.True(t, errors.As(err, &fetchErr))
	assert.Contains(t, fetchErr.Error(), "403")
}

func TestNewVaultStoreValidation(t *testing.T) {
	_, err := NewVaultStore("", "token", "secret")
	require.Error(t, err)

	_, err = NewVaultStore("http://vault:8200", "", "secret")
	require.Error(t, err)

	store, err := NewVaultStore("http://vault:8200/", "token", "")
	require.NoError(t, err)
	assert.Equal(t, "vault", store.Name())
}
