package contract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *Contract {
	return &Contract{
		ContractID: "contract_rsi",
		TaskID:     "task_build",
		Interfaces: []Interface{
			{Name: "compute_rsi", Signature: "compute_rsi(values, period=14)", Returns: "float"},
		},
		Examples: []Example{
			{Interface: "compute_rsi", Input: []any{[]any{1.0, 2.0}}, Output: 50.0},
		},
		TestSkeleton: "def test_compute_rsi():\n    pass\n",
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, sample().Validate())

	tests := []struct {
		name   string
		mutate func(*Contract)
	}{
		{"missing id", func(c *Contract) { c.ContractID = "" }},
		{"no interfaces", func(c *Contract) { c.Interfaces = nil }},
		{"unnamed interface", func(c *Contract) { c.Interfaces[0].Name = "" }},
		{"no signature", func(c *Contract) { c.Interfaces[0].Signature = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := sample()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	root := t.TempDir()
	c := sample()

	path, err := Save(root, c)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "contracts", "generated", "contract_rsi.json"), path)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c.ContractID, loaded.ContractID)
	assert.Equal(t, c.TaskID, loaded.TaskID)
	require.Len(t, loaded.Interfaces, 1)
	assert.Equal(t, "compute_rsi", loaded.Interfaces[0].Name)
	assert.Equal(t, c.TestSkeleton, loaded.TestSkeleton)
}

func TestSaveRejectsInvalid(t *testing.T) {
	c := sample()
	c.Interfaces = nil
	_, err := Save(t.TempDir(), c)
	require.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("not json"), 0o644))
	_, err = Load(bad)
	require.Error(t, err)

	invalid := filepath.Join(t.TempDir(), "invalid.json")
	require.NoError(t, os.WriteFile(invalid, []byte(`{"contract_id": "c1", "interfaces": []}`), 0o644))
	_, err = Load(invalid)
	require.Error(t, err)
}
