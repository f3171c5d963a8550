// Package contract defines the machine-readable interface spec the
// architect produces and the coder consumes.
package contract

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Interface describes one callable the generated code must expose.
type Interface struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Signature   string   `json:"signature"`
	Returns     string   `json:"returns,omitempty"`
	Raises      []string `json:"raises,omitempty"`
}

// DataModel describes one structured value exchanged across an interface.
type DataModel struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Fields      map[string]string `json:"fields"`
}

// Example is an input/output pair the implementation must reproduce.
type Example struct {
	Interface string `json:"interface"`
	Input     any    `json:"input"`
	Output    any    `json:"output"`
	Notes     string `json:"notes,omitempty"`
}

// Fixture names a deterministic data file tests rely on.
type Fixture struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Contract is the architect's output, referenced by contract_path in the
// coder's task.
type Contract struct {
	ContractID   string      `json:"contract_id"`
	TaskID       string      `json:"task_id,omitempty"`
	Interfaces   []Interface `json:"interfaces"`
	DataModels   []DataModel `json:"data_models,omitempty"`
	Examples     []Example   `json:"examples,omitempty"`
	TestSkeleton string      `json:"test_skeleton,omitempty"`
	Fixtures     []Fixture   `json:"fixtures,omitempty"`
}

// Validate checks the minimum the coder needs to work from.
func (c *Contract) Validate() error {
	if c.ContractID == "" {
		return fmt.Errorf("contract_id is required")
	}
	if len(c.Interfaces) == 0 {
		return fmt.Errorf("contract %s declares no interfaces", c.ContractID)
	}
	for i, iface := range c.Interfaces {
		if iface.Name == "" {
			return fmt.Errorf("contract %s interface %d has no name", c.ContractID, i)
		}
		if iface.Signature == "" {
			return fmt.Errorf("contract %s interface %s has no signature", c.ContractID, iface.Name)
		}
	}
	return nil
}

// Load reads and validates a contract file.
func Load(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contract: %w", err)
	}
	var c Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse contract: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes the contract under root/contracts/generated and returns its
// path.
func Save(root string, c *Contract) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	dir := filepath.Join(root, "contracts", "generated")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create contracts dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal contract: %w", err)
	}
	path := filepath.Join(dir, c.ContractID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write contract: %w", err)
	}
	return path, nil
}
