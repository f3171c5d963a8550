// Package artifacts manages the on-disk layout of generated code, tests,
// fixtures and test reports under a workspace root.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Workspace subdirectories.
const (
	CodeDir     = "Backtest/codes"
	TestDir     = "tests"
	FixtureDir  = "fixtures"
	ReportDir   = "artifacts"
	ContractDir = "contracts/generated"
)

// slugPattern keeps only filesystem-safe characters in slugs.
var slugPattern = regexp.MustCompile(`[^a-z0-9_]+`)

// Store resolves and creates artifact paths under one workspace root.
type Store struct {
	root string
}

// NewStore creates the store and its standard directory layout.
func NewStore(root string) (*Store, error) {
	for _, dir := range []string{CodeDir, TestDir, FixtureDir, ReportDir, ContractDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the workspace root.
func (s *Store) Root() string { return s.root }

// Slug normalizes a title into a short filename fragment.
func Slug(title string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(title), "_")
	slug = strings.Trim(slug, "_")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	if slug == "" {
		slug = "artifact"
	}
	return slug
}

// UniqueName builds the deterministic unique artifact basename
// {yyyymmdd_hhmmss}_{workflow_id}_{task_id}_{slug}.
func UniqueName(now time.Time, workflowID, taskID, title string) string {
	return fmt.Sprintf("%s_%s_%s_%s",
		now.UTC().Format("20060102_150405"), workflowID, taskID, Slug(title))
}

// CodePath returns the path for a generated implementation file.
func (s *Store) CodePath(name string) string {
	return filepath.Join(s.root, CodeDir, name+".py")
}

// TestPath returns the path of the test file paired with an implementation.
func (s *Store) TestPath(name string) string {
	return filepath.Join(s.root, TestDir, "test_"+name+".py")
}

// FixturePath returns the path of a fixture data file.
func (s *Store) FixturePath(name string) string {
	return filepath.Join(s.root, FixtureDir, name)
}

// ReportDirFor returns (and creates) the tester output directory for one
// task run.
func (s *Store) ReportDirFor(correlationID, taskID string) (string, error) {
	dir := filepath.Join(s.root, ReportDir, correlationID, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	return dir, nil
}

// WriteFile writes content, creating parent directories as needed.
func (s *Store) WriteFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// CodeFilesSince lists generated implementation files modified at or after
// the cutoff. The iterative loop uses this to test only fresh artifacts.
func (s *Store) CodeFilesSince(cutoff time.Time) ([]string, error) {
	dir := filepath.Join(s.root, CodeDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list code dir: %w", err)
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".py") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			out = append(out, filepath.Join(dir, entry.Name()))
		}
	}
	return out, nil
}

// PairedTest returns the test file path for a generated code file.
func (s *Store) PairedTest(codePath string) string {
	base := strings.TrimSuffix(filepath.Base(codePath), ".py")
	return filepath.Join(s.root, TestDir, "test_"+base+".py")
}
