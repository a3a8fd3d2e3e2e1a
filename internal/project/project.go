// Package project reads and writes the per-project ".secrets.yaml"
// marker file that identifies a project root to the CLI collaborator,
// grounded on the engine's own config-loader pattern
// (internal/config.LoadConfig) but backed by YAML instead of
// SECRETSVAULT_* environment variables, since a marker file is
// committed alongside a project's other config rather than read from
// the process environment.
package project

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const markerFileName = ".secrets.yaml"
const markerFilePerm = 0o644

// Marker is the parsed contents of a .secrets.yaml file.
type Marker struct {
	ProjectID   string   `yaml:"project_id"`
	Name        string   `yaml:"name"`
	Environment string   `yaml:"environment"`
	Tags        []string `yaml:"tags,omitempty"`
}

// MarkerPath returns the .secrets.yaml path under dir.
func MarkerPath(dir string) string {
	return filepath.Join(dir, markerFileName)
}

// Write serializes marker to dir/.secrets.yaml with 0644 permissions,
// matching the vault's convention that project markers (unlike the
// vault database itself) are meant to be readable and committed.
func Write(dir string, marker Marker) error {
	data, err := yaml.Marshal(marker)
	if err != nil {
		return fmt.Errorf("project: marshal marker: %w", err)
	}
	if err := os.WriteFile(MarkerPath(dir), data, markerFilePerm); err != nil {
		return fmt.Errorf("project: write marker file: %w", err)
	}
	return nil
}

// Read parses dir/.secrets.yaml. Returns (nil, nil) if no marker file
// exists at dir — callers treat an unmarked directory as "not a
// project" rather than an error.
func Read(dir string) (*Marker, error) {
	data, err := os.ReadFile(MarkerPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("project: read marker file: %w", err)
	}
	var m Marker
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("project: parse marker file: %w", err)
	}
	return &m, nil
}

// Discover walks up from startDir looking for the nearest .secrets.yaml
// marker, the way the collaborator resolves "which project am I in"
// without requiring an explicit --project flag. Returns (nil, "") if
// none is found before reaching the filesystem root.
func Discover(startDir string) (*Marker, string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, "", fmt.Errorf("project: resolve start directory: %w", err)
	}

	for {
		m, err := Read(dir)
		if err != nil {
			return nil, "", err
		}
		if m != nil {
			return m, dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, "", nil
		}
		dir = parent
	}
}

// EnsureGitignoreEntries appends entry lines for generated .env files
// to dir/.gitignore if they are not already present, creating the file
// if necessary. It never removes or reorders existing lines.
func EnsureGitignoreEntries(dir string, entries []string) error {
	path := filepath.Join(dir, ".gitignore")
	existing := map[string]bool{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("project: read .gitignore: %w", err)
	}
	content := string(data)
	for _, line := range splitLines(content) {
		existing[line] = true
	}

	var toAdd []string
	for _, e := range entries {
		if !existing[e] {
			toAdd = append(toAdd, e)
		}
	}
	if len(toAdd) == 0 {
		return nil
	}

	if content != "" && content[len(content)-1] != '\n' {
		content += "\n"
	}
	for _, e := range toAdd {
		content += e + "\n"
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("project: write .gitignore: %w", err)
	}
	return nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
