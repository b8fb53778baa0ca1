// Package local manages the destination directory for downloaded artifacts.
package local

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// maxSuffix bounds the collision search for a single name.
const maxSuffix = 10000

// Config captures the parameters for the destination directory.
type Config struct {
	// BaseDir is the root directory where artifacts are written.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Dir hands out collision-free file paths under a single root. Reserve is
// safe for concurrent use by download workers.
type Dir struct {
	root string
	mu   sync.Mutex
}

// New creates the directory when missing and verifies it is writable.
func New(cfg Config) (*Dir, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Dir{root: filepath.Clean(cfg.BaseDir)}, nil
}

// Root returns the cleaned base directory.
func (d *Dir) Root() string {
	return d.root
}

// Reserve creates an empty file named name, or name with a numeric suffix
// ("Paper_1.pdf", "Paper_2.pdf", ...) when taken, and returns it open for writing.
func (d *Dir) Reserve(name string) (*os.File, string, error) {
	first, err := d.resolve(name)
	if err != nil {
		return nil, "", err
	}
	ext := filepath.Ext(first)
	stem := strings.TrimSuffix(first, ext)

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < maxSuffix; i++ {
		candidate := first
		if i > 0 {
			candidate = stem + "_" + strconv.Itoa(i) + ext
		}
		// #nosec G304 -- candidate is confined to root by resolve.
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("reserve %s: %w", candidate, err)
		}
		return f, candidate, nil
	}
	return nil, "", fmt.Errorf("reserve %s: no free name after %d attempts", name, maxSuffix)
}

// Remove deletes path when it lies under the root. Missing files are ignored.
func (d *Dir) Remove(path string) error {
	if !d.contains(path) {
		return fmt.Errorf("path traversal detected")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (d *Dir) resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("name is required")
	}
	full := filepath.Join(d.root, name)
	if !d.contains(full) {
		return "", fmt.Errorf("path traversal detected")
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	return full, nil
}

func (d *Dir) contains(path string) bool {
	return strings.HasPrefix(filepath.Clean(path), d.root+string(filepath.Separator))
}
