// Package state lays out the runtime folders under the configured db path.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Paths is the canonical runtime layout.
type Paths struct {
	DB    string
	Store string
	State string
	Logs  string
	Keys  string
}

func PathsFor(dbPath string) Paths {
	statePath := filepath.Join(dbPath, "state")
	return Paths{
		DB:    dbPath,
		Store: filepath.Join(dbPath, "store"),
		State: statePath,
		Logs:  filepath.Join(statePath, "logs"),
		Keys:  filepath.Join(statePath, "keys"),
	}
}

// Init cleans dbPath and ensures its layout exists.
func Init(dbPath string) (Paths, error) {
	path := strings.TrimSpace(dbPath)
	if path == "" {
		return Paths{}, fmt.Errorf("db path is empty")
	}
	p := PathsFor(filepath.Clean(path))
	return p, EnsureStateDirs(p)
}

// ensure canonical runtime folder layout exists, not symlink, restrictive perms, writable
func EnsureStateDirs(p Paths) error {
	for _, dir := range []string{p.Store, p.Logs, p.Keys} {
		if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
			return fmt.Errorf("cannot create parent for %s: %w", dir, err)
		}

		// must be directory and not symlink if exists
		if fi, err := os.Lstat(dir); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink: %s", dir)
			}
			if !fi.IsDir() {
				return fmt.Errorf("path exists and is not a directory: %s", dir)
			}
		}

		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("cannot create path %s: %w", dir, err)
		}

		// check writable by creating and deleting temp file
		tmp, err := os.CreateTemp(dir, ".validate-*")
		if err != nil {
			return fmt.Errorf("path not writable: %s: %w", dir, err)
		}
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	return nil
}
