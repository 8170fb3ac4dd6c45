// SPDX-License-Identifier: MPL-2.0

// Package store owns the on-disk lifecycle of installation manifests: one
// TOML record per (application, scope) pair, named by the application's
// derived UUID, plus the cross-process lock that serializes destructive
// operations on that pair.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/gofrs/flock"

	"github.com/emplacekit/emplace/internal/paths"
	"github.com/emplacekit/emplace/pkg/manifest"
)

var (
	// ErrNotInstalled indicates no manifest exists for the requested
	// (application, scope) pair.
	ErrNotInstalled = errors.New("not installed")

	// ErrConcurrentOperation indicates another process holds the
	// installation lock for the same (application, scope) pair.
	ErrConcurrentOperation = errors.New("concurrent operation in progress")
)

// Store reads, writes, and locks manifests for one application identity.
type Store struct {
	resolver *paths.Resolver
	logger   *log.Logger
}

// New creates a store backed by the given resolver. A nil logger falls back
// to the package-level default.
func New(resolver *paths.Resolver, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{resolver: resolver, logger: logger}
}

// ManifestPath returns where the manifest for the given scope lives,
// whether or not it exists.
func (s *Store) ManifestPath(scope manifest.Scope) (string, error) {
	dir, err := s.resolver.StoreDir(scope)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("emplace-manifest__%s.toml", s.resolver.AppID().UUID())
	return filepath.Join(dir, name), nil
}

// Exists reports whether a manifest is present for the given scope. A
// manifest on disk is the definition of "installed".
func (s *Store) Exists(scope manifest.Scope) (bool, error) {
	path, err := s.ManifestPath(scope)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking manifest %s: %w", path, err)
	}
	return !info.IsDir(), nil
}

// Load reads and validates the manifest for the given scope. Absence is
// ErrNotInstalled; an undecodable document surfaces as
// manifest.ErrCorruptManifest.
func (s *Store) Load(scope manifest.Scope) (*manifest.Manifest, error) {
	path, err := s.ManifestPath(scope)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotInstalled, s.resolver.AppID(), scope)
	}
	if err != nil {
		return nil, fmt.Errorf("opening manifest %s: %w", path, err)
	}
	defer func() {
		// Read-only file handle; close errors are exotic.
		_ = f.Close()
	}()

	m, err := manifest.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}

	s.logger.Debug("loaded manifest", "path", path, "files", len(m.Files))
	return m, nil
}

// Save persists the manifest atomically: the document is written to a temp
// file in the store directory and renamed into place, so a reader never
// observes a partially written record.
func (s *Store) Save(scope manifest.Scope, m *manifest.Manifest) (err error) {
	path, err := s.ManifestPath(scope)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating manifest store %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "emplace-manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp manifest: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = m.Encode(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp manifest: %w", err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("setting manifest permissions: %w", err)
	}

	// Same-directory rename keeps the replacement atomic on one filesystem.
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("persisting manifest %s: %w", path, err)
	}

	s.logger.Debug("saved manifest", "path", path, "files", len(m.Files))
	return nil
}

// Delete removes the manifest record. Deleting an absent manifest is an
// error: the caller should have loaded it first.
func (s *Store) Delete(scope manifest.Scope) error {
	path, err := s.ManifestPath(scope)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s (%s)", ErrNotInstalled, s.resolver.AppID(), scope)
		}
		return fmt.Errorf("removing manifest %s: %w", path, err)
	}
	s.logger.Debug("deleted manifest", "path", path)
	return nil
}

// Lock is a held cross-process installation lock. Release is safe to call
// multiple times and on every exit path.
type Lock struct {
	fl     *flock.Flock
	logger *log.Logger
}

// Acquire takes the exclusive cross-process lock for the given scope
// without blocking. If another process holds it, ErrConcurrentOperation is
// returned immediately — callers fail fast rather than queueing destructive
// operations behind each other.
func (s *Store) Acquire(scope manifest.Scope) (*Lock, error) {
	dir, err := s.resolver.StoreDir(scope)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating manifest store %s: %w", dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("emplace-lock__%s.lock", s.resolver.AppID().UUID()))
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s (%s)", ErrConcurrentOperation, s.resolver.AppID(), scope)
	}

	s.logger.Debug("acquired lock", "path", path)
	return &Lock{fl: fl, logger: s.logger}, nil
}

// Release drops the lock. Errors unlocking are logged, not returned: by the
// time a transaction releases, its outcome is already decided.
func (l *Lock) Release() {
	if l == nil || l.fl == nil {
		return
	}
	if err := l.fl.Unlock(); err != nil {
		l.logger.Warn("releasing installation lock", "path", l.fl.Path(), "error", err)
	}
	l.fl = nil
}
