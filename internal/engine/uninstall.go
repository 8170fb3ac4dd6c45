// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/emplacekit/emplace/internal/checksum"
	"github.com/emplacekit/emplace/internal/selfexe"
	"github.com/emplacekit/emplace/pkg/manifest"
)

// Uninstall reverses a recorded installation: deletes recorded files in
// reverse insertion order, removes directories the install created, and
// unregisters search path entries. Checksum drift and already-missing files
// are collected as warnings, never abort: refusing to proceed would strand
// a half-installed state with no way out.
//
// When every step succeeds the stored manifest is deleted. When some
// entries could not be removed, the manifest is rewritten with only the
// survivors so a retry sees accurate state, and ErrIncompleteUninstall is
// returned.
func (e *Engine) Uninstall(ctx context.Context, scope manifest.Scope) (*Result, error) {
	res := &Result{State: StatePlanning}

	m, err := e.store.Load(scope)
	if err != nil {
		return res, err
	}

	if m.Scope == manifest.AllUsers {
		root, err := e.resolver.InstallRoot(m.Scope)
		if err != nil {
			return res, err
		}
		if err := verifyPrivilege(root); err != nil {
			return res, err
		}
	}

	lock, err := e.store.Acquire(scope)
	if err != nil {
		return res, err
	}
	defer lock.Release()

	e.logger.Info("uninstalling", "app", m.AppID, "scope", scope, "files", len(m.Files))
	res.State = StateExecuting

	var failures []error
	surviving := make(map[string]bool, len(m.Files))

	// Ordinary files first, reverse insertion order. The main executable
	// is deferred past search-path and registry teardown: deleting the
	// running image is the one step that cannot be retried once done, so
	// it goes after everything that can still fail.
	var mainEntry *manifest.FileEntry
	for i := len(m.Files) - 1; i >= 0; i-- {
		entry := &m.Files[i]
		if entry.MainExecutable {
			mainEntry = entry
			continue
		}
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			e.markSurvivorsFrom(m, i, surviving)
			break
		}
		if err := e.removeFile(res, entry); err != nil {
			failures = append(failures, err)
			surviving[entry.Path] = true
		}
	}

	survivingSearchPath := make([]string, 0, len(m.SearchPath))
	for _, dir := range m.SearchPath {
		if err := e.searchPath.Unregister(scope, dir); err != nil {
			failures = append(failures, fmt.Errorf("unregistering %s: %w", dir, err))
			survivingSearchPath = append(survivingSearchPath, dir)
		}
	}

	if m.AppPathExe != "" {
		if err := e.searchPath.RemoveAppPath(scope, m.AppPathExe); err != nil {
			failures = append(failures, err)
		}
		if err := e.searchPath.RemoveUninstallEntry(scope, m.AppID); err != nil {
			failures = append(failures, err)
		}
	}

	// The running image goes only once every earlier step succeeded: a
	// retry of an incomplete uninstall needs the binary still in place.
	if mainEntry != nil {
		if len(failures) == 0 {
			if err := e.removeMainExecutable(res, mainEntry); err != nil {
				failures = append(failures, err)
				surviving[mainEntry.Path] = true
			}
		} else {
			surviving[mainEntry.Path] = true
		}
	}

	// Directories the install created, deepest first, after the last file
	// is gone. Preserved and non-empty directories stay.
	for i := len(m.Dirs) - 1; i >= 0; i-- {
		dir := m.Dirs[i]
		if dir.Preserve {
			continue
		}
		if err := os.Remove(dir.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Debug("leaving directory", "dir", dir.Path)
		}
	}

	if len(failures) > 0 {
		remaining := make([]manifest.FileEntry, 0, len(surviving))
		for _, entry := range m.Files {
			if surviving[entry.Path] {
				remaining = append(remaining, entry)
			}
		}
		m.Files = remaining
		m.SearchPath = survivingSearchPath
		if saveErr := e.store.Save(scope, m); saveErr != nil {
			failures = append(failures, fmt.Errorf("recording partial state: %w", saveErr))
		}
		res.State = StateFailed
		return res, fmt.Errorf("%w: %w", ErrIncompleteUninstall, errors.Join(failures...))
	}

	if err := e.store.Delete(scope); err != nil {
		res.State = StateFailed
		return res, err
	}

	res.State = StateCommitted
	e.logger.Info("uninstall committed", "app", m.AppID, "scope", scope, "warnings", len(res.Warnings))
	return res, nil
}

// removeFile deletes one recorded entry, downgrading drift and absence to
// warnings.
func (e *Engine) removeFile(res *Result, entry *manifest.FileEntry) error {
	switch err := checksum.Verify(entry.Target, entry.Checksum); {
	case errors.Is(err, os.ErrNotExist):
		res.warn(WarnMissingFile, entry.Target, "already removed")
		return nil
	case errors.Is(err, checksum.ErrMismatch):
		res.warn(WarnChecksumDrift, entry.Target, "content changed since install; removing anyway")
	case err != nil:
		return fmt.Errorf("inspecting %s: %w", entry.Target, err)
	}

	if err := os.Remove(entry.Target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", entry.Target, err)
	}
	e.logger.Debug("removed file", "target", entry.Target)
	return nil
}

// removeMainExecutable deletes the self-binary entry. When the entry is the
// running image the deletion goes through the self-removal primitive, whose
// completion means scheduled, not necessarily gone.
func (e *Engine) removeMainExecutable(res *Result, entry *manifest.FileEntry) error {
	switch err := checksum.Verify(entry.Target, entry.Checksum); {
	case errors.Is(err, os.ErrNotExist):
		res.warn(WarnMissingFile, entry.Target, "already removed")
		return nil
	case errors.Is(err, checksum.ErrMismatch):
		res.warn(WarnChecksumDrift, entry.Target, "content changed since install; removing anyway")
	case err != nil:
		return fmt.Errorf("inspecting %s: %w", entry.Target, err)
	}

	running, err := selfexe.IsCurrent(entry.Target)
	if err != nil {
		return err
	}
	if running {
		e.logger.Debug("scheduling removal of running executable", "target", entry.Target)
		return selfexe.Delete(entry.Target)
	}
	if err := os.Remove(entry.Target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", entry.Target, err)
	}
	e.logger.Debug("removed executable", "target", entry.Target)
	return nil
}

// markSurvivorsFrom records entries [0, upTo] as still installed after a
// cancellation stopped the reverse walk early.
func (e *Engine) markSurvivorsFrom(m *manifest.Manifest, upTo int, surviving map[string]bool) {
	for i := 0; i <= upTo; i++ {
		surviving[m.Files[i].Path] = true
	}
}
