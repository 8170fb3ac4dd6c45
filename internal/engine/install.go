// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/emplacekit/emplace/internal/checksum"
	"github.com/emplacekit/emplace/internal/pathenv"
	"github.com/emplacekit/emplace/internal/selfexe"
	"github.com/emplacekit/emplace/pkg/manifest"
	"github.com/emplacekit/emplace/pkg/platform"
)

// Install places every source file under the resolved install root, records
// each placement in the manifest as it happens, optionally registers the
// executable directory on the search path, and persists the manifest. Any
// failure after the first write rolls back everything recorded so far, in
// reverse order.
//
// Cancellation is honored between steps: an interrupt mid-transaction takes
// the same rollback path as a failure.
func (e *Engine) Install(ctx context.Context, m *manifest.Manifest, sources []Source, opts InstallOptions) (*Result, error) {
	res := &Result{State: StatePlanning}

	if err := validateSources(sources); err != nil {
		return res, err
	}
	if m.AppID != e.resolver.AppID() {
		return res, fmt.Errorf("manifest identity %s does not match engine identity %s", m.AppID, e.resolver.AppID())
	}
	if !m.Scope.Valid() {
		return res, fmt.Errorf("%w: unknown scope %q", manifest.ErrCorruptManifest, m.Scope)
	}

	root, err := e.resolver.InstallRoot(m.Scope)
	if err != nil {
		return res, err
	}

	installed, err := e.store.Exists(m.Scope)
	if err != nil {
		return res, err
	}
	if installed {
		return res, fmt.Errorf("%w: %s (%s scope)", ErrAlreadyInstalled, m.AppID, m.Scope)
	}

	if m.Scope == manifest.AllUsers {
		if err := verifyPrivilege(root); err != nil {
			return res, err
		}
	}

	lock, err := e.store.Acquire(m.Scope)
	if err != nil {
		return res, err
	}
	defer lock.Release()

	if sandbox := platform.DetectSandbox(); sandbox != platform.SandboxNone {
		res.warn(WarnSandbox, "", fmt.Sprintf("running inside a %s sandbox; host paths may be remapped", sandbox))
	}

	e.logger.Info("installing", "app", m.AppID, "scope", m.Scope, "root", root, "files", len(sources))
	res.State = StateExecuting

	ordered := make([]Source, 0, len(sources))
	var mainSrc *Source
	for _, src := range sources {
		if src.Main {
			src := src
			mainSrc = &src
			continue
		}
		ordered = append(ordered, src)
	}

	// The main executable goes last. When its target is the running image
	// the placement is also deferred past search-path and registry work:
	// replacing the running binary cannot be rolled back, so every step
	// that can still fail is sequenced before it.
	replaceMainLast := false
	var mainTarget string
	if mainSrc != nil {
		mainTarget = filepath.Join(root, filepath.FromSlash(mainSrc.Dest))
		running, err := selfexe.IsCurrent(mainTarget)
		if err != nil {
			return res, err
		}
		if running {
			replaceMainLast = true
		} else {
			ordered = append(ordered, *mainSrc)
		}
	}

	// placed tracks the targets this transaction wrote; rollback removes
	// only those, never a pre-existing file it merely adopted.
	placed := make(map[string]bool, len(sources))
	registeredAppPath := false
	fail := func(cause error) (*Result, error) {
		return e.rollback(res, m, cause, registeredAppPath, placed)
	}

	if err := e.ensureRoot(m, root); err != nil {
		return fail(err)
	}

	for _, src := range ordered {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := e.placeFile(m, root, src, placed); err != nil {
			return fail(err)
		}
	}

	if opts.AddSearchPath {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		binDir, err := e.resolver.BinDir(m.Scope)
		if err != nil {
			return fail(err)
		}
		if err := e.searchPath.Register(m.Scope, binDir); err != nil {
			return fail(err)
		}
		m.SearchPath = append(m.SearchPath, binDir)
		e.logger.Debug("registered search path", "dir", binDir)
	}

	if runtime.GOOS == platform.Windows && mainSrc != nil {
		size := m.TotalSize()
		if replaceMainLast {
			// Not placed yet; the uninstall entry still reports the
			// full footprint.
			_, n, err := checksum.SumFile(mainSrc.Path)
			if err != nil {
				return fail(fmt.Errorf("reading source %s: %w", mainSrc.Path, err))
			}
			size += n
		}
		if err := e.registerWindowsApp(m, mainTarget, size, opts); err != nil {
			return fail(err)
		}
		registeredAppPath = true
	}

	if replaceMainLast {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := e.placeFile(m, root, *mainSrc, placed); err != nil {
			return fail(err)
		}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := e.store.Save(m.Scope, m); err != nil {
		return fail(err)
	}

	res.State = StateCommitted
	e.logger.Info("install committed", "app", m.AppID, "scope", m.Scope, "bytes", m.TotalSize())
	return res, nil
}

// placeFile copies one source to its target, records the directories it
// created, and appends the completed entry to the manifest. A destination
// already holding identical content is treated as placed; different content
// is ErrUnexpectedFile. Targets this call actually wrote are flagged in
// placed so rollback knows which files are this transaction's to delete.
func (e *Engine) placeFile(m *manifest.Manifest, root string, src Source, placed map[string]bool) error {
	target := filepath.Join(root, filepath.FromSlash(src.Dest))

	if err := e.ensureParents(m, root, target); err != nil {
		return err
	}

	mode := os.FileMode(0o644)
	if src.Kind == manifest.KindExecutable {
		mode = 0o755
	}

	wantSum, size, err := checksum.SumFile(src.Path)
	if err != nil {
		return fmt.Errorf("reading source %s: %w", src.Path, err)
	}

	runningImage := false
	if src.Main {
		runningImage, err = selfexe.IsCurrent(target)
		if err != nil {
			return err
		}
	}

	switch _, statErr := os.Lstat(target); {
	case statErr == nil && !runningImage:
		// Occupied destination: identical content is already placed,
		// anything else belongs to someone and is never overwritten.
		if verifyErr := checksum.Verify(target, wantSum); verifyErr != nil {
			if errors.Is(verifyErr, checksum.ErrMismatch) {
				return fmt.Errorf("%w: %s", ErrUnexpectedFile, target)
			}
			return verifyErr
		}
		e.logger.Debug("destination already holds content", "target", target)
	case statErr == nil && runningImage:
		// Replacing the running image is irreversible; rollback leaves
		// the new image in place rather than deleting the program.
		if err := selfexe.Replace(target, src.Path, mode); err != nil {
			return err
		}
		e.logger.Debug("replaced running executable", "target", target)
	case errors.Is(statErr, os.ErrNotExist):
		if err := copyFile(target, src.Path, mode); err != nil {
			return err
		}
		placed[target] = true
		e.logger.Debug("placed file", "target", target, "bytes", size)
	default:
		return fmt.Errorf("inspecting destination %s: %w", target, statErr)
	}

	placedSum, placedSize, err := checksum.SumFile(target)
	if err != nil {
		return fmt.Errorf("verifying placed file %s: %w", target, err)
	}

	return m.AddFile(manifest.FileEntry{
		Path:           src.Dest,
		Target:         target,
		Checksum:       placedSum,
		Size:           placedSize,
		Kind:           src.Kind,
		MainExecutable: src.Main,
	})
}

// ensureRoot makes sure the install root exists, recording whether this
// transaction created it so uninstall knows whether it may remove it.
func (e *Engine) ensureRoot(m *manifest.Manifest, root string) error {
	switch _, statErr := os.Lstat(root); {
	case statErr == nil:
		m.AddDir(manifest.DirEntry{Path: root, Preserve: true})
		return nil
	case errors.Is(statErr, os.ErrNotExist):
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("creating install root %s: %w", root, err)
		}
		m.AddDir(manifest.DirEntry{Path: root, Preserve: false})
		return nil
	default:
		return fmt.Errorf("inspecting install root %s: %w", root, statErr)
	}
}

// ensureParents creates target's ancestor directories below root one level
// at a time, recording created directories as removable and pre-existing
// ones as preserved.
func (e *Engine) ensureParents(m *manifest.Manifest, root, target string) error {
	dir := filepath.Dir(target)
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return fmt.Errorf("resolving parents of %s: %w", target, err)
	}
	if rel == "." {
		return nil
	}

	current := root
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		current = filepath.Join(current, part)
		switch _, statErr := os.Lstat(current); {
		case statErr == nil:
			m.AddDir(manifest.DirEntry{Path: current, Preserve: true})
		case errors.Is(statErr, os.ErrNotExist):
			if err := os.Mkdir(current, 0o755); err != nil {
				return fmt.Errorf("creating directory %s: %w", current, err)
			}
			m.AddDir(manifest.DirEntry{Path: current, Preserve: false})
		default:
			return fmt.Errorf("inspecting directory %s: %w", current, statErr)
		}
	}
	return nil
}

// registerWindowsApp records the main executable under App Paths and adds
// the Add/Remove Programs entry. Called on Windows only, before the running
// image is replaced, so it takes the target path rather than a placed entry.
func (e *Engine) registerWindowsApp(m *manifest.Manifest, exeTarget string, totalSize int64, opts InstallOptions) error {
	exeName := filepath.Base(exeTarget)
	if err := e.searchPath.AddAppPath(m.Scope, exeName, exeTarget); err != nil {
		return err
	}
	m.AppPathExe = exeName

	manifestPath, err := e.store.ManifestPath(m.Scope)
	if err != nil {
		return err
	}
	return e.searchPath.AddUninstallEntry(m.Scope, m.AppID, pathenv.UninstallEntry{
		DisplayName:    m.AppName,
		DisplayVersion: m.AppVersion,
		Publisher:      opts.Publisher,
		ExePath:        exeTarget,
		UninstallArgs:  []string{"uninstall"},
		QuietArgs:      []string{"uninstall", "--quiet"},
		ManifestPath:   manifestPath,
		EstimatedSize:  totalSize,
	})
}

// rollback undoes a failed install: files this transaction wrote in reverse
// order, then created directories, then search path entries. Every entry
// gets an attempt; failures are collected, never thrown.
func (e *Engine) rollback(res *Result, m *manifest.Manifest, cause error, registeredAppPath bool, placed map[string]bool) (*Result, error) {
	res.State = StateRollingBack
	e.logger.Warn("install failed, rolling back", "app", m.AppID, "cause", cause)

	var failures []error

	for i := len(m.Files) - 1; i >= 0; i-- {
		entry := m.Files[i]
		// Entries adopted (identical content already present) or written
		// over the running image are not this transaction's to delete.
		if !placed[entry.Target] {
			continue
		}
		if err := os.Remove(entry.Target); err != nil && !errors.Is(err, os.ErrNotExist) {
			failures = append(failures, fmt.Errorf("removing %s: %w", entry.Target, err))
		}
	}

	for i := len(m.Dirs) - 1; i >= 0; i-- {
		dir := m.Dirs[i]
		if dir.Preserve {
			continue
		}
		// Only empty directories go; anything left inside stays put.
		if err := os.Remove(dir.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Debug("leaving non-empty directory", "dir", dir.Path)
		}
	}

	for i := len(m.SearchPath) - 1; i >= 0; i-- {
		if err := e.searchPath.Unregister(m.Scope, m.SearchPath[i]); err != nil {
			failures = append(failures, fmt.Errorf("unregistering %s: %w", m.SearchPath[i], err))
		}
	}

	if registeredAppPath && m.AppPathExe != "" {
		if err := e.searchPath.RemoveAppPath(m.Scope, m.AppPathExe); err != nil {
			failures = append(failures, err)
		}
		if err := e.searchPath.RemoveUninstallEntry(m.Scope, m.AppID); err != nil {
			failures = append(failures, err)
		}
	}

	res.State = StateFailed
	if len(failures) > 0 {
		return res, &RollbackError{Cause: cause, Failures: failures}
	}
	return res, cause
}

// copyFile writes src's content to a fresh file at dst. The destination
// must not exist.
func copyFile(dst, src string, mode os.FileMode) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing %s: %w", dst, closeErr)
		}
	}()

	if _, err = out.ReadFrom(in); err != nil {
		return fmt.Errorf("copying to %s: %w", dst, err)
	}
	return nil
}
