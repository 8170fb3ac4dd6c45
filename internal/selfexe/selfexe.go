// SPDX-License-Identifier: MPL-2.0

// Package selfexe handles the operations a binary cannot do to itself
// naively: installing a file over the running executable image and removing
// the running image during uninstall. On unix both reduce to rename and
// unlink, which work on open files; on Windows the running image is locked
// against deletion but not against rename, so replacement parks the old
// image under a throwaway name and removal is finished by a detached helper
// after this process exits.
package selfexe

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/emplacekit/emplace/pkg/platform"
)

// Current returns the running executable's path with symlinks resolved.
func Current() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating running executable: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("resolving running executable path: %w", err)
	}
	return resolved, nil
}

// IsCurrent reports whether path refers to the running executable image.
// The comparison resolves symlinks on both sides; a path that does not
// exist yet is never the running image.
func IsCurrent(path string) (bool, error) {
	current, err := Current()
	if err != nil {
		return false, err
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("resolving path %s: %w", path, err)
	}

	if runtime.GOOS == platform.Windows {
		return strings.EqualFold(resolved, current), nil
	}
	return resolved == current, nil
}

// copyFile copies src to a fresh file at dst with the given mode. dst must
// not exist; the caller arranges the destination slot.
func copyFile(dst, src string, mode os.FileMode) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source image: %w", err)
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
