// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package selfexe

import (
	"fmt"
	"os"
	"path/filepath"
)

// Replace installs the image at src over dst, even when dst is the running
// executable. The copy lands in a temporary file in dst's directory and is
// renamed into place, so the switch is atomic and processes already running
// the old image keep their mapping.
func Replace(dst, src string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source image: %w", err)
	}
	defer in.Close()

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("creating staging file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.ReadFrom(in); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("staging %s: %w", dst, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("staging %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("staging %s: %w", dst, err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("installing %s: %w", dst, err)
	}
	return nil
}

// Delete removes the executable at path. Unlinking an open file is fine on
// unix, so the running image needs no special handling.
func Delete(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}
