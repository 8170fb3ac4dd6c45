// SPDX-License-Identifier: MPL-2.0

//go:build windows

package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// verifyPrivilege checks that an all-users transaction can write the shared
// install root before anything is touched. There is no single elevation
// signal worth trusting across Windows versions, so a write probe in the
// resolved root answers the only question that matters.
func verifyPrivilege(root string) error {
	created := false
	if _, err := os.Lstat(root); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("%w: cannot create %s", ErrInsufficientPrivilege, root)
		}
		created = true
	}

	probe, err := os.CreateTemp(root, ".emplace-probe-*")
	if err != nil {
		if created {
			os.Remove(root)
		}
		return fmt.Errorf("%w: cannot write %s", ErrInsufficientPrivilege, root)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	if created {
		os.Remove(root)
	}
	return nil
}
