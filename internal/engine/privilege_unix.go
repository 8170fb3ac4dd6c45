// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package engine

import (
	"fmt"
	"os"
)

// verifyPrivilege checks that an all-users transaction can write the shared
// install root before anything is touched. Machine-wide locations are root
// territory; the effective UID is the authoritative signal.
func verifyPrivilege(root string) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("%w: writing %s requires root", ErrInsufficientPrivilege, root)
	}
	return nil
}
