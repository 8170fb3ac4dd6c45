// SPDX-License-Identifier: MPL-2.0

//go:build windows

package selfexe

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// Replace installs the image at src over dst. A running image at dst cannot
// be overwritten or deleted, but it can be renamed, so the old image is
// parked next to the new one and cleaned up afterwards — immediately when
// possible, otherwise by a detached helper once this process exits.
func Replace(dst, src string, mode os.FileMode) error {
	parked, err := parkExisting(dst)
	if err != nil {
		return err
	}

	if err := copyFile(dst, src, mode); err != nil {
		if parked != "" {
			// Put the old image back so the install slot is not left empty.
			if restoreErr := os.Rename(parked, dst); restoreErr != nil {
				return errors.Join(err, fmt.Errorf("restoring %s: %w", dst, restoreErr))
			}
		}
		return err
	}

	if parked != "" {
		if err := os.Remove(parked); err != nil {
			if err := scheduleDelete(parked); err != nil {
				return fmt.Errorf("scheduling cleanup of %s: %w", parked, err)
			}
		}
	}
	return nil
}

// Delete removes the executable at path. The running image is parked under
// a throwaway name first, so the containing directory can be emptied, and a
// detached helper deletes the parked file after this process exits.
func Delete(path string) error {
	if err := os.Remove(path); err == nil {
		return nil
	}

	current, err := IsCurrent(path)
	if err != nil {
		return err
	}
	if !current {
		return fmt.Errorf("removing %s: file is locked by another process", path)
	}

	parked := path + ".old"
	for i := 1; ; i++ {
		if _, err := os.Lstat(parked); errors.Is(err, os.ErrNotExist) {
			break
		}
		parked = fmt.Sprintf("%s.old%d", path, i)
	}
	if err := os.Rename(path, parked); err != nil {
		return fmt.Errorf("parking running executable: %w", err)
	}
	if err := scheduleDelete(parked); err != nil {
		return fmt.Errorf("scheduling cleanup of %s: %w", parked, err)
	}
	return nil
}

// parkExisting renames an existing file at dst out of the way and returns
// the parked path, or "" when dst does not exist.
func parkExisting(dst string) (string, error) {
	if _, err := os.Lstat(dst); errors.Is(err, os.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("inspecting %s: %w", dst, err)
	}

	parked := dst + ".old"
	for i := 1; ; i++ {
		if _, err := os.Lstat(parked); errors.Is(err, os.ErrNotExist) {
			break
		}
		parked = fmt.Sprintf("%s.old%d", dst, i)
	}
	if err := os.Rename(dst, parked); err != nil {
		return "", fmt.Errorf("parking %s: %w", dst, err)
	}
	return parked, nil
}

// scheduleDelete starts a detached command shell that waits a moment and
// deletes path. Detaching lets the delete outlive this process, which is
// what releases the lock on its own image.
func scheduleDelete(path string) error {
	comspec := os.Getenv("COMSPEC")
	if comspec == "" {
		comspec = "cmd.exe"
	}

	cmd := exec.Command(comspec)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.DETACHED_PROCESS | windows.CREATE_NEW_PROCESS_GROUP,
		CmdLine:       fmt.Sprintf(`%s /C ping -n 3 127.0.0.1 >nul & del /f /q "%s"`, comspec, path),
	}
	return cmd.Start()
}
