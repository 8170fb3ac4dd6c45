// SPDX-License-Identifier: MPL-2.0

// Package checksum computes content checksums for installed files.
//
// The hash is xxhash64: integrity tracking here guards against accidental
// drift (a user editing or a tool replacing an installed file), not against
// an adversary, so a fast non-cryptographic hash is the right trade.
package checksum

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// ErrMismatch indicates a file's current content no longer matches the
// checksum recorded at install time.
var ErrMismatch = errors.New("checksum mismatch")

// MismatchError carries the expected and observed checksums of a drifted
// file. It wraps ErrMismatch so callers can classify with errors.Is.
type MismatchError struct {
	Path     string
	Expected string
	Got      string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Got)
}

// Unwrap returns ErrMismatch so callers can use errors.Is.
func (e *MismatchError) Unwrap() error { return ErrMismatch }

// Sum streams r through xxhash64 and returns the zero-padded 16-digit
// lowercase hex digest plus the number of bytes read. Content of any size
// is handled without buffering it in memory.
func Sum(r io.Reader) (string, int64, error) {
	h := xxhash.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, fmt.Errorf("hashing content: %w", err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), n, nil
}

// SumFile computes the checksum and size of the file at path.
func SumFile(path string) (_ string, _ int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		// Read-only file handle; close errors are exotic.
		_ = f.Close()
	}()

	sum, n, err := Sum(f)
	if err != nil {
		return "", 0, fmt.Errorf("hashing file %s: %w", path, err)
	}
	return sum, n, nil
}

// Verify recomputes the checksum of the file at path and compares it with
// expected. A differing digest returns a *MismatchError wrapping ErrMismatch.
func Verify(path, expected string) error {
	got, _, err := SumFile(path)
	if err != nil {
		return err
	}
	if got != expected {
		return &MismatchError{Path: path, Expected: expected, Got: got}
	}
	return nil
}
