// SPDX-License-Identifier: MPL-2.0

// Package appid defines the application identity used to key installations.
//
// An AppId is a reverse-domain identifier (e.g. "com.example.my-app") in the
// Java package naming style. The domain name system provides the namespace,
// but owning a domain is not required — a code-hosting account or similar
// unique prefix works just as well. From the namespaced form two more
// representations are derived: a plain form (the last segment, used for
// directory names) and a namespace-hashed UUID (used as the manifest file
// key, stable for a given input string forever).
package appid

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidIdentifier indicates a namespaced ID that violates the format
// rules. Wrapped errors name the specific rule that failed.
var ErrInvalidIdentifier = errors.New("invalid application identifier")

// namespace is the fixed UUID namespace for deriving application UUIDs.
// Changing it would orphan every manifest already on disk.
var namespace = uuid.MustParse("7f4c2b0e-65d1-5e29-9c6a-40c8f1d3a872")

// maxLength is the upper bound on the namespaced form.
const maxLength = 100

// AppId identifies one installable application.
//
// The zero value is not valid; construct with New.
type AppId struct {
	namespaced string
	plain      string
	id         uuid.UUID
}

// New validates the namespaced identifier and derives the plain and UUID
// representations. The UUID is a UUIDv5 of the normalized identifier
// (lowercased, hyphens folded to underscores), so "Com.Example.My-App" and
// "com.example.my_app" key the same installation.
func New(namespaced string) (AppId, error) {
	if err := Validate(namespaced); err != nil {
		return AppId{}, err
	}

	segments := strings.Split(namespaced, ".")

	return AppId{
		namespaced: namespaced,
		plain:      segments[len(segments)-1],
		id:         uuid.NewSHA1(namespace, []byte(normalize(namespaced))),
	}, nil
}

// MustNew is New for identifiers known valid at compile time. Panics on
// invalid input.
func MustNew(namespaced string) AppId {
	id, err := New(namespaced)
	if err != nil {
		panic(err)
	}
	return id
}

// Namespaced returns the full reverse-domain identifier as given to New.
func (a AppId) Namespaced() string { return a.namespaced }

// Plain returns the last segment of the identifier, suitable for use as a
// directory or executable name.
func (a AppId) Plain() string { return a.plain }

// UUID returns the namespace-hashed UUID. Identical input strings (after
// normalization) always yield the identical UUID.
func (a AppId) UUID() uuid.UUID { return a.id }

// IsZero reports whether a is the zero (unconstructed) value.
func (a AppId) IsZero() bool { return a.namespaced == "" }

// String returns the namespaced form.
func (a AppId) String() string { return a.namespaced }

// MarshalText encodes the identifier as its namespaced form for use in
// serialized manifests.
func (a AppId) MarshalText() ([]byte, error) {
	return []byte(a.namespaced), nil
}

// UnmarshalText reconstructs (and re-validates) an identifier from its
// namespaced form.
func (a *AppId) UnmarshalText(text []byte) error {
	id, err := New(string(text))
	if err != nil {
		return err
	}
	*a = id
	return nil
}

// Validate checks the namespaced identifier format:
//
//   - no longer than 100 characters in total
//   - at least 2 dot-separated segments
//   - each segment at least 2 characters
//   - segment characters are ASCII letters, digits, hyphen, and underscore
//   - each segment starts with an ASCII letter
//
// Comparison is case-insensitive and treats hyphen and underscore as
// equivalent, which is why normalization happens before UUID derivation.
func Validate(value string) error {
	if value == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if len(value) > maxLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidIdentifier, maxLength)
	}

	segments := strings.Split(value, ".")
	if len(segments) < 2 {
		return fmt.Errorf("%w: needs at least 2 dot-separated segments", ErrInvalidIdentifier)
	}

	for _, segment := range segments {
		if len(segment) < 2 {
			return fmt.Errorf("%w: segment %q shorter than 2 characters", ErrInvalidIdentifier, segment)
		}
		if !isASCIILetter(rune(segment[0])) {
			return fmt.Errorf("%w: segment %q must start with a letter", ErrInvalidIdentifier, segment)
		}
		for _, c := range segment {
			if !isASCIILetter(c) && !isASCIIDigit(c) && c != '-' && c != '_' {
				return fmt.Errorf("%w: segment %q contains invalid character %q", ErrInvalidIdentifier, segment, c)
			}
		}
	}

	return nil
}

// normalize folds the identifier to its canonical form for hashing:
// lowercase, hyphens replaced with underscores.
func normalize(value string) string {
	return strings.ToLower(strings.ReplaceAll(value, "-", "_"))
}

func isASCIILetter(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isASCIIDigit(c rune) bool {
	return c >= '0' && c <= '9'
}
