// SPDX-License-Identifier: MPL-2.0

// Package manifest defines the record of one installed package: which files
// were placed where, with what checksums, and which directories were added
// to the command search path. The manifest drives both rollback of a failed
// install and later uninstallation, so its invariants are enforced at the
// point entries are added, never deferred to serialization time.
package manifest

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/emplacekit/emplace/pkg/appid"
	"github.com/emplacekit/emplace/pkg/platform"
)

// FormatVersion is the current manifest schema version. Readers ignore
// unknown fields, so bumping it is only needed for incompatible changes.
const FormatVersion = 1

var (
	// ErrPathOutsideRoot indicates a file path that would escape the
	// install root (absolute, or containing ".." segments).
	ErrPathOutsideRoot = errors.New("path outside install root")

	// ErrDuplicateEntry indicates a file path already recorded in the manifest.
	ErrDuplicateEntry = errors.New("duplicate manifest entry")

	// ErrCorruptManifest indicates a manifest document that could not be
	// decoded into a structurally valid record.
	ErrCorruptManifest = errors.New("corrupt manifest")
)

// Scope states whether an installation is visible to the invoking user only
// or to every user of the machine.
type Scope string

const (
	// CurrentUser installs under the user's own data directories.
	CurrentUser Scope = "user"
	// AllUsers installs under the machine-wide program directories and
	// requires elevated privilege.
	AllUsers Scope = "system"
)

// Valid reports whether s is a known scope value.
func (s Scope) Valid() bool {
	return s == CurrentUser || s == AllUsers
}

// FileKind categorizes an installed file.
type FileKind string

const (
	// KindExecutable is a program file placed under the bin directory.
	KindExecutable FileKind = "executable"
	// KindData is any other file placed under the data directory.
	KindData FileKind = "data"
)

// FileEntry records one installed file. Insertion order is installation
// order; rollback and uninstall walk entries in reverse.
type FileEntry struct {
	// Path is the install-root-relative location, always slash-separated.
	Path string `toml:"path"`
	// Target is the absolute installed location, filled in by the engine
	// once the file has actually been placed.
	Target string `toml:"target"`
	// Checksum is the zero-padded 16-digit hex xxhash64 of the content.
	Checksum string `toml:"checksum"`
	// Size is the content length in bytes.
	Size int64 `toml:"size"`
	// Kind selects the destination directory family.
	Kind FileKind `toml:"kind"`
	// MainExecutable marks the entry for the self-installing binary
	// itself. At most one entry carries it; it is always handled last on
	// install and uninstall because replacing or deleting the running
	// image is the least reversible step.
	MainExecutable bool `toml:"main_executable,omitempty"`
}

// DirEntry records a directory the install created or relied on. Preserved
// directories existed before installation and are never removed.
type DirEntry struct {
	Path     string `toml:"path"`
	Preserve bool   `toml:"preserve"`
}

// Manifest is the full record of one (AppId, scope) installation.
type Manifest struct {
	FormatVersion int         `toml:"format_version"`
	AppID         appid.AppId `toml:"app_id"`
	AppName       string      `toml:"app_name,omitempty"`
	AppVersion    string      `toml:"app_version,omitempty"`
	Scope         Scope       `toml:"scope"`
	Files         []FileEntry `toml:"files,omitempty"`
	Dirs          []DirEntry  `toml:"dirs,omitempty"`
	// SearchPath lists the directories this install registered on the
	// command search path, in registration order.
	SearchPath []string `toml:"search_path,omitempty"`
	// AppPathExe is the executable name registered under the Windows
	// App Paths key, empty elsewhere.
	AppPathExe string    `toml:"app_path_exe,omitempty"`
	CreatedAt  time.Time `toml:"created_at"`
}

// New creates an empty manifest for the given identity and scope.
func New(id appid.AppId, scope Scope) *Manifest {
	return &Manifest{
		FormatVersion: FormatVersion,
		AppID:         id,
		Scope:         scope,
		// Truncated so the timestamp survives a TOML round trip exactly.
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

// AddFile appends a file entry, enforcing the path-containment and
// uniqueness invariants at insertion time.
func (m *Manifest) AddFile(entry FileEntry) error {
	if err := ValidateRelPath(entry.Path); err != nil {
		return err
	}
	for _, existing := range m.Files {
		if existing.Path == entry.Path {
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, entry.Path)
		}
	}
	if entry.Kind == "" {
		entry.Kind = KindData
	}
	m.Files = append(m.Files, entry)
	return nil
}

// AddDir records a directory, deduplicating by path. The first record wins:
// once a directory is recorded as created by this installation, finding it
// again while placing a later file is not evidence it pre-existed, so a
// re-record never flips it to preserved.
func (m *Manifest) AddDir(dir DirEntry) {
	for _, existing := range m.Dirs {
		if existing.Path == dir.Path {
			return
		}
	}
	m.Dirs = append(m.Dirs, dir)
}

// MainExecutable returns the entry marked as the self-installing binary,
// or nil if there is none.
func (m *Manifest) MainExecutable() *FileEntry {
	for i := range m.Files {
		if m.Files[i].MainExecutable {
			return &m.Files[i]
		}
	}
	return nil
}

// TotalSize returns the sum of all file entry sizes in bytes.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, entry := range m.Files {
		total += entry.Size
	}
	return total
}

// Validate checks the structural invariants of a manifest, typically after
// decoding a document of unknown provenance.
func (m *Manifest) Validate() error {
	if m.AppID.IsZero() {
		return fmt.Errorf("%w: missing app_id", ErrCorruptManifest)
	}
	if !m.Scope.Valid() {
		return fmt.Errorf("%w: unknown scope %q", ErrCorruptManifest, m.Scope)
	}

	seen := make(map[string]struct{}, len(m.Files))
	mains := 0
	for _, entry := range m.Files {
		if err := ValidateRelPath(entry.Path); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptManifest, err)
		}
		if _, dup := seen[entry.Path]; dup {
			return fmt.Errorf("%w: %v: %s", ErrCorruptManifest, ErrDuplicateEntry, entry.Path)
		}
		seen[entry.Path] = struct{}{}
		if entry.MainExecutable {
			mains++
		}
	}
	if mains > 1 {
		return fmt.Errorf("%w: %d entries marked as main executable", ErrCorruptManifest, mains)
	}

	return nil
}

// Encode serializes the manifest as TOML.
func (m *Manifest) Encode(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(m); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return nil
}

// Decode deserializes a manifest from TOML and validates it. Unknown fields
// written by future versions are ignored; a structurally invalid document
// yields ErrCorruptManifest rather than a partial record.
func Decode(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := toml.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ValidateRelPath checks that p is a clean, slash-separated, install-root
// relative path: non-empty, not absolute, not escaping via "..", and free
// of backslashes (entries are stored slash-separated on every platform).
func ValidateRelPath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty path", ErrPathOutsideRoot)
	}
	if strings.Contains(p, "\\") {
		return fmt.Errorf("%w: %s: backslash in entry path", ErrPathOutsideRoot, p)
	}
	if path.IsAbs(p) || strings.Contains(p, ":") {
		return fmt.Errorf("%w: %s: absolute path", ErrPathOutsideRoot, p)
	}
	clean := path.Clean(p)
	if clean != p {
		return fmt.Errorf("%w: %s: path is not clean", ErrPathOutsideRoot, p)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") || clean == "." {
		return fmt.Errorf("%w: %s", ErrPathOutsideRoot, p)
	}
	// Manifests travel between platforms; a name Windows reserves would
	// make the record uninstallable there.
	for _, segment := range strings.Split(clean, "/") {
		if platform.IsWindowsReservedName(segment) {
			return fmt.Errorf("%w: %s: reserved name %q", ErrPathOutsideRoot, p, segment)
		}
	}
	return nil
}
