// SPDX-License-Identifier: MPL-2.0

// Package pathenv adds and removes directories on the command search path.
//
// Two variant implementations share one contract, selected at build time:
// POSIX targets own a dedicated shell-startup snippet file (exact-match line
// edits on text this tool wrote, never heuristic edits of user-owned
// profiles), while Windows targets read-modify-write the registry-backed
// Environment value and broadcast the settings change. Register and
// Unregister are both idempotent: registering an already-registered
// directory and unregistering an absent one succeed as no-ops.
//
// Windows additionally supports App Paths and Uninstall ("Add/Remove
// Programs") registrations; on POSIX those methods are no-ops so callers
// need no platform switches.
package pathenv

import (
	"errors"

	"github.com/emplacekit/emplace/pkg/appid"
	"github.com/emplacekit/emplace/pkg/manifest"
)

var (
	// ErrUnsafePath indicates a directory whose name cannot be embedded in
	// the search-path mechanism (control characters, quotes).
	ErrUnsafePath = errors.New("directory path unsafe for search path registration")
)

// UninstallEntry describes the application entry surfaced in the Windows
// installed-programs list. Ignored on other platforms.
type UninstallEntry struct {
	DisplayName    string
	DisplayVersion string
	Publisher      string
	// ExePath is the absolute path of the installed main executable.
	ExePath string
	// UninstallArgs are appended to ExePath to start the interactive
	// uninstaller; QuietArgs start the non-interactive one.
	UninstallArgs []string
	QuietArgs     []string
	// ManifestPath lets the uninstall entry point back at the record that
	// describes the installation.
	ManifestPath string
	// EstimatedSize is the installed footprint in bytes.
	EstimatedSize int64
}

// Manager mutates the command search path and, on Windows, the application
// registration keys. Implementations are per-platform; obtain one with
// NewManager.
type Manager interface {
	// Register puts directory on the search path for the given scope.
	Register(scope manifest.Scope, directory string) error
	// Unregister removes directory from the search path for the given scope.
	Unregister(scope manifest.Scope, directory string) error

	// AddAppPath and RemoveAppPath manage the per-executable App Paths
	// registration. No-ops outside Windows.
	AddAppPath(scope manifest.Scope, exeName, exePath string) error
	RemoveAppPath(scope manifest.Scope, exeName string) error

	// AddUninstallEntry and RemoveUninstallEntry manage the
	// installed-programs registration. No-ops outside Windows.
	AddUninstallEntry(scope manifest.Scope, id appid.AppId, entry UninstallEntry) error
	RemoveUninstallEntry(scope manifest.Scope, id appid.AppId) error
}
