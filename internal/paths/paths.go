// SPDX-License-Identifier: MPL-2.0

// Package paths maps (scope, platform) to the concrete directories an
// installation uses: the install root, its bin and data subdirectories, and
// the manifest store directory.
//
// Default locations:
//
//   - binaries: $HOME/.local/bin, /usr/local/bin,
//     %LocalAppData%\Programs\<app>\bin, %ProgramFiles%\<app>\bin
//   - data: $HOME/.local/share/<app>, /usr/local/share/<app>, or the
//     per-app directory itself on Windows
//   - manifests: $XDG_CONFIG_HOME (or ~/.config), /var/local/lib,
//     %LocalAppData%, %ProgramData% — each under io.emplacekit.emplace
//
// A Resolver captures its environment once at construction, so repeated
// resolutions within one process run can never drift. To match an existing
// installation, the same app identity must be used that was used to install.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/emplacekit/emplace/pkg/appid"
	"github.com/emplacekit/emplace/pkg/manifest"
	"github.com/emplacekit/emplace/pkg/platform"
)

// OrgDir is the vendor directory that namespaces manifest stores, keeping
// records of every application using this engine in one place per scope.
const OrgDir = "io.emplacekit.emplace"

// ErrMissingEnv indicates a required environment variable was absent from
// the snapshot.
var ErrMissingEnv = errors.New("missing environment variable")

// Environ is the environment snapshot a Resolver works from.
type Environ map[string]string

// snapshotKeys are the only variables resolution depends on.
var snapshotKeys = []string{"HOME", "XDG_CONFIG_HOME", "LOCALAPPDATA", "PROGRAMFILES", "ProgramData"}

// Resolver resolves install and store directories for one application.
type Resolver struct {
	app  appid.AppId
	env  Environ
	goos string
}

// NewResolver captures the current process environment and returns a
// resolver for the given application.
func NewResolver(app appid.AppId) *Resolver {
	env := make(Environ, len(snapshotKeys))
	for _, key := range snapshotKeys {
		if value := os.Getenv(key); value != "" {
			env[key] = value
		}
	}
	return NewResolverEnv(app, env)
}

// NewResolverEnv returns a resolver using the given environment snapshot
// instead of the process environment. Resolution is a pure function of the
// snapshot, which is what makes resolver behavior testable on any platform.
func NewResolverEnv(app appid.AppId, env Environ) *Resolver {
	return newResolver(app, env, runtime.GOOS)
}

func newResolver(app appid.AppId, env Environ, goos string) *Resolver {
	return &Resolver{app: app, env: env, goos: goos}
}

// InstallRoot returns the directory all installed files must live under for
// the given scope. Every path recorded in a manifest is relative to it.
func (r *Resolver) InstallRoot(scope manifest.Scope) (string, error) {
	if r.goos == platform.Windows {
		switch scope {
		case manifest.AllUsers:
			programFiles, err := r.get("PROGRAMFILES")
			if err != nil {
				return "", err
			}
			return filepath.Join(programFiles, r.app.Plain()), nil
		default:
			localAppData, err := r.get("LOCALAPPDATA")
			if err != nil {
				return "", err
			}
			return filepath.Join(localAppData, "Programs", r.app.Plain()), nil
		}
	}

	switch scope {
	case manifest.AllUsers:
		return "/usr/local", nil
	default:
		home, err := r.get("HOME")
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".local"), nil
	}
}

// BinDir returns the directory for executable entries: the install root's
// bin subdirectory on every platform.
func (r *Resolver) BinDir(scope manifest.Scope) (string, error) {
	root, err := r.InstallRoot(scope)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "bin"), nil
}

// DataDir returns the directory for data entries. On Windows the per-app
// install root already isolates the application, so data lives there; on
// unix it goes under share/<app> per the filesystem hierarchy conventions.
func (r *Resolver) DataDir(scope manifest.Scope) (string, error) {
	root, err := r.InstallRoot(scope)
	if err != nil {
		return "", err
	}
	if r.goos == platform.Windows {
		return root, nil
	}
	return filepath.Join(root, "share", r.app.Plain()), nil
}

// StoreDir returns the manifest store directory for the given scope.
func (r *Resolver) StoreDir(scope manifest.Scope) (string, error) {
	if r.goos == platform.Windows {
		switch scope {
		case manifest.AllUsers:
			programData, err := r.get("ProgramData")
			if err != nil {
				return "", err
			}
			return filepath.Join(programData, OrgDir), nil
		default:
			localAppData, err := r.get("LOCALAPPDATA")
			if err != nil {
				return "", err
			}
			return filepath.Join(localAppData, OrgDir), nil
		}
	}

	switch scope {
	case manifest.AllUsers:
		return filepath.Join("/var/local/lib", OrgDir), nil
	default:
		if xdg, ok := r.env["XDG_CONFIG_HOME"]; ok && xdg != "" {
			return filepath.Join(xdg, OrgDir), nil
		}
		home, err := r.get("HOME")
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", OrgDir), nil
	}
}

// AppID returns the identity this resolver was built for.
func (r *Resolver) AppID() appid.AppId { return r.app }

func (r *Resolver) get(key string) (string, error) {
	value, ok := r.env[key]
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingEnv, key)
	}
	return value, nil
}
