// SPDX-License-Identifier: MPL-2.0

package paths

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/emplacekit/emplace/pkg/appid"
	"github.com/emplacekit/emplace/pkg/manifest"
	"github.com/emplacekit/emplace/pkg/platform"
)

func testEnv() Environ {
	return Environ{
		"HOME":            "/home/gopher",
		"XDG_CONFIG_HOME": "",
		"LOCALAPPDATA":    `C:\Users\gopher\AppData\Local`,
		"PROGRAMFILES":    `C:\Program Files`,
		"ProgramData":     `C:\ProgramData`,
	}
}

func TestResolve_UnixUser(t *testing.T) {
	t.Parallel()

	r := newResolver(appid.MustNew("com.example.my_app"), testEnv(), platform.Linux)

	tests := []struct {
		name string
		fn   func(manifest.Scope) (string, error)
		want string
	}{
		{"root", r.InstallRoot, "/home/gopher/.local"},
		{"bin", r.BinDir, "/home/gopher/.local/bin"},
		{"data", r.DataDir, "/home/gopher/.local/share/my_app"},
		{"store", r.StoreDir, "/home/gopher/.config/" + OrgDir},
	}
	for _, tt := range tests {
		got, err := tt.fn(manifest.CurrentUser)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if got != filepath.FromSlash(tt.want) {
			t.Errorf("%s = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestResolve_UnixSystem(t *testing.T) {
	t.Parallel()

	r := newResolver(appid.MustNew("com.example.my_app"), testEnv(), platform.Linux)

	if got, err := r.BinDir(manifest.AllUsers); err != nil || got != filepath.FromSlash("/usr/local/bin") {
		t.Errorf("BinDir = %q, %v", got, err)
	}
	if got, err := r.DataDir(manifest.AllUsers); err != nil || got != filepath.FromSlash("/usr/local/share/my_app") {
		t.Errorf("DataDir = %q, %v", got, err)
	}
	if got, err := r.StoreDir(manifest.AllUsers); err != nil || got != filepath.FromSlash("/var/local/lib/"+OrgDir) {
		t.Errorf("StoreDir = %q, %v", got, err)
	}
}

func TestResolve_UnixXDGOverride(t *testing.T) {
	t.Parallel()

	env := testEnv()
	env["XDG_CONFIG_HOME"] = "/home/gopher/cfg"
	r := newResolver(appid.MustNew("com.example.my_app"), env, platform.Linux)

	got, err := r.StoreDir(manifest.CurrentUser)
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.FromSlash("/home/gopher/cfg/"+OrgDir) {
		t.Errorf("StoreDir = %q", got)
	}
}

func TestResolve_Windows(t *testing.T) {
	t.Parallel()

	env := testEnv()
	r := newResolver(appid.MustNew("com.example.my_app"), env, platform.Windows)

	// Expected values are built with filepath.Join so the test holds on any
	// host OS separator convention.
	tests := []struct {
		name  string
		fn    func(manifest.Scope) (string, error)
		scope manifest.Scope
		want  string
	}{
		{"user root", r.InstallRoot, manifest.CurrentUser, filepath.Join(env["LOCALAPPDATA"], "Programs", "my_app")},
		{"user bin", r.BinDir, manifest.CurrentUser, filepath.Join(env["LOCALAPPDATA"], "Programs", "my_app", "bin")},
		{"user data", r.DataDir, manifest.CurrentUser, filepath.Join(env["LOCALAPPDATA"], "Programs", "my_app")},
		{"user store", r.StoreDir, manifest.CurrentUser, filepath.Join(env["LOCALAPPDATA"], OrgDir)},
		{"system root", r.InstallRoot, manifest.AllUsers, filepath.Join(env["PROGRAMFILES"], "my_app")},
		{"system store", r.StoreDir, manifest.AllUsers, filepath.Join(env["ProgramData"], OrgDir)},
	}
	for _, tt := range tests {
		got, err := tt.fn(tt.scope)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestResolve_MissingEnv(t *testing.T) {
	t.Parallel()

	r := newResolver(appid.MustNew("com.example.my_app"), Environ{}, platform.Linux)

	_, err := r.InstallRoot(manifest.CurrentUser)
	if !errors.Is(err, ErrMissingEnv) {
		t.Fatalf("error = %v, want ErrMissingEnv", err)
	}

	// System scope on unix needs no environment at all.
	if _, err := r.InstallRoot(manifest.AllUsers); err != nil {
		t.Fatalf("system scope should not need env: %v", err)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	t.Parallel()

	r := newResolver(appid.MustNew("com.example.my_app"), testEnv(), platform.Linux)

	first, err := r.StoreDir(manifest.CurrentUser)
	if err != nil {
		t.Fatal(err)
	}
	for range 10 {
		again, err := r.StoreDir(manifest.CurrentUser)
		if err != nil || again != first {
			t.Fatalf("resolution drifted: %q vs %q (%v)", first, again, err)
		}
	}
}
