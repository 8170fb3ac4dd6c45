// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/emplacekit/emplace/pkg/appid"
)

func testManifest(t *testing.T) *Manifest {
	t.Helper()

	m := New(appid.MustNew("com.example.myapp"), CurrentUser)
	m.AppName = "My App"
	m.AppVersion = "1.2.3"

	entries := []FileEntry{
		{Path: "bin/myapp", Target: "/home/u/.local/bin/myapp", Checksum: "00000000deadbeef", Size: 1024, Kind: KindExecutable, MainExecutable: true},
		{Path: "share/myapp/data.dat", Target: "/home/u/.local/share/myapp/data.dat", Checksum: "00000000cafef00d", Size: 42, Kind: KindData},
	}
	for _, e := range entries {
		if err := m.AddFile(e); err != nil {
			t.Fatalf("AddFile(%q): %v", e.Path, err)
		}
	}

	m.AddDir(DirEntry{Path: "/home/u/.local/bin", Preserve: true})
	m.AddDir(DirEntry{Path: "/home/u/.local/share/myapp", Preserve: false})
	m.SearchPath = []string{"/home/u/.local/bin"}

	return m
}

func TestAddFile_RejectsDuplicates(t *testing.T) {
	t.Parallel()

	m := New(appid.MustNew("com.example.myapp"), CurrentUser)
	if err := m.AddFile(FileEntry{Path: "bin/myapp"}); err != nil {
		t.Fatalf("first AddFile: %v", err)
	}

	err := m.AddFile(FileEntry{Path: "bin/myapp"})
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("second AddFile error = %v, want ErrDuplicateEntry", err)
	}
}

func TestAddFile_RejectsEscapingPaths(t *testing.T) {
	t.Parallel()

	tests := []string{
		"",
		"/etc/passwd",
		"../outside",
		"bin/../../outside",
		"bin\\myapp.exe",
		"C:/Windows/system32",
		".",
		"bin/./myapp",
		"bin/CON",
		"docs/nul.txt",
	}

	for _, p := range tests {
		m := New(appid.MustNew("com.example.myapp"), CurrentUser)
		err := m.AddFile(FileEntry{Path: p})
		if !errors.Is(err, ErrPathOutsideRoot) {
			t.Errorf("AddFile(%q) error = %v, want ErrPathOutsideRoot", p, err)
		}
	}
}

func TestAddDir_FirstRecordWins(t *testing.T) {
	t.Parallel()

	m := New(appid.MustNew("com.example.myapp"), CurrentUser)

	// A directory this installation created stays removable even when a
	// later file placement walks it again and finds it present.
	m.AddDir(DirEntry{Path: "/a/b", Preserve: false})
	m.AddDir(DirEntry{Path: "/a/b", Preserve: true})

	if len(m.Dirs) != 1 {
		t.Fatalf("got %d dirs, want 1", len(m.Dirs))
	}
	if m.Dirs[0].Preserve {
		t.Fatal("created directory flipped to preserved on re-record")
	}

	// And one recorded as pre-existing stays preserved.
	m.AddDir(DirEntry{Path: "/a", Preserve: true})
	m.AddDir(DirEntry{Path: "/a", Preserve: false})

	if len(m.Dirs) != 2 || !m.Dirs[1].Preserve {
		t.Fatalf("pre-existing directory lost its preserve flag: %+v", m.Dirs)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	original := testManifest(t)

	var buf bytes.Buffer
	if err := original.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if !decoded.CreatedAt.Equal(original.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", decoded.CreatedAt, original.CreatedAt)
	}

	// Timestamps are compared above with time.Equal; normalize them before
	// the structural comparison so location pointers don't produce noise.
	original.CreatedAt = decoded.CreatedAt
	if !reflect.DeepEqual(original, decoded) {
		t.Errorf("round trip mismatch:\noriginal: %+v\ndecoded:  %+v", original, decoded)
	}
}

func TestDecode_IgnoresUnknownFields(t *testing.T) {
	t.Parallel()

	original := testManifest(t)
	var buf bytes.Buffer
	if err := original.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// A future engine version may write fields this version has never
	// heard of; they must not break the read path.
	doc := "future_field = \"ignored\"\n" + buf.String()

	decoded, err := Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Decode with unknown field: %v", err)
	}
	if decoded.AppID.Namespaced() != "com.example.myapp" {
		t.Errorf("AppID = %q after decode", decoded.AppID.Namespaced())
	}
}

func TestDecode_CorruptDocuments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{"not toml", "{{{{"},
		{"missing app_id", "format_version = 1\nscope = \"user\"\n"},
		{"bad scope", "format_version = 1\napp_id = \"com.example.myapp\"\nscope = \"galaxy\"\n"},
		{"duplicate files", `
format_version = 1
app_id = "com.example.myapp"
scope = "user"
[[files]]
path = "bin/a"
[[files]]
path = "bin/a"
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Decode(strings.NewReader(tt.doc))
			if err == nil {
				t.Fatal("Decode succeeded on corrupt document")
			}
			if !errors.Is(err, ErrCorruptManifest) {
				t.Fatalf("error = %v, want ErrCorruptManifest", err)
			}
		})
	}
}

func TestMainExecutable(t *testing.T) {
	t.Parallel()

	m := testManifest(t)
	main := m.MainExecutable()
	if main == nil || main.Path != "bin/myapp" {
		t.Fatalf("MainExecutable() = %+v", main)
	}

	empty := New(appid.MustNew("com.example.other"), AllUsers)
	if empty.MainExecutable() != nil {
		t.Fatal("empty manifest reported a main executable")
	}
}

func TestTotalSize(t *testing.T) {
	t.Parallel()

	m := testManifest(t)
	if got := m.TotalSize(); got != 1066 {
		t.Fatalf("TotalSize() = %d, want 1066", got)
	}
}
