// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/emplacekit/emplace/internal/pathenv"
	"github.com/emplacekit/emplace/internal/paths"
	"github.com/emplacekit/emplace/internal/store"
	"github.com/emplacekit/emplace/pkg/appid"
	"github.com/emplacekit/emplace/pkg/manifest"
)

type fakeSearchPath struct {
	registered     []string
	failRegister   bool
	failUnregister bool
}

func (f *fakeSearchPath) Register(_ manifest.Scope, dir string) error {
	if f.failRegister {
		return errors.New("register failed")
	}
	for _, d := range f.registered {
		if d == dir {
			return nil
		}
	}
	f.registered = append(f.registered, dir)
	return nil
}

func (f *fakeSearchPath) Unregister(_ manifest.Scope, dir string) error {
	if f.failUnregister {
		return errors.New("unregister failed")
	}
	remaining := f.registered[:0]
	for _, d := range f.registered {
		if d != dir {
			remaining = append(remaining, d)
		}
	}
	f.registered = remaining
	return nil
}

func (f *fakeSearchPath) AddAppPath(manifest.Scope, string, string) error { return nil }

func (f *fakeSearchPath) RemoveAppPath(manifest.Scope, string) error { return nil }

func (f *fakeSearchPath) AddUninstallEntry(manifest.Scope, appid.AppId, pathenv.UninstallEntry) error {
	return nil
}

func (f *fakeSearchPath) RemoveUninstallEntry(manifest.Scope, appid.AppId) error { return nil }

func newTestEngine(t *testing.T) (*Engine, *fakeSearchPath, string) {
	t.Helper()

	home := t.TempDir()
	app := appid.MustNew("com.example.my-app")
	resolver := paths.NewResolverEnv(app, paths.Environ{"HOME": home})
	st := store.New(resolver, log.New(io.Discard))
	fake := &fakeSearchPath{}
	return New(resolver, st, fake, log.New(io.Discard)), fake, home
}

func writePayload(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newManifest(e *Engine) *manifest.Manifest {
	m := manifest.New(e.resolver.AppID(), manifest.CurrentUser)
	m.AppName = "My App"
	m.AppVersion = "1.2.3"
	return m
}

func TestInstallPlacesFilesAndPersists(t *testing.T) {
	t.Parallel()

	e, fake, home := newTestEngine(t)
	sources := []Source{
		{Path: writePayload(t, "data contents"), Dest: "share/my_app/readme.txt", Kind: manifest.KindData},
		{Path: writePayload(t, "binary contents"), Dest: "bin/my_app", Kind: manifest.KindExecutable, Main: true},
	}

	res, err := e.Install(context.Background(), newManifest(e), sources, InstallOptions{AddSearchPath: true})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if res.State != StateCommitted {
		t.Errorf("state = %s, want committed", res.State)
	}

	binPath := filepath.Join(home, ".local", "bin", "my_app")
	content, err := os.ReadFile(binPath)
	if err != nil {
		t.Fatalf("reading installed binary: %v", err)
	}
	if string(content) != "binary contents" {
		t.Errorf("installed content = %q", content)
	}
	info, err := os.Stat(binPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("executable mode = %v, want 0755", info.Mode().Perm())
	}

	stored, err := e.store.Load(manifest.CurrentUser)
	if err != nil {
		t.Fatalf("loading stored manifest: %v", err)
	}
	if len(stored.Files) != 2 {
		t.Fatalf("stored manifest has %d files, want 2", len(stored.Files))
	}
	main := stored.MainExecutable()
	if main == nil || main.Path != "bin/my_app" {
		t.Errorf("main executable entry = %+v", main)
	}
	if main.Checksum == "" || main.Size != int64(len("binary contents")) {
		t.Errorf("main entry not fully recorded: %+v", main)
	}

	wantBin := filepath.Join(home, ".local", "bin")
	if len(fake.registered) != 1 || fake.registered[0] != wantBin {
		t.Errorf("registered search paths = %v, want [%s]", fake.registered, wantBin)
	}
	if len(stored.SearchPath) != 1 || stored.SearchPath[0] != wantBin {
		t.Errorf("recorded search paths = %v", stored.SearchPath)
	}
}

func TestInstallTwiceFailsWithoutWrites(t *testing.T) {
	t.Parallel()

	e, _, home := newTestEngine(t)
	sources := []Source{{Path: writePayload(t, "bin"), Dest: "bin/my_app", Kind: manifest.KindExecutable}}

	if _, err := e.Install(context.Background(), newManifest(e), sources, InstallOptions{}); err != nil {
		t.Fatalf("first Install() error = %v", err)
	}
	before := snapshotTree(t, home)

	res, err := e.Install(context.Background(), newManifest(e), sources, InstallOptions{})
	if !errors.Is(err, ErrAlreadyInstalled) {
		t.Fatalf("second Install() error = %v, want ErrAlreadyInstalled", err)
	}
	if res.State != StatePlanning {
		t.Errorf("state = %s, want planning (nothing started)", res.State)
	}

	after := snapshotTree(t, home)
	if len(before) != len(after) {
		t.Errorf("filesystem changed by refused install:\nbefore: %v\nafter: %v", before, after)
	}
	for path, sum := range before {
		if after[path] != sum {
			t.Errorf("file %s changed by refused install", path)
		}
	}
}

func TestInstallRollsBackOnFailedCopy(t *testing.T) {
	t.Parallel()

	e, _, home := newTestEngine(t)
	sources := []Source{
		{Path: writePayload(t, "one"), Dest: "share/my_app/one.txt", Kind: manifest.KindData},
		{Path: writePayload(t, "two"), Dest: "share/my_app/two.txt", Kind: manifest.KindData},
		{Path: filepath.Join(t.TempDir(), "absent"), Dest: "share/my_app/three.txt", Kind: manifest.KindData},
	}

	res, err := e.Install(context.Background(), newManifest(e), sources, InstallOptions{})
	if err == nil {
		t.Fatal("Install() with missing source succeeded")
	}
	if res.State != StateFailed {
		t.Errorf("state = %s, want failed", res.State)
	}

	// The two placed files and the directories created for them are gone.
	if _, statErr := os.Stat(filepath.Join(home, ".local")); !errors.Is(statErr, os.ErrNotExist) {
		t.Errorf("install root not rolled back, stat err = %v", statErr)
	}

	if exists, _ := e.store.Exists(manifest.CurrentUser); exists {
		t.Error("manifest persisted despite failed install")
	}
}

func TestInstallRollsBackOnFailedSearchPathRegistration(t *testing.T) {
	t.Parallel()

	e, fake, home := newTestEngine(t)
	fake.failRegister = true

	sources := []Source{
		{Path: writePayload(t, "binary"), Dest: "bin/my_app", Kind: manifest.KindExecutable, Main: true},
		{Path: writePayload(t, "notes"), Dest: "share/my_app/notes.txt", Kind: manifest.KindData},
	}
	res, err := e.Install(context.Background(), newManifest(e), sources, InstallOptions{AddSearchPath: true})
	if err == nil {
		t.Fatal("Install() with failing search path registration succeeded")
	}
	if res.State != StateFailed {
		t.Errorf("state = %s, want failed", res.State)
	}

	// Every placed file and created directory is rolled back.
	if _, statErr := os.Stat(filepath.Join(home, ".local")); !errors.Is(statErr, os.ErrNotExist) {
		t.Errorf("install root not rolled back, stat err = %v", statErr)
	}
	if exists, _ := e.store.Exists(manifest.CurrentUser); exists {
		t.Error("manifest persisted despite failed install")
	}
}

func TestInstallRollbackKeepsAdoptedIdenticalFile(t *testing.T) {
	t.Parallel()

	e, _, home := newTestEngine(t)
	adopted := filepath.Join(home, ".local", "bin", "my_app")
	if err := os.MkdirAll(filepath.Dir(adopted), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(adopted, []byte("same bytes"), 0o755); err != nil {
		t.Fatal(err)
	}

	sources := []Source{
		{Path: writePayload(t, "same bytes"), Dest: "bin/my_app", Kind: manifest.KindExecutable},
		{Path: filepath.Join(t.TempDir(), "absent"), Dest: "share/my_app/extra.txt", Kind: manifest.KindData},
	}
	if _, err := e.Install(context.Background(), newManifest(e), sources, InstallOptions{}); err == nil {
		t.Fatal("Install() with missing source succeeded")
	}

	// The first destination was already present with identical content;
	// rolling back must not delete a file the transaction never wrote.
	content, err := os.ReadFile(adopted)
	if err != nil {
		t.Fatalf("adopted file removed by rollback: %v", err)
	}
	if string(content) != "same bytes" {
		t.Errorf("adopted file content = %q", content)
	}
}

func TestInstallRefusesForeignDestinationFile(t *testing.T) {
	t.Parallel()

	e, _, home := newTestEngine(t)
	foreign := filepath.Join(home, ".local", "bin", "my_app")
	if err := os.MkdirAll(filepath.Dir(foreign), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(foreign, []byte("someone else's file"), 0o755); err != nil {
		t.Fatal(err)
	}

	sources := []Source{{Path: writePayload(t, "our binary"), Dest: "bin/my_app", Kind: manifest.KindExecutable}}
	_, err := e.Install(context.Background(), newManifest(e), sources, InstallOptions{})
	if !errors.Is(err, ErrUnexpectedFile) {
		t.Fatalf("Install() error = %v, want ErrUnexpectedFile", err)
	}

	// The foreign file survives untouched.
	content, readErr := os.ReadFile(foreign)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if string(content) != "someone else's file" {
		t.Errorf("foreign file clobbered: %q", content)
	}
}

func TestInstallAcceptsIdenticalDestinationFile(t *testing.T) {
	t.Parallel()

	e, _, home := newTestEngine(t)
	existing := filepath.Join(home, ".local", "bin", "my_app")
	if err := os.MkdirAll(filepath.Dir(existing), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(existing, []byte("same bytes"), 0o755); err != nil {
		t.Fatal(err)
	}

	sources := []Source{{Path: writePayload(t, "same bytes"), Dest: "bin/my_app", Kind: manifest.KindExecutable}}
	res, err := e.Install(context.Background(), newManifest(e), sources, InstallOptions{})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if res.State != StateCommitted {
		t.Errorf("state = %s, want committed", res.State)
	}
}

func TestInstallConcurrentOperationFailsFast(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t)
	lock, err := e.store.Acquire(manifest.CurrentUser)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lock.Release()

	sources := []Source{{Path: writePayload(t, "bin"), Dest: "bin/my_app", Kind: manifest.KindExecutable}}
	_, err = e.Install(context.Background(), newManifest(e), sources, InstallOptions{})
	if !errors.Is(err, store.ErrConcurrentOperation) {
		t.Fatalf("Install() error = %v, want ErrConcurrentOperation", err)
	}
}

func TestInstallCancelledContextRollsBack(t *testing.T) {
	t.Parallel()

	e, _, home := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sources := []Source{{Path: writePayload(t, "bin"), Dest: "bin/my_app", Kind: manifest.KindExecutable}}
	res, err := e.Install(ctx, newManifest(e), sources, InstallOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Install() error = %v, want context.Canceled", err)
	}
	if res.State != StateFailed {
		t.Errorf("state = %s, want failed", res.State)
	}
	if _, statErr := os.Stat(filepath.Join(home, ".local")); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("cancelled install left files behind")
	}
	if exists, _ := e.store.Exists(manifest.CurrentUser); exists {
		t.Error("cancelled install persisted a manifest")
	}
}

func TestInstallThenUninstallRestoresState(t *testing.T) {
	t.Parallel()

	e, fake, home := newTestEngine(t)
	sources := []Source{
		{Path: writePayload(t, "binary"), Dest: "bin/my_app", Kind: manifest.KindExecutable, Main: true},
		{Path: writePayload(t, "notes"), Dest: "share/my_app/notes.txt", Kind: manifest.KindData},
	}

	if _, err := e.Install(context.Background(), newManifest(e), sources, InstallOptions{AddSearchPath: true}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	res, err := e.Uninstall(context.Background(), manifest.CurrentUser)
	if err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if res.State != StateCommitted {
		t.Errorf("state = %s, want committed", res.State)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}

	if _, statErr := os.Stat(filepath.Join(home, ".local")); !errors.Is(statErr, os.ErrNotExist) {
		t.Errorf("install root not removed, stat err = %v", statErr)
	}
	if len(fake.registered) != 0 {
		t.Errorf("search path entries remain: %v", fake.registered)
	}
	if exists, _ := e.store.Exists(manifest.CurrentUser); exists {
		t.Error("manifest remains in store")
	}
}

func TestUninstallPreservesPreexistingDirs(t *testing.T) {
	t.Parallel()

	e, _, home := newTestEngine(t)
	binDir := filepath.Join(home, ".local", "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatal(err)
	}

	sources := []Source{{Path: writePayload(t, "binary"), Dest: "bin/my_app", Kind: manifest.KindExecutable}}
	if _, err := e.Install(context.Background(), newManifest(e), sources, InstallOptions{}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if _, err := e.Uninstall(context.Background(), manifest.CurrentUser); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}

	if _, err := os.Stat(binDir); err != nil {
		t.Errorf("pre-existing bin directory removed: %v", err)
	}
}

func TestUninstallRemovesDirsSharedByLaterFiles(t *testing.T) {
	t.Parallel()

	e, _, home := newTestEngine(t)
	// Both files live in the same created directory: the second placement
	// walks a directory the first one created, which must not flip it to
	// preserved.
	sources := []Source{
		{Path: writePayload(t, "one"), Dest: "share/my_app/one.txt", Kind: manifest.KindData},
		{Path: writePayload(t, "two"), Dest: "share/my_app/two.txt", Kind: manifest.KindData},
	}
	if _, err := e.Install(context.Background(), newManifest(e), sources, InstallOptions{}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if _, err := e.Uninstall(context.Background(), manifest.CurrentUser); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}

	if _, statErr := os.Stat(filepath.Join(home, ".local")); !errors.Is(statErr, os.ErrNotExist) {
		t.Errorf("install root survives uninstall, stat err = %v", statErr)
	}
}

func TestUninstallNotInstalled(t *testing.T) {
	t.Parallel()

	e, _, home := newTestEngine(t)
	before := snapshotTree(t, home)

	_, err := e.Uninstall(context.Background(), manifest.CurrentUser)
	if !errors.Is(err, store.ErrNotInstalled) {
		t.Fatalf("Uninstall() error = %v, want ErrNotInstalled", err)
	}

	after := snapshotTree(t, home)
	if len(before) != len(after) {
		t.Error("filesystem changed by refused uninstall")
	}
}

func TestUninstallWarnsOnExternallyDeletedFile(t *testing.T) {
	t.Parallel()

	e, _, home := newTestEngine(t)
	sources := []Source{
		{Path: writePayload(t, "binary"), Dest: "bin/my_app", Kind: manifest.KindExecutable},
		{Path: writePayload(t, "notes"), Dest: "share/my_app/notes.txt", Kind: manifest.KindData},
	}
	if _, err := e.Install(context.Background(), newManifest(e), sources, InstallOptions{}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if err := os.Remove(filepath.Join(home, ".local", "share", "my_app", "notes.txt")); err != nil {
		t.Fatal(err)
	}

	res, err := e.Uninstall(context.Background(), manifest.CurrentUser)
	if err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if res.State != StateCommitted {
		t.Errorf("state = %s, want committed", res.State)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Kind != WarnMissingFile {
		t.Errorf("warnings = %v, want one missing-file warning", res.Warnings)
	}
	if exists, _ := e.store.Exists(manifest.CurrentUser); exists {
		t.Error("manifest remains after warned uninstall")
	}
}

func TestUninstallWarnsOnChecksumDrift(t *testing.T) {
	t.Parallel()

	e, _, home := newTestEngine(t)
	sources := []Source{
		{Path: writePayload(t, "binary"), Dest: "bin/my_app", Kind: manifest.KindExecutable},
		{Path: writePayload(t, "original"), Dest: "share/my_app/config.txt", Kind: manifest.KindData},
	}
	if _, err := e.Install(context.Background(), newManifest(e), sources, InstallOptions{}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	drifted := filepath.Join(home, ".local", "share", "my_app", "config.txt")
	if err := os.WriteFile(drifted, []byte("edited by user"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := e.Uninstall(context.Background(), manifest.CurrentUser)
	if err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Kind != WarnChecksumDrift {
		t.Errorf("warnings = %v, want one checksum-drift warning", res.Warnings)
	}
	if _, statErr := os.Stat(drifted); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("drifted file not removed")
	}
}

func TestValidateSources(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		sources []Source
		wantErr error
	}{
		{
			name:    "empty",
			sources: nil,
		},
		{
			name: "duplicate destination",
			sources: []Source{
				{Path: "a", Dest: "bin/tool"},
				{Path: "b", Dest: "bin/tool"},
			},
			wantErr: manifest.ErrDuplicateEntry,
		},
		{
			name: "escaping destination",
			sources: []Source{
				{Path: "a", Dest: "../outside"},
			},
			wantErr: manifest.ErrPathOutsideRoot,
		},
		{
			name: "two main executables",
			sources: []Source{
				{Path: "a", Dest: "bin/one", Main: true},
				{Path: "b", Dest: "bin/two", Main: true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateSources(tt.sources)
			if err == nil {
				t.Fatal("validateSources() = nil, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("validateSources() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// snapshotTree maps every file under root to its size, for before/after
// comparisons of refused operations.
func snapshotTree(t *testing.T, root string) map[string]int64 {
	t.Helper()

	snapshot := make(map[string]int64)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			snapshot[path] = info.Size()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walking %s: %v", root, err)
	}
	return snapshot
}
