// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package pathenv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/emplacekit/emplace/internal/paths"
	"github.com/emplacekit/emplace/pkg/appid"
	"github.com/emplacekit/emplace/pkg/manifest"
)

const (
	// snippetHeader opens every snippet file this tool writes. The file is
	// wholly owned: nothing else may edit it, which is what makes exact
	// rewrite-from-parsed-state safe.
	snippetHeader = "# Managed by " + paths.OrgDir + ". Lines are added and removed verbatim; do not edit."

	// hookMarker tags the single source line added to the user's shell
	// profile so it can be found and removed by exact match.
	hookMarker = "# " + paths.OrgDir

	// systemSnippetPath is sourced by login shells on essentially every
	// distribution, so the all-users scope needs no profile hook.
	systemSnippetPath = "/etc/profile.d/emplace.sh"

	linePrefix = `[ -d "`
	lineMiddle = `" ] && PATH="`
	lineSuffix = `:$PATH"`
)

type posixManager struct {
	resolver *paths.Resolver
	logger   *log.Logger
	home     string
	shell    string
}

// NewManager returns the POSIX search-path manager, which maintains a
// dedicated snippet file sourced from the user's shell profile.
func NewManager(resolver *paths.Resolver, logger *log.Logger) Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &posixManager{
		resolver: resolver,
		logger:   logger,
		home:     os.Getenv("HOME"),
		shell:    os.Getenv("SHELL"),
	}
}

func (m *posixManager) Register(scope manifest.Scope, directory string) error {
	rendered, err := m.shellScriptPath(directory)
	if err != nil {
		return err
	}

	snippet, err := m.snippetPath(scope)
	if err != nil {
		return err
	}

	registered, err := readSnippet(snippet)
	if err != nil {
		return err
	}

	if !contains(registered, rendered) {
		registered = append(registered, rendered)
		if err := writeSnippet(snippet, registered); err != nil {
			return err
		}
		m.logger.Debug("registered search path entry", "dir", rendered, "snippet", snippet)
	}

	// The hookup is idempotent in its own right, so it is (re)ensured even
	// when the entry already existed — a user may have removed the source
	// line manually.
	if scope == manifest.CurrentUser {
		return m.ensureProfileHook(snippet)
	}
	return nil
}

func (m *posixManager) Unregister(scope manifest.Scope, directory string) error {
	rendered, err := m.shellScriptPath(directory)
	if err != nil {
		return err
	}

	snippet, err := m.snippetPath(scope)
	if err != nil {
		return err
	}

	registered, err := readSnippet(snippet)
	if err != nil {
		return err
	}

	remaining := make([]string, 0, len(registered))
	for _, entry := range registered {
		if entry != rendered {
			remaining = append(remaining, entry)
		}
	}
	if len(remaining) == len(registered) {
		// Absent entry: a successful no-op.
		return nil
	}

	if len(remaining) > 0 {
		if err := writeSnippet(snippet, remaining); err != nil {
			return err
		}
		m.logger.Debug("unregistered search path entry", "dir", rendered, "snippet", snippet)
		return nil
	}

	// Last entry gone: retire the snippet and, for user scope, the profile
	// source line that loaded it.
	if err := os.Remove(snippet); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing search path snippet %s: %w", snippet, err)
	}
	m.logger.Debug("removed empty search path snippet", "snippet", snippet)

	if scope == manifest.CurrentUser {
		return m.removeProfileHook(snippet)
	}
	return nil
}

// App Paths and uninstall entries are Windows registrations; nothing to do
// on POSIX targets.

func (m *posixManager) AddAppPath(manifest.Scope, string, string) error { return nil }

func (m *posixManager) RemoveAppPath(manifest.Scope, string) error { return nil }

func (m *posixManager) AddUninstallEntry(manifest.Scope, appid.AppId, UninstallEntry) error {
	return nil
}

func (m *posixManager) RemoveUninstallEntry(manifest.Scope, appid.AppId) error { return nil }

func (m *posixManager) snippetPath(scope manifest.Scope) (string, error) {
	if scope == manifest.AllUsers {
		return systemSnippetPath, nil
	}
	dir, err := m.resolver.StoreDir(scope)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "path.sh"), nil
}

// shellScriptPath renders a directory for embedding in shell text:
// locations under the home directory are written as $HOME/… so the snippet
// survives a home move, and unsafe characters are rejected outright.
func (m *posixManager) shellScriptPath(directory string) (string, error) {
	rendered := directory
	if m.home != "" {
		if rel, err := filepath.Rel(m.home, directory); err == nil && rel != ".." && !strings.HasPrefix(rel, "../") && rel != "." {
			rendered = "$HOME/" + filepath.ToSlash(rel)
		}
	}

	for _, c := range rendered {
		if c < 0x20 || c == 0x7f || c == '"' {
			return "", fmt.Errorf("%w: %q", ErrUnsafePath, directory)
		}
	}
	return rendered, nil
}

// profilePath picks the startup file for the user's shell the same way the
// interactive shells will read it: a shell-specific login profile when the
// shell is known, with ~/.profile as the portable fallback.
func (m *posixManager) profilePath() string {
	zshProfile := filepath.Join(m.home, ".zprofile")
	bashProfile := filepath.Join(m.home, ".bash_profile")
	defaultProfile := filepath.Join(m.home, ".profile")

	shellName := filepath.Base(m.shell)

	switch shellName {
	case "zsh":
		if fileExists(zshProfile) {
			return zshProfile
		}
	case "bash":
		if fileExists(bashProfile) {
			return bashProfile
		}
	}

	if fileExists(defaultProfile) {
		return defaultProfile
	}

	switch shellName {
	case "zsh":
		return zshProfile
	case "bash":
		return bashProfile
	}
	return defaultProfile
}

func (m *posixManager) hookLine(snippet string) (string, error) {
	rendered, err := m.shellScriptPath(snippet)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`[ -f "%s" ] && . "%s" %s`, rendered, rendered, hookMarker), nil
}

func (m *posixManager) ensureProfileHook(snippet string) (err error) {
	hook, err := m.hookLine(snippet)
	if err != nil {
		return err
	}

	profile := m.profilePath()
	content, err := os.ReadFile(profile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading shell profile %s: %w", profile, err)
	}

	for _, line := range strings.Split(string(content), "\n") {
		if line == hook {
			return nil
		}
	}

	f, err := os.OpenFile(profile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening shell profile %s: %w", profile, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	text := hook + "\n"
	if len(content) > 0 && !strings.HasSuffix(string(content), "\n") {
		text = "\n" + text
	}
	if _, err = f.WriteString(text); err != nil {
		return fmt.Errorf("appending to shell profile %s: %w", profile, err)
	}

	m.logger.Debug("added profile hook", "profile", profile)
	return nil
}

// removeProfileHook deletes exactly the source line this tool wrote. Any
// other line, including ones a user edited into near-copies, is left alone.
func (m *posixManager) removeProfileHook(snippet string) error {
	hook, err := m.hookLine(snippet)
	if err != nil {
		return err
	}

	profile := m.profilePath()
	content, err := os.ReadFile(profile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading shell profile %s: %w", profile, err)
	}

	lines := strings.Split(string(content), "\n")
	remaining := make([]string, 0, len(lines))
	removed := false
	for _, line := range lines {
		if line == hook {
			removed = true
			continue
		}
		remaining = append(remaining, line)
	}
	if !removed {
		return nil
	}

	if err := os.WriteFile(profile, []byte(strings.Join(remaining, "\n")), 0o644); err != nil {
		return fmt.Errorf("writing shell profile %s: %w", profile, err)
	}

	m.logger.Debug("removed profile hook", "profile", profile)
	return nil
}

// readSnippet parses the rendered directories back out of the snippet file.
// Only lines in the exact template this tool writes are recognized.
func readSnippet(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading search path snippet %s: %w", path, err)
	}

	var entries []string
	for _, line := range strings.Split(string(content), "\n") {
		rest, ok := strings.CutPrefix(line, linePrefix)
		if !ok {
			continue
		}
		dir, _, ok := strings.Cut(rest, `"`)
		if !ok {
			continue
		}
		if line == renderLine(dir) {
			entries = append(entries, dir)
		}
	}
	return entries, nil
}

func writeSnippet(path string, entries []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating snippet directory: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(snippetHeader)
	sb.WriteString("\n")
	for _, entry := range entries {
		sb.WriteString(renderLine(entry))
		sb.WriteString("\n")
	}
	sb.WriteString("export PATH\n")

	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("writing search path snippet %s: %w", path, err)
	}
	return nil
}

func renderLine(renderedDir string) string {
	return linePrefix + renderedDir + lineMiddle + renderedDir + lineSuffix
}

func contains(entries []string, entry string) bool {
	for _, candidate := range entries {
		if candidate == entry {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
