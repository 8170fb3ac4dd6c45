// SPDX-License-Identifier: MPL-2.0

//go:build windows

package pathenv

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"syscall"
	"unsafe"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"

	"github.com/emplacekit/emplace/internal/paths"
	"github.com/emplacekit/emplace/pkg/appid"
	"github.com/emplacekit/emplace/pkg/manifest"
)

const (
	userEnvKeyPath   = `Environment`
	systemEnvKeyPath = `SYSTEM\CurrentControlSet\Control\Session Manager\Environment`
	appPathsKeyPath  = `SOFTWARE\Microsoft\Windows\CurrentVersion\App Paths`
	uninstallKeyPath = `Software\Microsoft\Windows\CurrentVersion\Uninstall`

	pathValueName = "Path"
)

type windowsManager struct {
	resolver *paths.Resolver
	logger   *log.Logger
}

// NewManager returns the Windows search-path manager, which edits the Path
// value in the per-user or machine Environment registry key and notifies
// running applications of the change.
func NewManager(resolver *paths.Resolver, logger *log.Logger) Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &windowsManager{resolver: resolver, logger: logger}
}

func (m *windowsManager) Register(scope manifest.Scope, directory string) error {
	if err := verifyRegistrySafe(directory); err != nil {
		return err
	}

	err := m.editPathValue(scope, func(entries []string) ([]string, bool) {
		for _, entry := range entries {
			if pathEntryEqual(entry, directory) {
				return entries, false
			}
		}
		return append(entries, directory), true
	})
	if err != nil {
		return err
	}
	m.logger.Debug("registered search path entry", "dir", directory, "scope", scope)
	return nil
}

func (m *windowsManager) Unregister(scope manifest.Scope, directory string) error {
	if err := verifyRegistrySafe(directory); err != nil {
		return err
	}

	err := m.editPathValue(scope, func(entries []string) ([]string, bool) {
		remaining := make([]string, 0, len(entries))
		for _, entry := range entries {
			if !pathEntryEqual(entry, directory) {
				remaining = append(remaining, entry)
			}
		}
		return remaining, len(remaining) != len(entries)
	})
	if err != nil {
		return err
	}
	m.logger.Debug("unregistered search path entry", "dir", directory, "scope", scope)
	return nil
}

func (m *windowsManager) AddAppPath(scope manifest.Scope, exeName, exePath string) error {
	key, _, err := registry.CreateKey(rootKey(scope), appPathsKeyPath+`\`+exeName, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("creating App Paths key for %s: %w", exeName, err)
	}
	defer key.Close()

	if err := key.SetStringValue("", exePath); err != nil {
		return fmt.Errorf("writing App Paths default value: %w", err)
	}
	if err := key.SetStringValue("Path", filepath.Dir(exePath)); err != nil {
		return fmt.Errorf("writing App Paths directory value: %w", err)
	}
	m.logger.Debug("added App Paths entry", "exe", exeName)
	return nil
}

func (m *windowsManager) RemoveAppPath(scope manifest.Scope, exeName string) error {
	err := registry.DeleteKey(rootKey(scope), appPathsKeyPath+`\`+exeName)
	if err != nil && !errors.Is(err, registry.ErrNotExist) {
		return fmt.Errorf("deleting App Paths key for %s: %w", exeName, err)
	}
	return nil
}

func (m *windowsManager) AddUninstallEntry(scope manifest.Scope, id appid.AppId, entry UninstallEntry) error {
	key, _, err := registry.CreateKey(rootKey(scope), uninstallKeyPath+`\`+id.UUID().String(), registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("creating uninstall key: %w", err)
	}
	defer key.Close()

	uninstallCmd := quoteCommand(entry.ExePath, entry.UninstallArgs)
	quietCmd := quoteCommand(entry.ExePath, entry.QuietArgs)

	values := map[string]string{
		"DisplayName":          entry.DisplayName,
		"DisplayVersion":       entry.DisplayVersion,
		"Publisher":            entry.Publisher,
		"DisplayIcon":          entry.ExePath,
		"UninstallString":      uninstallCmd,
		"QuietUninstallString": quietCmd,
		"InstallLocation":      filepath.Dir(entry.ExePath),
		"ManifestPath":         entry.ManifestPath,
	}
	for name, value := range values {
		if value == "" {
			continue
		}
		if err := key.SetStringValue(name, value); err != nil {
			return fmt.Errorf("writing uninstall value %s: %w", name, err)
		}
	}

	// Add/Remove Programs wants the size in kibibytes.
	if entry.EstimatedSize > 0 {
		if err := key.SetDWordValue("EstimatedSize", uint32(entry.EstimatedSize/1024)); err != nil {
			return fmt.Errorf("writing uninstall size: %w", err)
		}
	}
	if err := key.SetDWordValue("NoModify", 1); err != nil {
		return fmt.Errorf("writing uninstall flags: %w", err)
	}
	if err := key.SetDWordValue("NoRepair", 1); err != nil {
		return fmt.Errorf("writing uninstall flags: %w", err)
	}

	m.logger.Debug("added uninstall entry", "app", id)
	return nil
}

func (m *windowsManager) RemoveUninstallEntry(scope manifest.Scope, id appid.AppId) error {
	err := registry.DeleteKey(rootKey(scope), uninstallKeyPath+`\`+id.UUID().String())
	if err != nil && !errors.Is(err, registry.ErrNotExist) {
		return fmt.Errorf("deleting uninstall key: %w", err)
	}
	return nil
}

// editPathValue reads the Path environment value, applies edit to its
// semicolon-separated entries, and writes the result back preserving the
// expandable string type. Unrelated entries pass through byte for byte.
func (m *windowsManager) editPathValue(scope manifest.Scope, edit func([]string) ([]string, bool)) error {
	keyPath := userEnvKeyPath
	if scope == manifest.AllUsers {
		keyPath = systemEnvKeyPath
	}

	key, err := registry.OpenKey(rootKey(scope), keyPath, registry.QUERY_VALUE|registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("opening environment key: %w", err)
	}
	defer key.Close()

	value, valueType, err := key.GetStringValue(pathValueName)
	if err != nil && !errors.Is(err, registry.ErrNotExist) {
		return fmt.Errorf("reading %s value: %w", pathValueName, err)
	}

	var entries []string
	for _, entry := range strings.Split(value, ";") {
		if entry != "" {
			entries = append(entries, entry)
		}
	}

	edited, changed := edit(entries)
	if !changed {
		return nil
	}

	newValue := strings.Join(edited, ";")
	if valueType == registry.EXPAND_SZ || strings.Contains(newValue, "%") {
		err = key.SetExpandStringValue(pathValueName, newValue)
	} else {
		err = key.SetStringValue(pathValueName, newValue)
	}
	if err != nil {
		return fmt.Errorf("writing %s value: %w", pathValueName, err)
	}

	broadcastEnvironmentChange()
	return nil
}

func rootKey(scope manifest.Scope) registry.Key {
	if scope == manifest.AllUsers {
		return registry.LOCAL_MACHINE
	}
	return registry.CURRENT_USER
}

// pathEntryEqual compares Path entries the way the shell resolves them:
// case-insensitively and ignoring a trailing separator.
func pathEntryEqual(a, b string) bool {
	trim := func(s string) string {
		return strings.TrimRight(strings.TrimSpace(s), `\`)
	}
	return strings.EqualFold(trim(a), trim(b))
}

// verifyRegistrySafe rejects directories that cannot survive the
// semicolon-separated Path encoding.
func verifyRegistrySafe(directory string) error {
	for _, c := range directory {
		if c < 0x20 || c == ';' {
			return fmt.Errorf("%w: %q", ErrUnsafePath, directory)
		}
	}
	return nil
}

func quoteCommand(exePath string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, syscall.EscapeArg(exePath))
	for _, arg := range args {
		parts = append(parts, syscall.EscapeArg(arg))
	}
	return strings.Join(parts, " ")
}

var (
	user32                  = windows.NewLazySystemDLL("user32.dll")
	procSendMessageTimeoutW = user32.NewProc("SendMessageTimeoutW")
)

const (
	hwndBroadcast    = 0xffff
	wmSettingChange  = 0x001a
	smtoAbortIfHung  = 0x0002
	broadcastTimeout = 5000 // milliseconds
)

// broadcastEnvironmentChange tells running applications the environment
// block changed, so newly started shells pick up the edited Path without a
// logoff. Failures are ignored: the registry write already succeeded.
func broadcastEnvironmentChange() {
	env, _ := windows.UTF16PtrFromString("Environment")
	procSendMessageTimeoutW.Call(
		uintptr(hwndBroadcast),
		uintptr(wmSettingChange),
		0,
		uintptr(unsafe.Pointer(env)),
		uintptr(smtoAbortIfHung),
		uintptr(broadcastTimeout),
		0,
	)
}
