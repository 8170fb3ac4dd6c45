// SPDX-License-Identifier: MPL-2.0

// Package engine orchestrates install and uninstall transactions: file
// placement with append-as-you-go manifest recording, rollback on failure,
// search path registration, and self-replacement ordering. Each call is a
// fresh transaction over one (application, scope) pair; cross-process
// exclusion comes from the manifest store's lock.
package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/emplacekit/emplace/internal/pathenv"
	"github.com/emplacekit/emplace/internal/paths"
	"github.com/emplacekit/emplace/internal/store"
	"github.com/emplacekit/emplace/pkg/manifest"
)

var (
	// ErrAlreadyInstalled indicates a manifest already exists for the
	// (application, scope) pair. Nothing was written.
	ErrAlreadyInstalled = errors.New("application already installed")

	// ErrInsufficientPrivilege indicates an all-users operation attempted
	// without the elevation it needs. Reported before any file is touched.
	ErrInsufficientPrivilege = errors.New("insufficient privilege for all-users scope")

	// ErrUnexpectedFile indicates a destination path occupied by a file
	// with different content. Foreign files are never overwritten.
	ErrUnexpectedFile = errors.New("unexpected file at destination")

	// ErrRollback classifies errors carrying rollback failure details.
	ErrRollback = errors.New("rollback incomplete")

	// ErrIncompleteUninstall indicates some recorded entries could not be
	// removed; the manifest was rewritten with the survivors so a retry
	// sees accurate state.
	ErrIncompleteUninstall = errors.New("uninstall incomplete")
)

// State names a transaction phase. Terminal states are never re-entered.
type State string

const (
	StatePlanning    State = "planning"
	StateExecuting   State = "executing"
	StateCommitted   State = "committed"
	StateRollingBack State = "rolling-back"
	StateFailed      State = "failed"
)

// WarningKind classifies non-fatal conditions collected during a
// transaction.
type WarningKind string

const (
	// WarnChecksumDrift marks a recorded file whose content no longer
	// matches its install-time checksum. The file is removed anyway;
	// refusing would strand the installation.
	WarnChecksumDrift WarningKind = "checksum-drift"
	// WarnMissingFile marks a recorded file already gone at uninstall time.
	WarnMissingFile WarningKind = "missing-file"
	// WarnSandbox marks a transaction run inside a sandboxed environment,
	// where host paths may not mean what they appear to.
	WarnSandbox WarningKind = "sandbox"
)

// Warning is one collected non-fatal condition.
type Warning struct {
	Kind   WarningKind
	Path   string
	Detail string
}

func (w Warning) String() string {
	if w.Path == "" {
		return fmt.Sprintf("%s: %s", w.Kind, w.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", w.Kind, w.Path, w.Detail)
}

// Result reports the terminal state of a transaction and everything the
// presentation layer needs to render it.
type Result struct {
	State    State
	Warnings []Warning
}

func (r *Result) warn(kind WarningKind, path, detail string) {
	r.Warnings = append(r.Warnings, Warning{Kind: kind, Path: path, Detail: detail})
}

// RollbackError reports a failed install whose rollback itself left debris
// behind. Cause is the error that triggered the rollback; Failures are the
// cleanup attempts that did not succeed, one per entry.
type RollbackError struct {
	Cause    error
	Failures []error
}

func (e *RollbackError) Error() string {
	var msg strings.Builder
	fmt.Fprintf(&msg, "%v (rollback left %d entries behind", e.Cause, len(e.Failures))
	for _, failure := range e.Failures {
		msg.WriteString("; ")
		msg.WriteString(failure.Error())
	}
	msg.WriteString(")")
	return msg.String()
}

// Unwrap returns the error that triggered the rollback.
func (e *RollbackError) Unwrap() error { return e.Cause }

// Is reports ErrRollback so callers can classify without losing the cause.
func (e *RollbackError) Is(target error) bool { return target == ErrRollback }

// Engine runs install and uninstall transactions for one application
// identity. It is not safe for concurrent use; concurrent processes are
// excluded by the store lock, not by the Engine.
type Engine struct {
	resolver   *paths.Resolver
	store      *store.Store
	searchPath pathenv.Manager
	logger     *log.Logger
}

// New wires an engine from its collaborators. A nil logger falls back to
// the package default.
func New(resolver *paths.Resolver, st *store.Store, searchPath pathenv.Manager, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		resolver:   resolver,
		store:      st,
		searchPath: searchPath,
		logger:     logger,
	}
}

// Source describes one file an install transaction should place.
type Source struct {
	// Path locates the payload on disk.
	Path string
	// Dest is the install-root-relative destination, slash-separated
	// (for example "bin/mytool").
	Dest string
	// Kind selects the file mode and registration treatment.
	Kind manifest.FileKind
	// Main marks the self-installing binary. At most one source may carry
	// it; its placement is always sequenced last.
	Main bool
}

// InstallOptions carries the caller's choices for one install transaction.
type InstallOptions struct {
	// AddSearchPath registers the executable directory on the command
	// search path.
	AddSearchPath bool
	// Publisher appears in the Windows uninstall entry. Ignored elsewhere.
	Publisher string
}

// dedupe of sources happens in planning; the manifest re-checks at insert.
func validateSources(sources []Source) error {
	if len(sources) == 0 {
		return errors.New("no files to install")
	}
	seen := make(map[string]struct{}, len(sources))
	mains := 0
	for _, src := range sources {
		if err := manifest.ValidateRelPath(src.Dest); err != nil {
			return err
		}
		if _, dup := seen[src.Dest]; dup {
			return fmt.Errorf("%w: %s", manifest.ErrDuplicateEntry, src.Dest)
		}
		seen[src.Dest] = struct{}{}
		if src.Main {
			mains++
		}
	}
	if mains > 1 {
		return fmt.Errorf("%d sources marked as main executable", mains)
	}
	return nil
}
