// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
)

func TestActionableErrorMessage(t *testing.T) {
	t.Parallel()

	cause := errors.New("permission denied")

	tests := []struct {
		name string
		err  *ActionableError
		want string
	}{
		{
			name: "operation only",
			err:  &ActionableError{Operation: "install files"},
			want: "failed to install files",
		},
		{
			name: "with resource",
			err:  &ActionableError{Operation: "install files", Resource: "/usr/local/bin"},
			want: "failed to install files: /usr/local/bin",
		},
		{
			name: "with cause",
			err:  &ActionableError{Operation: "install files", Resource: "/usr/local/bin", Cause: cause},
			want: "failed to install files: /usr/local/bin: permission denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuilder(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := NewErrorContext().
		WithOperation("copy payload").
		WithResource("bin/mytool").
		WithSuggestion("Free up disk space and retry").
		WithSuggestion("Install to a different location").
		Wrap(cause).
		Build()

	if err == nil {
		t.Fatal("Build() = nil")
	}
	if err.Operation != "copy payload" || err.Resource != "bin/mytool" {
		t.Errorf("unexpected fields: %+v", err)
	}
	if len(err.Suggestions) != 2 {
		t.Errorf("got %d suggestions, want 2", len(err.Suggestions))
	}
	if !errors.Is(err, cause) {
		t.Error("built error does not unwrap to its cause")
	}
}

func TestBuildRequiresOperation(t *testing.T) {
	t.Parallel()

	if got := NewErrorContext().WithResource("x").Build(); got != nil {
		t.Errorf("Build() without operation = %v, want nil", got)
	}
	if got := NewErrorContext().BuildError(); got != nil {
		t.Errorf("BuildError() without operation = %v, want nil", got)
	}
}

func TestWrapHelpersNilPassthrough(t *testing.T) {
	t.Parallel()

	if got := WrapWithOperation(nil, "install files"); got != nil {
		t.Errorf("WrapWithOperation(nil) = %v", got)
	}
	if got := WrapWithContext(nil, "install files", "/tmp"); got != nil {
		t.Errorf("WrapWithContext(nil) = %v", got)
	}
}

func TestWrapPreservesSentinels(t *testing.T) {
	t.Parallel()

	wrapped := WrapWithContext(fmt.Errorf("reading: %w", os.ErrNotExist), "load install manifest", "store")
	if !errors.Is(wrapped, os.ErrNotExist) {
		t.Error("sentinel lost through ActionableError wrapping")
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	err := NewErrorContext().
		WithOperation("register search path").
		WithSuggestion("Add the bin directory to PATH manually").
		Wrap(fmt.Errorf("writing profile: %w", errors.New("read-only file system"))).
		Build()

	plain := err.Format(false)
	if !strings.Contains(plain, "• Add the bin directory to PATH manually") {
		t.Errorf("Format(false) missing suggestion:\n%s", plain)
	}
	if strings.Contains(plain, "Error chain:") {
		t.Errorf("Format(false) includes error chain:\n%s", plain)
	}

	verbose := err.Format(true)
	if !strings.Contains(verbose, "Error chain:") {
		t.Errorf("Format(true) missing error chain:\n%s", verbose)
	}
	if !strings.Contains(verbose, "2. read-only file system") {
		t.Errorf("Format(true) missing unwrapped cause:\n%s", verbose)
	}
}
