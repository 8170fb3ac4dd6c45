// SPDX-License-Identifier: MPL-2.0

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/emplacekit/emplace/internal/engine"
	"github.com/emplacekit/emplace/internal/issue"
	"github.com/emplacekit/emplace/internal/pathenv"
	"github.com/emplacekit/emplace/internal/paths"
	"github.com/emplacekit/emplace/internal/store"
	"github.com/emplacekit/emplace/pkg/appid"
	"github.com/emplacekit/emplace/pkg/manifest"
)

var (
	uninstallSystem bool
	uninstallQuiet  bool

	uninstallCmd = &cobra.Command{
		Use:   "uninstall <app-id>",
		Short: "Remove a previously recorded installation",
		Long: `Uninstall loads the manifest recorded at install time and reverses it:
recorded files are deleted (externally modified or missing files produce
warnings, not aborts), directories the install created are removed, and
search path entries are unregistered. When the installed binary is the one
running, its removal is the final step.`,
		Args: cobra.ExactArgs(1),
		RunE: runUninstall,
	}
)

func init() {
	uninstallCmd.Flags().BoolVar(&uninstallSystem, "system", false, "uninstall the all-users installation")
	uninstallCmd.Flags().BoolVar(&uninstallQuiet, "quiet", false, "suppress success output (warnings still print)")
}

func runUninstall(cmd *cobra.Command, args []string) error {
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	id, err := appid.New(args[0])
	if err != nil {
		return &ExitError{Code: exitFailure, Err: renderError(issue.NewErrorContext().
			WithOperation("validate application identity").
			WithResource(args[0]).
			WithSuggestion("Use the same identifier the application was installed under").
			Wrap(err).
			BuildError())}
	}

	scope := manifest.CurrentUser
	if uninstallSystem {
		scope = manifest.AllUsers
	}

	logger := newLogger()
	resolver := paths.NewResolver(id)
	eng := engine.New(resolver, store.New(resolver, logger), pathenv.NewManager(resolver, logger), logger)

	res, err := eng.Uninstall(cmd.Context(), scope)
	renderWarnings(res)
	if err != nil {
		code := exitFailure
		if errors.Is(err, store.ErrNotInstalled) {
			code = exitConflict
		}
		return &ExitError{Code: code, Err: renderError(uninstallFailure(err))}
	}

	if !uninstallQuiet {
		fmt.Println(SuccessStyle.Render("✓ Uninstalled ") + PathStyle.Render(id.Namespaced()))
	}
	return nil
}

// uninstallFailure attaches suggestions to the common uninstall failures.
func uninstallFailure(err error) error {
	ctx := issue.NewErrorContext().WithOperation("uninstall").Wrap(err)
	switch {
	case errors.Is(err, store.ErrNotInstalled):
		ctx.WithSuggestion("Nothing is installed under this identity and scope; check --system")
	case errors.Is(err, store.ErrConcurrentOperation):
		ctx.WithSuggestion("Another install or uninstall is in progress; wait for it to finish")
	case errors.Is(err, engine.ErrInsufficientPrivilege):
		ctx.WithSuggestion("Re-run from an elevated shell to remove an all-users installation")
	case errors.Is(err, engine.ErrIncompleteUninstall):
		ctx.WithSuggestion("Some files could not be removed; fix permissions and run uninstall again")
	case errors.Is(err, manifest.ErrCorruptManifest):
		ctx.WithSuggestion("The install record is damaged; remove the remaining files manually")
	}
	return ctx.BuildError()
}
