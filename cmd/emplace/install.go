// SPDX-License-Identifier: MPL-2.0

package main

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/emplacekit/emplace/internal/engine"
	"github.com/emplacekit/emplace/internal/issue"
	"github.com/emplacekit/emplace/internal/pathenv"
	"github.com/emplacekit/emplace/internal/paths"
	"github.com/emplacekit/emplace/internal/selfexe"
	"github.com/emplacekit/emplace/internal/store"
	"github.com/emplacekit/emplace/pkg/appid"
	"github.com/emplacekit/emplace/pkg/manifest"
	"github.com/emplacekit/emplace/pkg/platform"
)

var (
	installSystem       bool
	installAddPath      bool
	installName         string
	installVersionLabel string
	installPublisher    string
	installWithFiles    []string

	installCmd = &cobra.Command{
		Use:   "install <app-id>",
		Short: "Install this binary under the given application identity",
		Long: `Install copies the running binary (and any --with-file payloads) into
the platform install location for the chosen scope, records a manifest,
and optionally registers the bin directory on the command search path.

The app id is a reverse-domain identifier, e.g. com.example.my-app.`,
		Args: cobra.ExactArgs(1),
		RunE: runInstall,
	}
)

func init() {
	installCmd.Flags().BoolVar(&installSystem, "system", false, "install for all users (requires elevation)")
	installCmd.Flags().BoolVar(&installAddPath, "add-path", false, "register the bin directory on the command search path")
	installCmd.Flags().StringVar(&installName, "name", "", "display name recorded in the manifest")
	installCmd.Flags().StringVar(&installVersionLabel, "version-label", "", "display version recorded in the manifest")
	installCmd.Flags().StringVar(&installPublisher, "publisher", "", "publisher shown in the Windows uninstall entry")
	installCmd.Flags().StringArrayVar(&installWithFiles, "with-file", nil, "bundle an extra file (SRC or SRC=REL-DEST), repeatable")
}

func runInstall(cmd *cobra.Command, args []string) error {
	// Errors are rendered here with styling and suggestions; cobra's own
	// reporting would duplicate them.
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	id, err := appid.New(args[0])
	if err != nil {
		return &ExitError{Code: exitFailure, Err: renderError(issue.NewErrorContext().
			WithOperation("validate application identity").
			WithResource(args[0]).
			WithSuggestion("Use a reverse-domain identifier like com.example.my-app").
			Wrap(err).
			BuildError())}
	}

	scope := manifest.CurrentUser
	if installSystem {
		scope = manifest.AllUsers
	}

	logger := newLogger()
	resolver := paths.NewResolver(id)
	eng := engine.New(resolver, store.New(resolver, logger), pathenv.NewManager(resolver, logger), logger)

	sources, err := buildSources(id, resolver, scope)
	if err != nil {
		return &ExitError{Code: exitFailure, Err: renderError(err)}
	}

	m := manifest.New(id, scope)
	m.AppName = installName
	if m.AppName == "" {
		m.AppName = id.Plain()
	}
	m.AppVersion = installVersionLabel

	res, err := eng.Install(cmd.Context(), m, sources, engine.InstallOptions{
		AddSearchPath: installAddPath,
		Publisher:     installPublisher,
	})
	renderWarnings(res)
	if err != nil {
		code := exitFailure
		if errors.Is(err, engine.ErrAlreadyInstalled) {
			code = exitConflict
		}
		return &ExitError{Code: code, Err: renderError(installFailure(err))}
	}

	root, rootErr := resolver.InstallRoot(scope)
	if rootErr != nil {
		root = "?"
	}
	fmt.Println(SuccessStyle.Render("✓ Installed ") + PathStyle.Render(id.Namespaced()) + SubtitleStyle.Render(" under ") + PathStyle.Render(root))
	if installAddPath {
		fmt.Println(SubtitleStyle.Render("  Restart your shell (or source your profile) to pick up the new PATH entry."))
	}
	return nil
}

// buildSources assembles the install payload: the running executable plus
// any --with-file entries, destined for the data directory unless an
// explicit relative destination was given.
func buildSources(id appid.AppId, resolver *paths.Resolver, scope manifest.Scope) ([]engine.Source, error) {
	exe, err := selfexe.Current()
	if err != nil {
		return nil, issue.WrapWithOperation(err, "locate running executable")
	}

	exeName := id.Plain()
	if runtime.GOOS == platform.Windows {
		exeName += ".exe"
	}
	sources := []engine.Source{{
		Path: exe,
		Dest: "bin/" + exeName,
		Kind: manifest.KindExecutable,
		Main: true,
	}}

	dataRel, err := dataRelDir(resolver, scope)
	if err != nil {
		return nil, err
	}

	for _, spec := range installWithFiles {
		src, dest, hasDest := strings.Cut(spec, "=")
		if src == "" {
			return nil, fmt.Errorf("malformed --with-file %q", spec)
		}
		if _, statErr := os.Stat(src); statErr != nil {
			return nil, issue.NewErrorContext().
				WithOperation("read bundled file").
				WithResource(src).
				WithSuggestion("Check the --with-file path").
				Wrap(statErr).
				BuildError()
		}
		if !hasDest {
			dest = path.Join(dataRel, filepath.Base(src))
		}
		sources = append(sources, engine.Source{
			Path: src,
			Dest: dest,
			Kind: manifest.KindData,
		})
	}
	return sources, nil
}

// dataRelDir returns the data directory as an install-root-relative slash
// path ("share/<app>" on unix, "" on Windows where data lives in the root).
func dataRelDir(resolver *paths.Resolver, scope manifest.Scope) (string, error) {
	root, err := resolver.InstallRoot(scope)
	if err != nil {
		return "", err
	}
	dataDir, err := resolver.DataDir(scope)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, dataDir)
	if err != nil {
		return "", fmt.Errorf("resolving data directory: %w", err)
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel), nil
}

// installFailure attaches suggestions to the common install failures.
func installFailure(err error) error {
	ctx := issue.NewErrorContext().WithOperation("install").Wrap(err)
	switch {
	case errors.Is(err, engine.ErrAlreadyInstalled):
		ctx.WithSuggestion("Run 'emplace uninstall' first to replace the existing installation")
	case errors.Is(err, engine.ErrInsufficientPrivilege):
		ctx.WithSuggestion("Re-run from an elevated shell, or drop --system for a per-user install")
	case errors.Is(err, store.ErrConcurrentOperation):
		ctx.WithSuggestion("Another install or uninstall is in progress; wait for it to finish")
	case errors.Is(err, engine.ErrUnexpectedFile):
		ctx.WithSuggestion("A different file already occupies the destination; move it aside and retry")
	}
	return ctx.BuildError()
}

// renderError prints the styled error and returns it for cobra's exit
// handling (silenced: we already printed).
func renderError(err error) error {
	fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error: ")+formatErrorForDisplay(err, verbose))
	return err
}

// renderWarnings prints every collected warning. Called on success and
// failure alike; warnings survive either way.
func renderWarnings(res *engine.Result) {
	if res == nil {
		return
	}
	for _, warning := range res.Warnings {
		fmt.Fprintln(os.Stderr, WarningStyle.Render("Warning: ")+warning.String())
	}
}
