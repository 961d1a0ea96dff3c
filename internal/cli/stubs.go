package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewStubCommands registers the help-oriented verbs whose bodies live
// outside the core: they keep the verb surface stable and point users at
// the working equivalents.
func NewStubCommands(deps *Deps) []*cobra.Command {
	search := &cobra.Command{
		Use:   "search [term]",
		Short: "Search operations across registered APIs",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(deps.Stdout, "Use 'aperture list-commands <context>' to browse available operations.")
			return nil
		},
	}
	docs := &cobra.Command{
		Use:   "docs [context]",
		Short: "Show documentation for a registered API",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(deps.Stdout, "Use 'aperture api <context> --describe-json' for the machine-readable API description.")
			return nil
		},
	}
	overview := &cobra.Command{
		Use:   "overview [context]",
		Short: "Show an overview of a registered API",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(deps.Stdout, "Use 'aperture config list --verbose' for a per-context overview.")
			return nil
		},
	}
	return []*cobra.Command{search, docs, overview}
}
