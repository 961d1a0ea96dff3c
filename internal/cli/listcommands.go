package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// NewListCommandsCommand builds `aperture list-commands <context>`: a flat
// listing of the effective (group, name) pairs an agent can invoke.
func NewListCommandsCommand(deps *Deps) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list-commands <context>",
		Short: "List the commands synthesized for a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cached, err := deps.Specs.Load(args[0])
			if err != nil {
				return err
			}

			type entry struct {
				Group   string `json:"group"`
				Name    string `json:"name"`
				Method  string `json:"method"`
				Path    string `json:"path"`
				Summary string `json:"summary,omitempty"`
			}
			var entries []entry
			for i := range cached.Commands {
				op := &cached.Commands[i]
				if op.Hidden {
					continue
				}
				entries = append(entries, entry{
					Group:   op.Group,
					Name:    op.Name,
					Method:  op.Method,
					Path:    op.PathTemplate,
					Summary: op.Summary,
				})
			}
			sort.Slice(entries, func(i, j int) bool {
				if entries[i].Group != entries[j].Group {
					return entries[i].Group < entries[j].Group
				}
				return entries[i].Name < entries[j].Name
			})

			if asJSON {
				enc := json.NewEncoder(deps.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			for _, e := range entries {
				fmt.Fprintf(deps.Stdout, "%s %s\t%s %s\t%s\n", e.Group, e.Name, e.Method, e.Path, e.Summary)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the listing as JSON")
	return cmd
}
