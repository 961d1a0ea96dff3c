// Package synth materializes the per-invocation command tree from a cached
// spec: one subcommand per operation grouped by tag, one flag per
// parameter, with aliases, hides, and collision checks against the built-in
// verb set.
package synth

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aperture-cli/aperture/pkg/errs"
	"github.com/aperture-cli/aperture/pkg/spec"
)

// ReservedGroups are built-in top-level verbs a display group must not
// shadow.
var ReservedGroups = map[string]bool{
	"config":   true,
	"search":   true,
	"exec":     true,
	"docs":     true,
	"overview": true,
}

// annotation key carrying the operation's index in the cached spec, used to
// reverse-map a matched command.
const annotationOpIndex = "aperture_operation_index"

// Handler executes a matched operation. invokedAs is the name or alias the
// user typed, for diagnostics.
type Handler func(cmd *cobra.Command, op *spec.CachedOperation, invokedAs string, positional []string) error

// Builder synthesizes the context command tree.
type Builder struct {
	Spec           *spec.CachedSpec
	Handler        Handler
	PositionalArgs bool // legacy mode: path params become positional
}

// Build returns the `aperture api <context>` subtree.
func (b *Builder) Build(contextName string) (*cobra.Command, error) {
	root := &cobra.Command{
		Use:   contextName,
		Short: fmt.Sprintf("Commands for the %s API", b.Spec.Title),
		Long:  b.Spec.Description,
	}

	groups := make(map[string]*cobra.Command)
	groupOrder := make([]string, 0)

	for i := range b.Spec.Commands {
		op := &b.Spec.Commands[i]

		if ReservedGroups[op.Group] {
			return nil, errs.New(errs.KindValidation,
				"display group %q collides with a built-in command group", op.Group).
				WithHint("Rename the group with 'aperture config set-mapping'.")
		}

		groupCmd, ok := groups[op.Group]
		if !ok {
			groupCmd = &cobra.Command{
				Use:   op.Group,
				Short: fmt.Sprintf("Operations tagged %s", op.Group),
			}
			groups[op.Group] = groupCmd
			groupOrder = append(groupOrder, op.Group)
		}

		opCmd, err := b.buildOperation(op)
		if err != nil {
			return nil, err
		}
		groupCmd.AddCommand(opCmd)
	}

	sort.Strings(groupOrder)
	for _, group := range groupOrder {
		root.AddCommand(groups[group])
	}
	return root, nil
}

// buildOperation creates the leaf command with its parameter flags.
func (b *Builder) buildOperation(op *spec.CachedOperation) (*cobra.Command, error) {
	use := op.Name
	if b.PositionalArgs {
		for _, p := range op.Parameters {
			if p.Location == spec.LocPath {
				use += fmt.Sprintf(" <%s>", FlagName(p.Name))
			}
		}
	}

	cmd := &cobra.Command{
		Use:     use,
		Short:   op.Summary,
		Long:    op.Description,
		Aliases: op.Aliases,
		Hidden:  op.Hidden,
		Annotations: map[string]string{
			annotationOpIndex: fmt.Sprint(indexOf(b.Spec, op)),
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return b.Handler(cmd, op, cmd.CalledAs(), args)
		},
	}

	for _, p := range op.Parameters {
		if b.PositionalArgs && p.Location == spec.LocPath {
			continue
		}
		if err := addParameterFlag(cmd, p); err != nil {
			return nil, err
		}
	}

	if op.RequestBody != nil {
		desc := "Request body as raw JSON; ${VAR} references are expanded from the environment"
		if op.RequestBody.Description != "" {
			desc = op.RequestBody.Description
		}
		cmd.Flags().String("body", "", desc)
		if op.RequestBody.Required {
			_ = cmd.MarkFlagRequired("body")
		}
	}

	return cmd, nil
}

// addParameterFlag maps one parameter to its flag(s). Booleans get an
// explicit --no-<name> counterpart so false is expressible.
func addParameterFlag(cmd *cobra.Command, p spec.Parameter) error {
	name := FlagName(p.Name)
	desc := p.Description
	if desc == "" {
		desc = fmt.Sprintf("%s parameter %q", p.Location, p.Name)
	}

	switch p.TypeHint {
	case "boolean":
		cmd.Flags().Bool(name, false, desc)
		cmd.Flags().Bool("no-"+name, false, "Set "+name+" to false")
	case "integer":
		cmd.Flags().Int64(name, 0, desc)
	case "number":
		cmd.Flags().Float64(name, 0, desc)
	case "array":
		cmd.Flags().StringSlice(name, nil, desc)
	default:
		cmd.Flags().String(name, "", desc)
	}

	// Required booleans are checked at extraction time, where "--no-x
	// exactly once" also satisfies the requirement.
	if p.Required && p.TypeHint != "boolean" {
		_ = cmd.MarkFlagRequired(name)
	}
	return nil
}

// FlagName kebab-cases a parameter name for flag use.
func FlagName(param string) string {
	return spec.Kebab(param)
}

func indexOf(cached *spec.CachedSpec, op *spec.CachedOperation) int {
	for i := range cached.Commands {
		if &cached.Commands[i] == op {
			return i
		}
	}
	return -1
}

// GroupNames returns the sorted set of effective display groups, for help
// and list-commands.
func GroupNames(cached *spec.CachedSpec) []string {
	seen := make(map[string]bool)
	var out []string
	for i := range cached.Commands {
		g := cached.Commands[i].Group
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}

// describeUse renders "group name" for diagnostics.
func describeUse(op *spec.CachedOperation) string {
	return strings.TrimSpace(op.Group + " " + op.Name)
}
