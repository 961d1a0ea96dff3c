package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/aperture-cli/aperture/pkg/config"
	"github.com/aperture-cli/aperture/pkg/errs"
	"github.com/aperture-cli/aperture/pkg/fsio"
	"github.com/aperture-cli/aperture/pkg/spec"
)

// NewConfigCommand builds the `aperture config` suite.
func NewConfigCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage registered API specifications and settings",
	}
	cmd.AddCommand(
		newAddCommand(deps),
		newListCommand(deps),
		newRemoveCommand(deps),
		newEditCommand(deps),
		newReinitCommand(deps),
		newSetURLCommand(deps),
		newGetURLCommand(deps),
		newListURLsCommand(deps),
		newSetSecretCommand(deps),
		newListSecretsCommand(deps),
		newRemoveSecretCommand(deps),
		newSetMappingCommand(deps),
		newRemoveMappingCommand(deps),
		newCacheStatsCommand(deps),
		newClearCacheCommand(deps),
		newSettingsCommand(deps),
		newGetCommand(deps),
		newSetCommand(deps),
	)
	return cmd
}

func newAddCommand(deps *Deps) *cobra.Command {
	var force, strict bool
	cmd := &cobra.Command{
		Use:   "add <name> <file>",
		Short: "Register an OpenAPI specification as an API context",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return addContext(cmd.Context(), deps, args[0], args[1], force, strict)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing context")
	cmd.Flags().BoolVar(&strict, "strict", false, "Reject the spec if any endpoint is unsupported")
	return cmd
}

func addContext(ctx context.Context, deps *Deps, name, file string, force, strict bool) error {
	if err := config.ValidateContextName(name); err != nil {
		return err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to read spec file %s", file).
			WithHint(errs.HintFileNotFound)
	}

	if _, err := deps.Specs.SourcePath(name); err == nil && !force {
		return errs.New(errs.KindValidation, "API context %q already exists", name).
			WithHint("Pass --force to replace it.")
	}

	global, err := deps.ConfigMgr.Load()
	if err != nil {
		return err
	}
	api := global.API(name)
	if api.StrictMode {
		strict = true
	}

	cached, warnings, err := ingest(ctx, deps, data, api.CommandMapping, name, strict)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		if !deps.Quiet() {
			fmt.Fprintf(deps.Stderr, "Warning: %s\n", w)
		}
	}

	// The source copy keeps the exact bytes the user provided.
	ext := ".yaml"
	if looksLikeJSON(data) {
		ext = ".json"
	}
	sourcePath := deps.Paths.SpecPath(name, ext)
	for _, other := range []string{".yaml", ".yml", ".json"} {
		if other != ext {
			_ = os.Remove(deps.Paths.SpecPath(name, other))
		}
	}
	if err := fsio.WriteAtomic(sourcePath, data, 0o644); err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to store spec source")
	}

	if err := deps.Specs.Store(name, cached, sourcePath); err != nil {
		return err
	}

	if !deps.Quiet() {
		fmt.Fprintf(deps.Stderr, "Registered API context %q with %d command(s)", name, len(cached.Commands))
		if len(cached.Skipped) > 0 {
			fmt.Fprintf(deps.Stderr, " (%d endpoint(s) skipped)", len(cached.Skipped))
		}
		fmt.Fprintln(deps.Stderr)
	}
	return nil
}

// ingest runs parse -> validate -> transform, with a spinner on a terminal.
func ingest(ctx context.Context, deps *Deps, data []byte, mapping config.CommandMapping, name string, strict bool) (*spec.CachedSpec, []string, error) {
	var spin *spinner.Spinner
	if !deps.Quiet() && term.IsTerminal(int(os.Stderr.Fd())) {
		spin = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
		spin.Suffix = " Validating specification..."
		spin.Start()
		defer spin.Stop()
	}

	doc, err := spec.Parse(ctx, data)
	if err != nil {
		return nil, nil, err
	}
	result, err := spec.Validate(doc, mapping, strict)
	if err != nil {
		return nil, nil, err
	}
	cached, err := spec.Transform(doc, result.Skip, mapping, name)
	if err != nil {
		return nil, nil, err
	}
	return cached, result.Warnings, nil
}

func looksLikeJSON(data []byte) bool {
	trimmed := strings.TrimLeft(string(data), " \t\r\n")
	return strings.HasPrefix(trimmed, "{")
}

func newListCommand(deps *Deps) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered API contexts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := deps.Specs.List()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				if !deps.Quiet() {
					fmt.Fprintln(deps.Stderr, "No API contexts registered. Add one with 'aperture config add <name> <file>'.")
				}
				return nil
			}
			for _, name := range names {
				if !verbose {
					fmt.Fprintln(deps.Stdout, name)
					continue
				}
				cached, err := deps.Specs.Load(name)
				if err != nil {
					fmt.Fprintf(deps.Stdout, "%s\t(unloadable: %v)\n", name, err)
					continue
				}
				fmt.Fprintf(deps.Stdout, "%s\t%s %s\t%d command(s), %d skipped\n",
					name, cached.Title, cached.Version, len(cached.Commands), len(cached.Skipped))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Include per-context details")
	return cmd
}

func newRemoveCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a registered API context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := config.ValidateContextName(name); err != nil {
				return err
			}
			sourcePath, err := deps.Specs.SourcePath(name)
			if err != nil {
				return err
			}
			if err := os.Remove(sourcePath); err != nil && !os.IsNotExist(err) {
				return errs.Wrap(errs.KindRuntime, err, "failed to remove spec source for %q", name)
			}
			if err := deps.Specs.Remove(name); err != nil {
				return err
			}
			if err := deps.Responses.Clear(name); err != nil {
				return err
			}
			return deps.ConfigMgr.Update(func(cfg *config.GlobalConfig) error {
				delete(cfg.APIConfigs, name)
				return nil
			})
		},
	}
}

func newEditCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "edit",
		Short: "Open the global configuration in $EDITOR",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			editor := os.Getenv("EDITOR")
			if editor == "" {
				editor = "vi"
			}
			path := deps.Paths.ConfigPath()
			if _, err := os.Stat(path); os.IsNotExist(err) {
				cfg, err := deps.ConfigMgr.Load()
				if err != nil {
					return err
				}
				if err := deps.ConfigMgr.Save(cfg); err != nil {
					return err
				}
			}
			editCmd := exec.CommandContext(cmd.Context(), editor, path)
			editCmd.Stdin = os.Stdin
			editCmd.Stdout = os.Stdout
			editCmd.Stderr = os.Stderr
			if err := editCmd.Run(); err != nil {
				return errs.Wrap(errs.KindRuntime, err, "editor %q failed", editor)
			}
			return nil
		},
	}
}

func newReinitCommand(deps *Deps) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "reinit <name>",
		Short: "Regenerate a context's cached spec from its stored source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return reinitContext(cmd.Context(), deps, args[0], strict)
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Reject the spec if any endpoint is unsupported")
	return cmd
}

func reinitContext(ctx context.Context, deps *Deps, name string, strict bool) error {
	if err := config.ValidateContextName(name); err != nil {
		return err
	}
	sourcePath, err := deps.Specs.SourcePath(name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to read spec source for %q", name)
	}

	global, err := deps.ConfigMgr.Load()
	if err != nil {
		return err
	}
	api := global.API(name)
	if api.StrictMode {
		strict = true
	}

	cached, warnings, err := ingest(ctx, deps, data, api.CommandMapping, name, strict)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		if !deps.Quiet() {
			fmt.Fprintf(deps.Stderr, "Warning: %s\n", w)
		}
	}
	return deps.Specs.Store(name, cached, sourcePath)
}

func newSetURLCommand(deps *Deps) *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "set-url <context> <url>",
		Short: "Set a context's base URL (or a per-environment URL with --env)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return deps.ConfigMgr.Update(func(cfg *config.GlobalConfig) error {
				api := cfg.API(args[0])
				if env != "" {
					if api.EnvironmentURLs == nil {
						api.EnvironmentURLs = make(map[string]string)
					}
					api.EnvironmentURLs[env] = args[1]
				} else {
					api.BaseURLOverride = args[1]
				}
				cfg.SetAPI(args[0], api)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "Environment name (e.g. staging, prod)")
	return cmd
}

func newGetURLCommand(deps *Deps) *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "get-url <context>",
		Short: "Print a context's configured base URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.ConfigMgr.Load()
			if err != nil {
				return err
			}
			api := cfg.API(args[0])
			if env != "" {
				url, ok := api.EnvironmentURLs[env]
				if !ok {
					return errs.New(errs.KindValidation, "no URL configured for environment %q", env)
				}
				fmt.Fprintln(deps.Stdout, url)
				return nil
			}
			if api.BaseURLOverride == "" {
				return errs.New(errs.KindValidation, "no base URL override configured for %q", args[0]).
					WithHint("Set one with 'aperture config set-url'.")
			}
			fmt.Fprintln(deps.Stdout, api.BaseURLOverride)
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "Environment name")
	return cmd
}

func newListURLsCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "list-urls <context>",
		Short: "List a context's configured URLs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.ConfigMgr.Load()
			if err != nil {
				return err
			}
			api := cfg.API(args[0])
			if api.BaseURLOverride != "" {
				fmt.Fprintf(deps.Stdout, "base\t%s\n", api.BaseURLOverride)
			}
			envs := make([]string, 0, len(api.EnvironmentURLs))
			for env := range api.EnvironmentURLs {
				envs = append(envs, env)
			}
			sort.Strings(envs)
			for _, env := range envs {
				fmt.Fprintf(deps.Stdout, "%s\t%s\n", env, api.EnvironmentURLs[env])
			}
			return nil
		},
	}
}

func newSetSecretCommand(deps *Deps) *cobra.Command {
	var envVar string
	cmd := &cobra.Command{
		Use:   "set-secret <context> <scheme>",
		Short: "Bind a security scheme to an environment variable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if envVar == "" {
				return errs.New(errs.KindValidation, "--env is required: secrets are only read from environment variables")
			}
			return deps.ConfigMgr.Update(func(cfg *config.GlobalConfig) error {
				api := cfg.API(args[0])
				if api.Secrets == nil {
					api.Secrets = make(map[string]config.SecretBinding)
				}
				api.Secrets[args[1]] = config.SecretBinding{Source: "env", Name: envVar}
				cfg.SetAPI(args[0], api)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&envVar, "env", "", "Environment variable holding the credential")
	return cmd
}

func newListSecretsCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "list-secrets <context>",
		Short: "List configured secret bindings (values are never shown)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.ConfigMgr.Load()
			if err != nil {
				return err
			}
			api := cfg.API(args[0])
			schemes := make([]string, 0, len(api.Secrets))
			for scheme := range api.Secrets {
				schemes = append(schemes, scheme)
			}
			sort.Strings(schemes)
			for _, scheme := range schemes {
				binding := api.Secrets[scheme]
				set := "unset"
				if _, ok := os.LookupEnv(binding.Name); ok {
					set = "set"
				}
				fmt.Fprintf(deps.Stdout, "%s\tenv:%s\t(%s)\n", scheme, binding.Name, set)
			}
			return nil
		},
	}
}

func newRemoveSecretCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-secret <context> <scheme>",
		Short: "Remove a secret binding",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return deps.ConfigMgr.Update(func(cfg *config.GlobalConfig) error {
				api := cfg.API(args[0])
				delete(api.Secrets, args[1])
				cfg.SetAPI(args[0], api)
				return nil
			})
		},
	}
}

func newSetMappingCommand(deps *Deps) *cobra.Command {
	var (
		renameGroups []string
		operationID  string
		displayName  string
		displayGroup string
		aliases      []string
		hidden       bool
	)
	cmd := &cobra.Command{
		Use:   "set-mapping <context>",
		Short: "Rename groups or operations, add aliases, or hide operations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(renameGroups) == 0 && operationID == "" {
				return errs.New(errs.KindValidation, "nothing to change: pass --rename-group and/or --operation")
			}
			err := deps.ConfigMgr.Update(func(cfg *config.GlobalConfig) error {
				api := cfg.API(args[0])
				for _, entry := range renameGroups {
					tag, display, found := strings.Cut(entry, "=")
					if !found || tag == "" || display == "" {
						return errs.New(errs.KindValidation, "--rename-group %q is not in Tag=group form", entry)
					}
					if api.CommandMapping.Groups == nil {
						api.CommandMapping.Groups = make(map[string]string)
					}
					api.CommandMapping.Groups[tag] = display
				}
				if operationID != "" {
					if api.CommandMapping.Operations == nil {
						api.CommandMapping.Operations = make(map[string]config.OperationOverride)
					}
					override := api.CommandMapping.Operations[operationID]
					if displayName != "" {
						override.Name = displayName
					}
					if displayGroup != "" {
						override.Group = displayGroup
					}
					if len(aliases) > 0 {
						override.Aliases = aliases
					}
					if cmd.Flags().Changed("hidden") {
						override.Hidden = hidden
					}
					api.CommandMapping.Operations[operationID] = override
				}
				cfg.SetAPI(args[0], api)
				return nil
			})
			if err != nil {
				return err
			}
			// The mapping lives in the cached spec; rebuild it.
			return reinitContext(cmd.Context(), deps, args[0], false)
		},
	}
	cmd.Flags().StringArrayVar(&renameGroups, "rename-group", nil, "Group rename as Tag=group (repeatable)")
	cmd.Flags().StringVar(&operationID, "operation", "", "Operation id to override")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name for the operation")
	cmd.Flags().StringVar(&displayGroup, "group", "", "Display group for the operation")
	cmd.Flags().StringArrayVar(&aliases, "alias", nil, "Alias for the operation (repeatable)")
	cmd.Flags().BoolVar(&hidden, "hidden", false, "Hide the operation from help")
	return cmd
}

func newRemoveMappingCommand(deps *Deps) *cobra.Command {
	var group, operationID string
	cmd := &cobra.Command{
		Use:   "remove-mapping <context>",
		Short: "Remove a group rename or operation override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if group == "" && operationID == "" {
				return errs.New(errs.KindValidation, "nothing to remove: pass --group and/or --operation")
			}
			err := deps.ConfigMgr.Update(func(cfg *config.GlobalConfig) error {
				api := cfg.API(args[0])
				if group != "" {
					delete(api.CommandMapping.Groups, group)
				}
				if operationID != "" {
					delete(api.CommandMapping.Operations, operationID)
				}
				cfg.SetAPI(args[0], api)
				return nil
			})
			if err != nil {
				return err
			}
			return reinitContext(cmd.Context(), deps, args[0], false)
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "Original tag whose rename to drop")
	cmd.Flags().StringVar(&operationID, "operation", "", "Operation id whose override to drop")
	return cmd
}

func newCacheStatsCommand(deps *Deps) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "cache-stats [context]",
		Short: "Show response cache statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var contexts []string
			if len(args) == 1 {
				contexts = args
			} else {
				var err error
				contexts, err = deps.Specs.List()
				if err != nil {
					return err
				}
			}

			var all []interface{}
			for _, name := range contexts {
				stats, err := deps.Responses.StatsFor(name)
				if err != nil {
					return err
				}
				if asJSON {
					all = append(all, stats)
					continue
				}
				fmt.Fprintf(deps.Stdout, "%s\t%d entries\t%d bytes\n", stats.Context, stats.Entries, stats.TotalSize)
			}
			if asJSON {
				enc := json.NewEncoder(deps.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(all)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit statistics as JSON")
	return cmd
}

func newClearCacheCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache [context]",
		Short: "Clear the response cache for one context or all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			return deps.Responses.Clear(target)
		},
	}
}

func newSettingsCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "settings",
		Short: "Print the resolved global settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.ConfigMgr.Load()
			if err != nil {
				return err
			}
			for _, key := range config.SettableKeys() {
				value, err := config.GetKey(cfg, key)
				if err != nil {
					return err
				}
				fmt.Fprintf(deps.Stdout, "%s = %s\n", key, value)
			}
			return nil
		},
	}
}

func newGetCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one global setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.ConfigMgr.Load()
			if err != nil {
				return err
			}
			value, err := config.GetKey(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(deps.Stdout, value)
			return nil
		},
	}
}

func newSetCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one global setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return deps.ConfigMgr.Update(func(cfg *config.GlobalConfig) error {
				return config.SetKey(cfg, args[0], args[1])
			})
		},
	}
}
