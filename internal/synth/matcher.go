package synth

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aperture-cli/aperture/pkg/engine"
	"github.com/aperture-cli/aperture/pkg/errs"
	"github.com/aperture-cli/aperture/pkg/spec"
)

// Match reverse-maps a matched cobra command back to its cached operation
// via the index annotation.
func Match(cached *spec.CachedSpec, cmd *cobra.Command) (*spec.CachedOperation, error) {
	raw, ok := cmd.Annotations[annotationOpIndex]
	if !ok {
		return nil, errs.New(errs.KindRuntime, "command %q carries no operation annotation", cmd.Name())
	}
	idx, err := strconv.Atoi(raw)
	if err != nil || idx < 0 || idx >= len(cached.Commands) {
		return nil, errs.New(errs.KindRuntime, "command %q has an invalid operation annotation %q", cmd.Name(), raw)
	}
	return &cached.Commands[idx], nil
}

// FlagValues extracts the resolved parameter values for an operation from
// its parsed flags (and positional args in legacy mode). Typed flags were
// parsed by pflag; everything is normalized back to strings for URL and
// header assembly.
func FlagValues(cmd *cobra.Command, op *spec.CachedOperation, positionalMode bool, positional []string) (engine.ParamValues, error) {
	values := make(engine.ParamValues)
	flags := cmd.Flags()

	posIdx := 0
	for _, p := range op.Parameters {
		name := FlagName(p.Name)

		if positionalMode && p.Location == spec.LocPath {
			if posIdx >= len(positional) {
				return nil, errs.New(errs.KindValidation,
					"missing positional value for path parameter %q of %s", p.Name, describeUse(op))
			}
			values[p.Name] = []string{positional[posIdx]}
			posIdx++
			continue
		}

		switch p.TypeHint {
		case "boolean":
			set := flags.Changed(name)
			unset := flags.Changed("no-" + name)
			if set && unset {
				return nil, errs.New(errs.KindValidation,
					"flags --%s and --no-%s are mutually exclusive", name, name)
			}
			if p.Required && !set && !unset {
				return nil, errs.New(errs.KindValidation,
					"required flag --%s (or --no-%s) is not set", name, name)
			}
			if set {
				values[p.Name] = []string{"true"}
			} else if unset {
				values[p.Name] = []string{"false"}
			}
		case "integer":
			if flags.Changed(name) {
				v, err := flags.GetInt64(name)
				if err != nil {
					return nil, errs.Wrap(errs.KindValidation, err, "invalid value for --%s", name)
				}
				values[p.Name] = []string{strconv.FormatInt(v, 10)}
			}
		case "number":
			if flags.Changed(name) {
				v, err := flags.GetFloat64(name)
				if err != nil {
					return nil, errs.Wrap(errs.KindValidation, err, "invalid value for --%s", name)
				}
				values[p.Name] = []string{strconv.FormatFloat(v, 'g', -1, 64)}
			}
		case "array":
			if flags.Changed(name) {
				v, err := flags.GetStringSlice(name)
				if err != nil {
					return nil, errs.Wrap(errs.KindValidation, err, "invalid value for --%s", name)
				}
				values[p.Name] = v
			}
		default:
			if flags.Changed(name) {
				v, err := flags.GetString(name)
				if err != nil {
					return nil, errs.Wrap(errs.KindValidation, err, "invalid value for --%s", name)
				}
				values[p.Name] = []string{v}
			}
		}
	}

	if positionalMode && posIdx < len(positional) {
		return nil, errs.New(errs.KindValidation,
			"too many positional arguments for %s (expected %d)", describeUse(op), posIdx)
	}

	return values, nil
}

// Body extracts the --body flag when the operation accepts one.
func Body(cmd *cobra.Command, op *spec.CachedOperation) (string, error) {
	if op.RequestBody == nil {
		return "", nil
	}
	body, err := cmd.Flags().GetString("body")
	if err != nil {
		return "", errs.Wrap(errs.KindValidation, err, "invalid --body value")
	}
	return body, nil
}
