package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/rs/zerolog/log"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"

	"github.com/provisio/provisio/pkg/expr"
)

// EnvVarPrefix is the prefix for variable values supplied via the process
// environment, e.g. PROVISIO_VAR_env=prod.
const EnvVarPrefix = "PROVISIO_VAR_"

// VariableOptions carries the external variable sources, in ascending
// precedence: declaration defaults, var files in order, environment,
// then explicit overrides.
type VariableOptions struct {
	// Files are YAML var file paths, applied in order.
	Files []string
	// Overrides are name=value pairs from the command line. Values are
	// parsed as expressions and fall back to literal strings.
	Overrides []string
}

// ResolveVariables produces the final variable values for a run. Every
// declared variable must end up with a value; supplying a value for an
// undeclared variable is an error.
func ResolveVariables(cfg *Config, opts VariableOptions) (map[string]cty.Value, error) {
	declared := make(map[string]*Variable, len(cfg.Variables))
	values := make(map[string]cty.Value)
	for _, v := range cfg.Variables {
		declared[v.Name] = v
		if v.HasDefault {
			values[v.Name] = v.Default
		}
	}

	set := func(name string, val cty.Value, source string) error {
		if _, ok := declared[name]; !ok {
			return fmt.Errorf("value supplied for undeclared variable %q (%s)", name, source)
		}
		values[name] = val
		log.Debug().Str("variable", name).Str("source", source).Msg("variable set")
		return nil
	}

	for _, path := range opts.Files {
		fileVals, err := loadVarFile(path)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(fileVals))
		for name := range fileVals {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := set(name, fileVals[name], path); err != nil {
				return nil, err
			}
		}
	}

	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, EnvVarPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		name := kv[len(EnvVarPrefix):eq]
		val, err := parseVariableValue(kv[eq+1:])
		if err != nil {
			return nil, fmt.Errorf("environment variable %s%s: %w", EnvVarPrefix, name, err)
		}
		// Environment values for undeclared variables are ignored rather
		// than rejected, since the process environment is shared state.
		if _, ok := declared[name]; ok {
			values[name] = val
			log.Debug().Str("variable", name).Str("source", "environment").Msg("variable set")
		}
	}

	for _, pair := range opts.Overrides {
		eq := strings.IndexByte(pair, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("invalid -var %q: expected name=value", pair)
		}
		val, err := parseVariableValue(pair[eq+1:])
		if err != nil {
			return nil, fmt.Errorf("-var %q: %w", pair, err)
		}
		if err := set(pair[:eq], val, "command line"); err != nil {
			return nil, err
		}
	}

	var missing []string
	for name := range declared {
		if _, ok := values[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("no value for required variable(s): %s", strings.Join(missing, ", "))
	}
	return values, nil
}

// parseVariableValue parses a raw string as an HCL expression so that
// numbers, bools, and lists work naturally; anything that does not parse or
// evaluate standalone is taken as a literal string.
func parseVariableValue(raw string) (cty.Value, error) {
	e, diags := hclsyntax.ParseExpression([]byte(raw), "<value>", hcl.InitialPos)
	if !diags.HasErrors() {
		if v, vdiags := e.Value(&hcl.EvalContext{}); !vdiags.HasErrors() && v.IsWhollyKnown() {
			return v, nil
		}
	}
	return cty.StringVal(raw), nil
}

func loadVarFile(path string) (map[string]cty.Value, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading var file: %w", err)
	}
	var decoded map[string]interface{}
	if err := yaml.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("parsing var file %s: %w", path, err)
	}
	vals, err := expr.FromGoMap(decoded)
	if err != nil {
		return nil, fmt.Errorf("var file %s: %w", path, err)
	}
	return vals, nil
}
