// Package commands implements the provisio CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/provisio/provisio/pkg/config"
	"github.com/provisio/provisio/pkg/engine"
	"github.com/provisio/provisio/pkg/expr"
	"github.com/provisio/provisio/pkg/telemetry"
)

var (
	// Global flags
	configDir  string
	varFlags   []string
	varFiles   []string
	logLevel   string
	logFormat  string
	jsonOutput bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "provisio",
		Short: "Provisio - declarative infrastructure provisioning",
		Long: `Provisio applies declarative infrastructure configurations: it expands
resource declarations into instances, orders them by their expression
dependencies, materializes them concurrently through providers, and
bootstraps freshly created hosts over SSH.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg := telemetry.DefaultConfig()
			cfg.ServiceVersion = version
			cfg.Logging.Level = logLevel
			cfg.Logging.Format = logFormat
			telemetry.InitGlobalLogger(cfg)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", ".", "configuration directory")
	rootCmd.PersistentFlags().StringArrayVar(&varFlags, "var", nil, "set a variable, name=value (repeatable)")
	rootCmd.PersistentFlags().StringArrayVar(&varFiles, "var-file", nil, "YAML variable file (repeatable)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newOutputsCommand())

	return rootCmd
}

// loadConfiguration parses the config directory and resolves variables and
// locals into a ready evaluation scope.
func loadConfiguration() (*config.Config, *expr.Scope, error) {
	cfg, err := config.NewParser().ParseDir(configDir)
	if err != nil {
		return nil, nil, err
	}
	vars, err := config.ResolveVariables(cfg, config.VariableOptions{
		Files:     varFiles,
		Overrides: varFlags,
	})
	if err != nil {
		return nil, nil, err
	}
	scope := expr.NewScope().WithVariables(vars)
	locals, err := expr.ResolveLocals(cfg.Locals, scope)
	if err != nil {
		return nil, nil, err
	}
	return cfg, scope.WithLocals(locals), nil
}

// buildGraph expands the configuration and builds its dependency graph.
func buildGraph(cfg *config.Config, scope *expr.Scope) (*engine.Graph, error) {
	_, byDecl, err := engine.ExpandAll(cfg, scope)
	if err != nil {
		return nil, err
	}
	return engine.BuildGraph(cfg, byDecl)
}
