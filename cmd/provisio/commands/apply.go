package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/provisio/provisio/pkg/engine"
	"github.com/provisio/provisio/pkg/providers/static"
	"github.com/provisio/provisio/pkg/stores"
	"github.com/provisio/provisio/pkg/telemetry"
	"github.com/provisio/provisio/pkg/transports/ssh"
)

func newApplyCommand() *cobra.Command {
	var (
		parallelism int
		stateDB     string
		metricsAddr string
		tracing     bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Materialize the configuration",
		Long: `Apply expands the configuration, orders instances by dependency, and
materializes them concurrently. Instances whose dependencies failed are
marked blocked instead of aborting the run, so independent work always
completes. Results are printed and, with --state-db, persisted.`,
		Example: `  provisio apply
  provisio apply --var env=prod --parallelism 8
  provisio apply --state-db ./provisio.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tcfg := telemetry.DefaultConfig()
			tcfg.Tracing.Enabled = tracing
			shutdownTracing, err := telemetry.InitTracing(ctx, tcfg)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("tracing shutdown failed")
				}
			}()

			var metrics *telemetry.Metrics
			if metricsAddr != "" {
				metrics = telemetry.NewMetrics()
				metrics.Serve(metricsAddr)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					metrics.Shutdown(shutdownCtx)
				}()
			}

			cfg, scope, err := loadConfiguration()
			if err != nil {
				return err
			}
			graph, err := buildGraph(cfg, scope)
			if err != nil {
				return err
			}

			registry := engine.NewProviderRegistry()
			registry.RegisterFallback(static.New())

			opts := engine.DefaultApplyOptions()
			if parallelism > 0 {
				opts.Parallelism = parallelism
			}
			applier := engine.NewApplier(registry, sshTransportFactory, metrics, opts)

			run, err := applier.Apply(ctx, cfg, graph, scope)
			if err != nil {
				return err
			}

			if stateDB != "" {
				if err := persistRun(ctx, stateDB, run); err != nil {
					log.Error().Err(err).Msg("persisting run failed")
				}
			}

			if err := printRun(run, graph.Order()); err != nil {
				return err
			}
			if run.Status != engine.RunSucceeded {
				return fmt.Errorf("run %s finished with status %s", run.ID, run.Status)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "maximum concurrent instances (default 4)")
	cmd.Flags().StringVar(&stateDB, "state-db", "", "SQLite file for run history")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	cmd.Flags().BoolVar(&tracing, "trace", false, "emit OpenTelemetry traces to stdout")
	return cmd
}

// sshTransportFactory adapts the engine's resolved connection spec to the
// SSH transport.
func sshTransportFactory(spec *engine.ConnectionSpec) (engine.Transport, error) {
	cfg := ssh.DefaultConfig()
	cfg.Host = spec.Host
	cfg.Port = spec.Port
	cfg.User = spec.User
	cfg.Password = spec.Password
	cfg.PrivateKeyPath = spec.PrivateKeyPath
	if spec.Timeout > 0 {
		cfg.ConnectTimeout = spec.Timeout
	}
	return ssh.NewClient(cfg)
}

func printRun(run *engine.Run, order []string) error {
	if jsonOutput {
		out, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("\nRun %s: %s (%s)\n", run.ID, run.Status, run.Duration.Round(time.Millisecond))
	for _, id := range order {
		res := run.Results[id]
		if res == nil {
			continue
		}
		switch res.Status {
		case engine.StatusApplied:
			if res.Unchanged {
				fmt.Printf("  %-20s applied (unchanged)\n", id)
			} else {
				fmt.Printf("  %-20s applied  id=%s\n", id, res.Identity)
			}
		case engine.StatusBlocked:
			fmt.Printf("  %-20s blocked  by=%s\n", id, res.BlockedBy)
		default:
			fmt.Printf("  %-20s %-8s %s\n", id, res.Status, res.Error)
		}
	}
	fmt.Printf("Summary: %d applied, %d failed, %d blocked (of %d)\n",
		run.Summary.Applied, run.Summary.Failed, run.Summary.Blocked, run.Summary.Total)

	if len(run.Outputs) > 0 {
		fmt.Println("\nOutputs:")
		names := make([]string, 0, len(run.Outputs))
		for name := range run.Outputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			val, err := json.Marshal(run.Outputs[name])
			if err != nil {
				return err
			}
			fmt.Printf("  %s = %s\n", name, val)
		}
	}
	for name, reason := range run.Unavailable {
		fmt.Printf("  %s = (unavailable: %s)\n", name, reason)
	}
	return nil
}

// persistRun writes the run report to the SQLite history store.
func persistRun(ctx context.Context, path string, run *engine.Run) error {
	store, err := stores.NewSQLiteStore(path)
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return err
	}
	if err := store.SaveRun(ctx, &stores.RunRecord{
		ID:          run.ID,
		Status:      string(run.Status),
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		SummaryJSON: string(summary),
	}); err != nil {
		return err
	}

	instances := make([]*stores.InstanceRecord, 0, len(run.Results))
	for _, res := range run.Results {
		outputs := "{}"
		if len(res.Outputs) > 0 {
			raw, err := json.Marshal(res.Outputs)
			if err != nil {
				return err
			}
			outputs = string(raw)
		}
		instances = append(instances, &stores.InstanceRecord{
			RunID:       run.ID,
			InstanceID:  res.InstanceID,
			Type:        res.Type,
			Status:      string(res.Status),
			Identity:    res.Identity,
			OutputsJSON: outputs,
			Error:       res.Error,
			BlockedBy:   res.BlockedBy,
			Attempts:    res.Attempts,
			DurationMS:  res.Duration.Milliseconds(),
		})
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].InstanceID < instances[j].InstanceID })
	if err := store.SaveInstances(ctx, run.ID, instances); err != nil {
		return err
	}

	outputs := make([]*stores.OutputRecord, 0, len(run.Outputs)+len(run.Unavailable))
	for name, val := range run.Outputs {
		raw, err := json.Marshal(val)
		if err != nil {
			return err
		}
		outputs = append(outputs, &stores.OutputRecord{
			RunID: run.ID, Name: name, ValueJSON: string(raw), Available: true,
		})
	}
	for name, reason := range run.Unavailable {
		outputs = append(outputs, &stores.OutputRecord{
			RunID: run.ID, Name: name, Reason: reason,
		})
	}
	return store.SaveOutputs(ctx, run.ID, outputs)
}
