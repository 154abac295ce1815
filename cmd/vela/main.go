// Command vela runs process definitions on the activity runtime.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/vela/internal/config"
	"github.com/oriys/vela/internal/definition"
	"github.com/oriys/vela/internal/environment"
	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/metrics"
	"github.com/oriys/vela/internal/observability"
	"github.com/oriys/vela/internal/statestore"
)

var version = "dev"

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "vela",
		Short:         "vela runs BPMN-style process definitions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(runCommand(&configPath))
	root.AddCommand(shakeCommand())
	root.AddCommand(versionCommand())
	return root
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	logging.SetLevelFromString(cfg.LogLevel)
	return cfg, nil
}

func runCommand(configPath *string) *cobra.Command {
	var (
		definitionPath string
		vars           []string
		save           bool
		recoverState   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a process definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := logging.Op()

			if cfg.Telemetry.MetricsAddr != "" {
				metrics.InitPrometheus("vela", nil)
				go serveMetrics(cfg.Telemetry.MetricsAddr)
				logger.Info("metrics listening", "addr", cfg.Telemetry.MetricsAddr)
			}
			if cfg.Telemetry.OTLPEndpoint != "" {
				shutdown, err := observability.InitTracer(ctx, cfg.Telemetry.OTLPEndpoint, "vela")
				if err != nil {
					return err
				}
				defer shutdown(context.Background())
			}

			def, err := definition.Load(definitionPath)
			if err != nil {
				return err
			}
			env := environment.New(environment.Settings{Step: cfg.Engine.Step})
			for _, kv := range vars {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --var %q, want key=value", kv)
				}
				env.Variables[k] = v
			}

			runner, err := definition.Build(def, env)
			if err != nil {
				return err
			}

			store, err := statestore.Open(ctx, cfg.StateStore)
			if err != nil {
				return err
			}
			defer store.Close()

			tracer := observability.Tracer()
			ctx, span := tracer.Start(ctx, "process.run")
			defer span.End()

			if recoverState {
				if err := runner.RecoverState(ctx, store); err != nil {
					return err
				}
			} else if err := runner.Run(); err != nil {
				return err
			}

			for _, a := range runner.Activities() {
				c := a.Counters()
				logger.Info("activity settled", "id", a.ID(),
					"status", orIdle(a.Status()), "taken", c.Taken, "discarded", c.Discarded)
			}
			waiting := runner.Waiting()
			if len(waiting) > 0 {
				for _, a := range waiting {
					logger.Info("activity waiting", "id", a.ID(), "status", a.Status())
				}
				if save {
					if err := runner.SaveState(ctx, store); err != nil {
						return err
					}
					logger.Info("state saved", "store", cfg.StateStore.Driver)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&definitionPath, "file", "f", "", "process definition file")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "environment variable key=value")
	cmd.Flags().BoolVar(&save, "save", false, "save waiting activity state to the state store")
	cmd.Flags().BoolVar(&recoverState, "recover", false, "recover activity state from the state store")
	cmd.MarkFlagRequired("file")
	return cmd
}

func shakeCommand() *cobra.Command {
	var definitionPath string

	cmd := &cobra.Command{
		Use:   "shake",
		Short: "Print the flow sequences reachable from each start activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := definition.Load(definitionPath)
			if err != nil {
				return err
			}
			runner, err := definition.Build(def, environment.New(environment.Settings{}))
			if err != nil {
				return err
			}
			for _, sequence := range runner.Shake() {
				parts := make([]string, 0, len(sequence))
				for _, s := range sequence {
					parts = append(parts, s.ID)
				}
				fmt.Println(strings.Join(parts, " -> "))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&definitionPath, "file", "f", "", "process definition file")
	cmd.MarkFlagRequired("file")
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the vela version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("vela", version)
		},
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Op().Error("metrics server failed", "err", err)
	}
}

func orIdle(status string) string {
	if status == "" {
		return "idle"
	}
	return status
}
