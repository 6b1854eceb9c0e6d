package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/adverve/roaspilot/internal/config"
	httpapi "github.com/adverve/roaspilot/internal/interfaces/http"
)

const (
	appName = "roaspilot"
	version = "v0.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Ad-spend autopilot: ROAS-driven budget optimization",
		Version: version,
		Long: `roaspilot watches campaign ROAS and proposes (or, in auto mode,
executes) budget changes: scale winners, shrink losers, pause bleeders,
and shift budget between ads. Every change passes a policy and a safety
engine before it reaches the ad platform.`,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("dsn", os.Getenv("ROASPILOT_DSN"), "Postgres DSN (empty: in-memory store)")
	rootCmd.PersistentFlags().String("platform-url", os.Getenv("ROASPILOT_PLATFORM_URL"), "Ad platform base URL (empty: in-process fake)")
	rootCmd.PersistentFlags().String("redis-addr", os.Getenv("ROASPILOT_REDIS_ADDR"), "Redis address for the audit ledger (empty: in-memory ledger)")

	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(actionsCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the autonomous optimization loop",
		Long:  "Evaluates active campaigns on a fixed interval, queuing or auto-executing the actions both guardrail engines clear",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := app.Worker.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("mode", "", "Override operating mode (suggest|auto)")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the operator HTTP API",
		Long:  "Serves the action queue, approval/execution endpoints, /metrics and /health",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			host, _ := cmd.Flags().GetString("host")
			port, _ := cmd.Flags().GetInt("port")
			withWorker, _ := cmd.Flags().GetBool("with-worker")

			serverCfg := httpapi.DefaultServerConfig()
			if host != "" {
				serverCfg.Host = host
			}
			if port != 0 {
				serverCfg.Port = port
			}
			server := httpapi.NewServer(serverCfg, app.Service, app.Registry)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if withWorker {
				go func() {
					if err := app.Worker.Run(ctx); err != nil && err != context.Canceled {
						log.Error().Err(err).Msg("Worker exited")
					}
				}()
			}

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
		},
	}
	cmd.Flags().String("host", "", "Bind host (default 127.0.0.1)")
	cmd.Flags().Int("port", 0, "Bind port (default 8080)")
	cmd.Flags().Bool("with-worker", false, "Also run the autonomous worker in-process")
	cmd.Flags().String("mode", "", "Override operating mode (suggest|auto)")
	return cmd
}

func evaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <campaign-id>",
		Short: "Evaluate one campaign and print the verdict",
		Long:  "Runs the calculator, forecaster and decision bands against one campaign without queuing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			eval, err := app.Service.EvaluateCampaign(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(eval)
		},
	}
}

func actionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Inspect and operate the action queue",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List live pending actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			actions, err := app.Service.ListPending(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(actions)
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			stats, err := app.Service.QueueStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}

	approveCmd := &cobra.Command{
		Use:   "approve <action-id>",
		Short: "Approve a suggested action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			actor, _ := cmd.Flags().GetString("actor")
			action, err := app.Service.Approve(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}
			return printJSON(action)
		},
	}
	approveCmd.Flags().String("actor", "operator", "Who approves the action")

	executeCmd := &cobra.Command{
		Use:   "execute <action-id>",
		Short: "Execute an approved or suggested action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			actor, _ := cmd.Flags().GetString("actor")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			action, err := app.Service.Execute(cmd.Context(), args[0], actor, dryRun)
			if err != nil {
				return err
			}
			return printJSON(action)
		},
	}
	executeCmd.Flags().String("actor", "operator", "Who executes the action")
	executeCmd.Flags().Bool("dry-run", false, "Validate without touching the platform")

	cancelCmd := &cobra.Command{
		Use:   "cancel <action-id>",
		Short: "Cancel a suggested or pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			actor, _ := cmd.Flags().GetString("actor")
			action, err := app.Service.Cancel(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}
			return printJSON(action)
		},
	}
	cancelCmd.Flags().String("actor", "operator", "Who cancels the action")

	cmd.AddCommand(listCmd, statsCmd, approveCmd, executeCmd, cancelCmd)
	return cmd
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// loadConfig reads the config flag, falling back to defaults.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
