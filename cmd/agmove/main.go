package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/johndauphine/ag-db-move/internal/checkpoint"
	"github.com/johndauphine/ag-db-move/internal/config"
	"github.com/johndauphine/ag-db-move/internal/exitcodes"
	"github.com/johndauphine/ag-db-move/internal/logging"
	"github.com/johndauphine/ag-db-move/internal/orchestrator"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "agmove",
		Usage:   "Move a SQL Server database between availability groups by backup and restore",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "state-file",
				Usage: "Use YAML state file instead of SQLite (for schedulers/headless)",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Write results as JSON to stdout and progress as JSON lines to stderr",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetLevel(level)

			if err := logging.SetFormat(c.String("log-format")); err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}

			// Keep stdout clean for JSON results
			if c.Bool("output-json") {
				logging.SetOutput(os.Stderr)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "move",
				Usage:  "Run a one-shot move: log backup, restore, then finalize as configured",
				Action: runMove,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "overwrite",
						Usage: "Delete an existing destination database first",
					},
					&cli.BoolFlag{
						Name:  "finalize",
						Value: true,
						Usage: "Recover the destination and join its availability group",
					},
					&cli.BoolFlag{
						Name:  "copy-logins",
						Value: true,
						Usage: "Copy the source database's logins when finalizing",
					},
					&cli.BoolFlag{
						Name:  "delete-source",
						Usage: "Delete the source database after a finalized move",
					},
				},
			},
			{
				Name:   "round",
				Usage:  "Apply log backups taken since the last round, leaving the destination restoring",
				Action: runRound,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "reset",
						Usage: "Forget the saved watermark and restore the whole chain",
					},
					&cli.BoolFlag{
						Name:  "overwrite",
						Usage: "Delete an existing destination database on the first round",
					},
				},
			},
			{
				Name:   "finalize",
				Usage:  "Apply the remaining backups, recover the destination and join its availability group",
				Action: runFinalize,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "copy-logins",
						Value: true,
						Usage: "Copy the source database's logins",
					},
					&cli.BoolFlag{
						Name:  "delete-source",
						Usage: "Delete the source database afterwards",
					},
				},
			},
			{
				Name:   "plan",
				Usage:  "Show the backup chain and what the next round would restore",
				Action: showPlan,
			},
			{
				Name:   "status",
				Usage:  "Show the move session and the current or last run",
				Action: showStatus,
			},
			{
				Name:  "history",
				Usage: "List recent runs, or view details of a specific run",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
					&cli.DurationFlag{
						Name:  "prune",
						Usage: "Remove completed runs older than this (SQLite state only)",
					},
				},
				Action: showHistory,
			},
			{
				Name:   "health",
				Usage:  "Check connectivity to every replica of both availability groups",
				Action: healthCheck,
			},
			{
				Name:   "delete-source",
				Usage:  "Delete the source database on every replica",
				Action: deleteSource,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Delete even though the move was not finalized",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Exit code %d: %s\n", code, exitcodes.Description(code))
		os.Exit(code)
	}
}

func runMove(c *cli.Context) error {
	return withOrchestrator(c, func(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator) error {
		if c.IsSet("overwrite") {
			cfg.Move.Overwrite = c.Bool("overwrite")
		}
		if c.IsSet("finalize") {
			v := c.Bool("finalize")
			cfg.Move.Finalize = &v
		}
		if c.IsSet("copy-logins") {
			v := c.Bool("copy-logins")
			cfg.Move.CopyLogins = &v
		}
		if c.IsSet("delete-source") {
			cfg.Move.DeleteSource = c.Bool("delete-source")
		}
		if cfg.Move.DeleteSource && !cfg.Move.ShouldFinalize() {
			return exitcodes.NewExitError(errors.New("--delete-source requires --finalize"), exitcodes.ConfigError)
		}
		return reportRun(c, orch, orch.Run(ctx))
	})
}

func runRound(c *cli.Context) error {
	return withOrchestrator(c, func(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator) error {
		if c.IsSet("overwrite") {
			cfg.Move.Overwrite = c.Bool("overwrite")
		}
		if c.Bool("reset") {
			if err := orch.Reset(); err != nil {
				return exitcodes.NewExitError(err, exitcodes.StateError)
			}
		}
		return reportRun(c, orch, orch.Round(ctx))
	})
}

func runFinalize(c *cli.Context) error {
	return withOrchestrator(c, func(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator) error {
		if c.IsSet("copy-logins") {
			v := c.Bool("copy-logins")
			cfg.Move.CopyLogins = &v
		}
		if c.IsSet("delete-source") {
			cfg.Move.DeleteSource = c.Bool("delete-source")
		}
		return reportRun(c, orch, orch.Finalize(ctx))
	})
}

func showPlan(c *cli.Context) error {
	return withOrchestrator(c, func(ctx context.Context, _ *config.Config, orch *orchestrator.Orchestrator) error {
		return orch.ShowPlan(ctx, c.Bool("output-json"))
	})
}

func healthCheck(c *cli.Context) error {
	return withOrchestrator(c, func(ctx context.Context, _ *config.Config, orch *orchestrator.Orchestrator) error {
		h, err := orch.ShowHealth(ctx, c.Bool("output-json"))
		if err != nil {
			return err
		}
		if !h.Healthy {
			return exitcodes.NewExitError(errors.New("health check failed"), exitcodes.ConnectionError)
		}
		return nil
	})
}

func deleteSource(c *cli.Context) error {
	return withOrchestrator(c, func(ctx context.Context, _ *config.Config, orch *orchestrator.Orchestrator) error {
		return orch.DeleteSource(ctx, c.Bool("force"))
	})
}

// showStatus reads the state backend only, so it works while a move holds
// the databases busy or the servers are unreachable.
func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c, false)
	if err != nil {
		return err
	}
	state, err := openState(c, cfg)
	if err != nil {
		return err
	}
	defer state.Close()

	status, err := orchestrator.StatusOf(state, cfg)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.StateError)
	}
	return orchestrator.WriteResult(os.Stdout, c.Bool("output-json"), status, func() string {
		return orchestrator.RenderStatus(status)
	})
}

func showHistory(c *cli.Context) error {
	cfg, err := loadConfig(c, false)
	if err != nil {
		return err
	}
	state, err := openState(c, cfg)
	if err != nil {
		return err
	}
	defer state.Close()

	if retention := c.Duration("prune"); retention > 0 {
		db, ok := state.(*checkpoint.State)
		if !ok {
			return exitcodes.NewExitError(errors.New("--prune requires the SQLite state backend"), exitcodes.ConfigError)
		}
		n, err := db.CleanupOldRuns(retention)
		if err != nil {
			return exitcodes.NewExitError(err, exitcodes.StateError)
		}
		logging.Info("Removed %d runs older than %s", n, retention)
	}

	asJSON := c.Bool("output-json")
	if runID := c.String("run"); runID != "" {
		details, err := orchestrator.RunDetailsOf(state, runID)
		if err != nil {
			return exitcodes.NewExitError(err, exitcodes.StateError)
		}
		return orchestrator.WriteResult(os.Stdout, asJSON, details, func() string {
			return orchestrator.RenderRunDetails(details)
		})
	}

	runs, err := state.GetAllRuns()
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.StateError)
	}
	return orchestrator.WriteResult(os.Stdout, asJSON, runs, func() string {
		return orchestrator.RenderHistory(runs)
	})
}

// withOrchestrator loads configuration, connects to both ends and runs fn
// under a context cancelled by SIGINT or SIGTERM.
func withOrchestrator(c *cli.Context, fn func(context.Context, *config.Config, *orchestrator.Orchestrator) error) error {
	cfg, err := loadConfig(c, true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, err := orchestrator.New(ctx, cfg, orchestrator.Options{
		StateFile:  getStateFile(c),
		OutputJSON: c.Bool("output-json"),
		Out:        os.Stdout,
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	err = fn(ctx, cfg, orch)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "\nInterrupted. The destination is left as the last statement left it; rerun to continue.")
	}
	return err
}

// reportRun writes the resulting status as JSON when requested and passes
// the run error through.
func reportRun(c *cli.Context, orch *orchestrator.Orchestrator, runErr error) error {
	if !c.Bool("output-json") {
		return runErr
	}
	status, err := orch.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to read run status: %v\n", err)
		return runErr
	}
	if err := orchestrator.WriteResult(os.Stdout, true, status, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
	}
	return runErr
}

func openState(c *cli.Context, cfg *config.Config) (checkpoint.StateBackend, error) {
	state, err := orchestrator.OpenState(cfg, orchestrator.Options{StateFile: getStateFile(c)})
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("opening state: %w", err), exitcodes.StateError)
	}
	return state, nil
}

// getStateFile returns the state file path from the context.
// Checks both command-level and global flags.
func getStateFile(c *cli.Context) string {
	for _, ctx := range c.Lineage() {
		if ctx == nil {
			continue
		}
		if sf := ctx.String("state-file"); sf != "" {
			return sf
		}
	}
	return ""
}

// loadConfig reads the configuration file. When prompt is set and a
// password-authenticated endpoint has no password, it is read from the
// terminal.
func loadConfig(c *cli.Context, prompt bool) (*config.Config, error) {
	configPath := c.String("config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) && !c.IsSet("config") {
		return nil, exitcodes.NewExitError(fmt.Errorf("configuration file not found: %s", configPath), exitcodes.ConfigError)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if !prompt {
		return cfg, nil
	}
	for _, e := range []*config.EndpointConfig{&cfg.Source, &cfg.Destination} {
		if err := promptPassword(e); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func promptPassword(e *config.EndpointConfig) error {
	if e.Auth != "password" || e.User == "" || e.Password != "" {
		return nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	fmt.Fprintf(os.Stderr, "Password for %s@%s: ", e.User, e.DataSource())
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	e.Password = string(pw)
	return nil
}
