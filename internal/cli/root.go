// Package cli is the riskctl command line: it runs the scoring pipeline
// against a local SQLite store and prints its outputs.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dahilon/Atlas/internal/pipeline"
	"github.com/Dahilon/Atlas/internal/storage/sqlite"
	"github.com/Dahilon/Atlas/pkg/config"
	"github.com/Dahilon/Atlas/pkg/logger"
)

type app struct {
	configPath string
	dbPath     string
	logLevel   string
	output     string

	cfg   *config.Config
	store *sqlite.Client

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdin, os.Stdout, os.Stderr)
}

func NewRootCommandWithIO(in io.Reader, out, errOut io.Writer) *cobra.Command {
	return newRootCommand(in, out, errOut)
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{
		stdin:  in,
		stdout: out,
		stderr: errOut,
	}

	cmd := &cobra.Command{
		Use:           "riskctl",
		Short:         "Score, re-enrich and inspect Atlas risk outputs",
		Long:          "riskctl runs the risk scoring pipeline against a local SQLite store and prints daily metrics, spikes, tiers, trends and run history.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a config file (default: search ./config.yaml, ./config, /etc/atlas)")
	cmd.PersistentFlags().StringVar(&a.dbPath, "db", "", "SQLite database path, overrides sqlite.path")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "log level written to stderr")
	cmd.PersistentFlags().StringVarP(&a.output, "output", "o", "table", "output format: table or json")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if a.output != "table" && a.output != "json" {
			return fmt.Errorf("--output must be table or json, got %q", a.output)
		}

		cfg, err := config.LoadFrom(a.configPath)
		if err != nil {
			return err
		}
		if a.dbPath != "" {
			cfg.SQLite.Path = a.dbPath
		}
		a.cfg = cfg

		return logger.Init(a.logLevel, "console", "stderr", logger.RotationConfig{})
	}
	cmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		if a.store == nil {
			return nil
		}
		err := a.store.Close()
		a.store = nil
		return err
	}

	cmd.AddCommand(
		newRunCmd(a),
		newReEnrichCmd(a),
		newShowCmd(a),
	)

	return cmd
}

// openStore opens the configured database and makes sure its schema exists.
func (a *app) openStore() (*sqlite.Client, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := sqlite.NewClient(a.cfg.SQLite.Path)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, err
	}
	a.store = store
	return store, nil
}

func (a *app) orchestrator() (*pipeline.Orchestrator, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	return pipeline.NewOrchestrator(store, a.cfg.Engine, a.cfg.Server.MaxBatchEvents), nil
}

func (a *app) printer() *printer {
	return newPrinter(a.stdout, a.output == "json")
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
