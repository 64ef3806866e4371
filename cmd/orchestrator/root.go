package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions carries the persistent flags and the configuration they
// resolve to.
type rootOptions struct {
	configPath  string
	dbPath      string
	catalogPath string
	logLevel    string

	cfg    *Config
	logger *slog.Logger
	logOut io.Writer
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{logOut: os.Stderr}

	root := &cobra.Command{
		Use:          "orchestrator",
		Short:        "Autonomous workflow orchestration engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default ./orchestrator.yaml when present)")
	flags.StringVar(&opts.dbPath, "db", "", "database path, or :memory: for an ephemeral store")
	flags.StringVar(&opts.catalogPath, "catalog", "", "workflow catalog YAML file")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newServeCmd(opts),
		newMCPCmd(opts),
		newTriggerCmd(opts),
		newPipelineCmd(opts),
		newApproveCmd(opts),
		newMigrateCmd(opts),
		newCatalogCmd(opts),
		newVersionCmd(),
	)
	return root
}

// load resolves configuration and applies flag overrides.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.DBPath = o.dbPath
	}
	if flags.Changed("catalog") {
		cfg.CatalogPath = o.catalogPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	o.cfg = cfg
	o.logger = newLogger(o.logOut, cfg.LogLevel, cfg.LogFormat)
	return nil
}

// parseInput decodes a JSON object flag. Empty means no input.
func parseInput(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("--input must be a JSON object: %w", err)
	}
	return input, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
