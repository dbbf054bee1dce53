// Command cppmcp serves C++ syntax analysis tools over the Model Context Protocol.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/cppmcp/internal/config"
)

var (
	flagConfig       string
	flagLogLevel     string
	flagLogFormat    string
	flagWorkers      int
	flagQueries      []string
	flagAllowedRoots []string
	flagWatch        bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "cppmcp",
	Short:         "C++ syntax analysis over the Model Context Protocol",
	Long:          "cppmcp parses C++ sources with tree-sitter and answers structural queries as MCP tools.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "", "path of a YAML configuration file")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level: debug|info|warn|error")
	flags.StringVar(&flagLogFormat, "log-format", "", "log format: auto|text|json")
	flags.IntVar(&flagWorkers, "workers", 0, "number of tool calls executed concurrently")
	flags.StringSliceVar(&flagQueries, "queries", nil, "enabled predefined queries (default: all)")
	flags.StringSliceVar(&flagAllowedRoots, "allowed-root", nil, "directory documents may be read from (repeatable)")
	flags.BoolVar(&flagWatch, "watch", false, "allow documents to follow their files on disk")

	rootCmd.AddCommand(stdioCmd)
	rootCmd.AddCommand(sseCmd)
}

// loadConfig resolves the configuration of a subcommand: file and environment first, then the
// flags the user set explicitly.
func loadConfig(cmd *cobra.Command, transport string, apply func(*config.Config)) (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, err
	}
	cfg.Transport = transport

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = flagLogLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = flagLogFormat
	}
	if flags.Changed("workers") {
		cfg.Analysis.Workers = flagWorkers
	}
	if flags.Changed("queries") {
		cfg.Analysis.Queries = flagQueries
	}
	if flags.Changed("allowed-root") {
		cfg.Analysis.AllowedRoots = flagAllowedRoots
	}
	if flags.Changed("watch") {
		cfg.Analysis.Watch = flagWatch
	}
	if apply != nil {
		apply(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs always go to w, never to the protocol stream; the auto
// format picks text for terminals and JSON otherwise.
func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}

	format := cfg.Log.Format
	if format == "auto" {
		format = "json"
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			format = "text"
		}
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With(slog.String("service", cfg.Server.Name))
}
