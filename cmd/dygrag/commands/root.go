package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/dygrag/internal/engine"
	"github.com/OFFIS-RIT/dygrag/internal/util"
	"github.com/OFFIS-RIT/dygrag/pkg/logger"
	"github.com/OFFIS-RIT/dygrag/pkg/logger/console"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	workDir    string
	namespace  string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "dygrag",
	Short: "Index documents into a knowledge graph and query it",
	Long: `dygrag - build a time-aware knowledge graph from documents and answer
questions from it.

Configuration is read from an optional YAML file (--config) and from
environment variables, which take precedence. A .env file in the working
directory is loaded first.

Examples:
  # Index a corpus and ask a question
  dygrag insert --corpus Corpus.json
  dygrag query "Who founded Globex?"

  # Only print the assembled context for a time window
  dygrag query --context-only --start 2020 --end 2021 "What happened at Acme?"`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		util.LoadEnv()
		logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
			Debug: verbose || util.GetEnvBool("DEBUG", false),
		}))
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&workDir, "work-dir", "", "working directory (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "index namespace (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(insertCmd, queryCmd, clusterCmd, communitiesCmd)
}

// openEngine loads the configuration and opens the engine. The returned
// context is cancelled on SIGINT or SIGTERM.
func openEngine(cmd *cobra.Command) (context.Context, *engine.Engine, func(), error) {
	cfg, err := engine.LoadConfig(configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	if workDir != "" {
		cfg.WorkDir = workDir
	}
	if namespace != "" {
		cfg.Namespace = namespace
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	eng, err := engine.New(ctx, cfg)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, eng, func() {
		if err := eng.Close(); err != nil {
			logger.Warn("Failed to close engine", "err", err)
		}
		stop()
	}, nil
}
