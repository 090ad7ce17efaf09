package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/agenthands/readbuddy/internal/config"
	"github.com/agenthands/readbuddy/internal/core"
	"github.com/agenthands/readbuddy/internal/driver"
	"github.com/agenthands/readbuddy/internal/graph"
	"github.com/agenthands/readbuddy/internal/llm"
	"github.com/agenthands/readbuddy/internal/logger"
	"github.com/agenthands/readbuddy/internal/session"
)

var (
	configPath string
	envFile    string

	cfg *config.Config
	log *logger.Logger

	rootCmd = &cobra.Command{
		Use:           "buddy",
		Short:         "A reading companion that notices when you are stuck",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load %s: %w", envFile, err)
			}

			var err error
			cfg, err = loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			cfg.ApplyEnv()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			log, err = logger.New(cfg.Server.Mode)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				log.Sync()
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.toml", "config file (TOML or YAML)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.AddCommand(serveCmd, extractCmd, statsCmd, strugglesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig falls back to defaults when the default config file is absent.
// An explicitly named file must exist.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && !explicit {
		return config.Default(), nil
	}
	return config.Load(path)
}

// openBuddy opens both stores under the data directory, the language model
// and, when configured, the Memgraph mirror.
func openBuddy(ctx context.Context) (*core.Buddy, error) {
	if err := os.MkdirAll(cfg.Knowledge.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	g, err := graph.Open(cfg.Knowledge.GraphPath(),
		graph.WithMaxConceptsPerPage(cfg.Knowledge.MaxConceptsPerPage),
		graph.WithLogger(log.With("component", "graph")))
	if err != nil {
		return nil, err
	}
	s, err := session.Open(cfg.Knowledge.SessionsPath(), session.WithLogger(log.With("component", "sessions")))
	if err != nil {
		g.Close()
		return nil, err
	}

	var provider llm.Provider
	if p, err := llm.NewProvider(ctx, cfg.LLM, log.With("component", "llm")); err != nil {
		log.Warn("language model unavailable, running offline", "provider", cfg.LLM.Provider, "error", err)
	} else {
		provider = p
	}

	var opts []core.Option
	if cfg.Memgraph.URI != "" {
		d, err := driver.NewMemgraphDriver(ctx, cfg.Memgraph.URI, cfg.Memgraph.User, cfg.Memgraph.Password, log.With("component", "memgraph"))
		if err != nil {
			log.Warn("graph mirror disabled", "uri", cfg.Memgraph.URI, "error", err)
		} else {
			m := core.NewMirror(d, g, log.With("component", "mirror"))
			if err := m.BuildIndices(ctx); err != nil {
				log.Warn("failed to build mirror indices", "error", err)
			}
			opts = append(opts, core.WithMirror(m))
		}
	}

	return core.New(cfg, g, s, provider, log, opts...), nil
}
