package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/app"
	"github.com/zoravur/livequery/internal/config"
	"github.com/zoravur/livequery/internal/logutil"
	"github.com/zoravur/livequery/internal/reactive"
	"github.com/zoravur/livequery/internal/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "livequery",
		Short: "Live PostgreSQL queries over websockets",
		Long:  "livequery keeps SELECT results current for websocket clients, re-running a query only when a table or column it reads changes.",
	}

	rootCmd.AddCommand(newServeCommand(), newDepsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the file (if any), then the environment, then flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	config.FromEnv(&cfg)
	if v, _ := cmd.Flags().GetString("dsn"); v != "" {
		cfg.Database.DSN = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, cfg.Validate()
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", os.Getenv("LIVEQUERY_CONFIG"), "Config file (.json, .yaml)")
	cmd.Flags().String("dsn", "", "PostgreSQL connection string")
	cmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the HTTP and websocket server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("addr"); v != "" {
				cfg.HTTP.Addr = v
			}
			if v, _ := cmd.Flags().GetString("notify"); v != "" {
				cfg.Notify.Source = v
			}

			logger, err := logutil.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()
			zap.ReplaceGlobals(logger)

			if err := app.Run(cfg, logger); err != nil {
				logger.Error("server exited", zap.Error(err))
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	addCommonFlags(cmd)
	cmd.Flags().String("addr", "", "HTTP listen address")
	cmd.Flags().String("notify", "", "Change source: store|wal")
	return cmd
}

func newDepsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deps [sql]",
		Short: "Print the tables and columns a SELECT depends on",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stmt, _ := cmd.Flags().GetString("sql")
			if len(args) == 1 {
				stmt = args[0]
			}
			if strings.TrimSpace(stmt) == "" {
				return fmt.Errorf("no SQL given; pass it as an argument or with --sql")
			}

			rq, err := store.ParseSQL(stmt, nil)
			if err != nil {
				return err
			}
			keys := reactive.Analyze(rq.Def).Keys()
			deps := make([]string, len(keys))
			for i, k := range keys {
				deps[i] = k.String()
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"sql":   stmt,
				"shape": rq.Shape,
				"deps":  deps,
			})
		},
	}
	cmd.Flags().String("sql", "", "SELECT statement to analyze")
	return cmd
}
