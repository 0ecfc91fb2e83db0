package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nmattis/ehrlichgpt/common/version"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/app"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/config"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to Matrix and run the bot",
	Long: `Connect to the configured homeserver, restore every stored
conversation and answer messages until interrupted (SIGINT or SIGTERM).
Memory state is saved on shutdown.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger := observability.Setup(cfg.Log.Level, cfg.Log.Format,
		cfg.Matrix.AccessToken, cfg.LLM.APIKey, cfg.Embedding.APIKey)
	logger.Info("starting ehrlich",
		"version", version.Version,
		"commit", version.Commit(),
		"llm", cfg.LLM.Provider,
		"index", cfg.Index.Backend,
	)

	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bot, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer bot.Stop()

	return bot.Run(ctx)
}

// commandContext returns cmd's context, never nil.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
