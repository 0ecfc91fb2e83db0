package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nmattis/ehrlichgpt/internal/ehrlich/app"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/config"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/store"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect stored conversation memory",
}

var memoryShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the memory of one channel",
	Long: `Show the stored memory of a channel: message count, summarization
progress, active memory fragments and the long-term narrative.

Examples:
  ehrlich memory show --channel '!abc123:example.org'
  ehrlich memory show            # list channels with stored memory`,
	Args: cobra.NoArgs,
	RunE: runMemoryShow,
}

func init() {
	memoryShowCmd.Flags().String("channel", "", "Matrix room ID")
	memoryCmd.AddCommand(memoryShowCmd)
	rootCmd.AddCommand(memoryCmd)
}

func runMemoryShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadStoreConfig()
	if err != nil {
		return err
	}
	st, err := store.New(cfg.Store.Path, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := commandContext(cmd)
	out := cmd.OutOrStdout()
	channel, _ := cmd.Flags().GetString("channel")
	if channel != "" {
		return app.WriteChannelMemory(ctx, st, channel, out)
	}

	channels, err := app.ListStoredChannels(ctx, st)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		fmt.Fprintln(out, "No stored channels.")
		return nil
	}
	for _, c := range channels {
		fmt.Fprintln(out, c)
	}
	return nil
}

// loadStoreConfig reads the configuration for offline commands, which need
// the database path but no credentials.
func loadStoreConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.LoadFile(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	cfg.ApplyEnv()
	return &cfg, nil
}
