package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skypro1111/speechchunks/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "speechchunks",
	Short: "Split live or recorded audio into speech utterances",
	Long: `speechchunks runs voice activity detection over audio streams and
emits every detected utterance as a 16-bit PCM WAV file.

Audio arrives over UDP packets or WebSocket messages (serve), or from a
WAV file on disk (segment).`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (defaults are used when empty)")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(segmentCmd)
	rootCmd.AddCommand(sendCmd)
}

// loadConfig loads the configuration named by the persistent flags
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to read 'config' flag: %w", err)
	}

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to read 'log-level' flag: %w", err)
	}
	if level != "" {
		cfg.Logging.Level = level
		if err := cfg.Logging.Validate(); err != nil {
			return nil, fmt.Errorf("invalid --log-level: %w", err)
		}
	}

	return cfg, nil
}
