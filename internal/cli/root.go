// Package cli implements the adalog commands.
package cli

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"adalog/pkg/config"
)

var (
	cfg *config.Config

	sessionsDirFlag string
	syntheticFlag   bool
)

var rootCmd = &cobra.Command{
	Use:   "adalog",
	Short: "Record synchronized EEG, text and drawing sessions",
	Long: `adalog captures a biosignal stream together with typed text, drawings and
session tags into a per-session directory of timestamped CSV logs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if sessionsDirFlag != "" {
			loaded.SessionsDir = sessionsDirFlag
		}
		if syntheticFlag {
			loaded.SyntheticStream = true
		}
		setupLogging(loaded.LogLevel, loaded.LogFormat)
		cfg = loaded
		return nil
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionsDirFlag, "sessions-dir", "", "Root directory for session data (overrides ADALOG_SESSIONS_DIR)")
	rootCmd.PersistentFlags().BoolVar(&syntheticFlag, "synthetic", false, "Offer a synthetic test stream")

	// Add subcommands (alphabetical)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(streamsCmd)
}

// setupLogging configures the global logger. Logs go to stderr so command output stays clean.
func setupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
