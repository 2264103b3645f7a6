package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/quillaudio/quill/cmd/quill/internal/config"
	"github.com/quillaudio/quill/pkg/kv"
)

var (
	// Global flags
	verbose bool

	// Global configuration (loaded at init time)
	globalConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Live speaker-attributed transcription",
	Long: `quill - live transcription with speaker identification.

quill captures microphone audio, streams it to a diarizing recognizer,
and attributes each transcript line to an enrolled speaker by voiceprint.
Speakers can be enrolled during a session and profiles grow automatically
from conversation audio, gated by a similarity check.

Configuration lives in the OS config directory:
  macOS:   ~/Library/Application Support/quill/quill.yaml
  Linux:   ~/.config/quill/quill.yaml
  Windows: %AppData%/quill/quill.yaml

Examples:
  # Start a live session against a recognizer
  quill run

  # Enroll the currently speaking person during a session
  (type "/enroll Alice 0" on stdin while running)

  # Manage the speaker database
  quill speakers list
  quill speakers forget Alice

  # Review past sessions
  quill sessions list
  quill sessions show <id>`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// configLoadErr stores the error from config.Load() for deferred reporting.
var configLoadErr error

func initConfig() {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load()
	if err != nil {
		configLoadErr = err
		return
	}
	globalConfig = cfg
}

// GetConfig returns the global configuration.
func GetConfig() (*config.Config, error) {
	if globalConfig == nil {
		if configLoadErr != nil {
			return nil, fmt.Errorf("config not available: %w", configLoadErr)
		}
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("config not available: %w", err)
		}
		globalConfig = cfg
	}
	return globalConfig, nil
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}

// openStore opens the profile/session database from the configured data
// directory. The caller closes it.
func openStore(cfg *config.Config) (kv.Store, error) {
	store, err := kv.NewBadger(kv.BadgerOptions{Dir: cfg.DataDir})
	if err != nil {
		return nil, fmt.Errorf("open data dir %s: %w", cfg.DataDir, err)
	}
	return store, nil
}
