package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/telhawk-systems/relay/collector/internal/config"
	"github.com/telhawk-systems/relay/common/logging"
)

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
	settings *viper.Viper
	logger   *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "collector",
	Short: "Relay collector",
	Long: `collector buffers resolution messages on the producer side and delivers
them to the relay ingestion API in batches, retrying through outages.

Configuration cascade (priority order):
  1. COLLECTOR_* environment variables (e.g. COLLECTOR_INGEST_URL)
  2. the file given with --config
  3. built-in defaults`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, settings, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
			settings.Set("logging.level", logLevel)
		}
		// stdout carries command output; logs go to stderr.
		logger = logging.NewWithWriter(os.Stderr, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
			With(logging.Service("collector"))
		logging.SetDefault(logger)
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")
}
