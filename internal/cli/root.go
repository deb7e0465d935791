package cli

import (
	"errors"
	"io"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/soyeahso/docchat/internal/config"
	"github.com/soyeahso/docchat/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string

	// loaded at init time
	paths     config.Paths
	cfg       config.Config
	cfgErr    error
	log       *logging.Logger
	logCloser io.Closer
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docchat",
		Short: "docchat: chat with the documents you upload",
		Long: "docchat indexes the documents a user uploads during a session and answers\n" +
			"questions about them. Everything a session uploads is deleted when it ends.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			paths, err = config.ResolvePaths()
			if err != nil {
				return err
			}
			if cfgFile != "" {
				paths.Config = cfgFile
			}
			if err := loadDotEnv(".env", paths.Env); err != nil {
				return err
			}

			cfg, cfgErr = config.Load(paths.Config)
			if cfgErr != nil {
				cfg = config.Defaults()
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			log, logCloser = logging.Open(logging.Options{
				Level:      cfg.Logging.Level,
				Style:      cfg.Logging.ConsoleStyle,
				File:       cfg.Logging.File,
				MaxSizeMB:  cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
			})
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if logCloser != nil {
				return logCloser.Close()
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.docchat/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newAskCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// loadDotEnv loads each env file that exists. Variables already set in the
// environment are not overridden.
func loadDotEnv(files ...string) error {
	for _, f := range files {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// loadedConfig returns the config loaded by the root command, or the error
// that prevented loading it.
func loadedConfig() (config.Config, error) {
	if cfgErr != nil {
		return cfg, cfgErr
	}
	return cfg, nil
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
