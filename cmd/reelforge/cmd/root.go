// Package cmd implements the CLI commands for reelforge.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jmylchreest/reelforge/internal/config"
	"github.com/jmylchreest/reelforge/internal/observability"
	"github.com/jmylchreest/reelforge/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "reelforge",
	Short:   "Distributed video render service",
	Version: version.Short(),
	Long: `reelforge renders video projects to files by playing their compiled
scene in headless browser contexts, encoding the frames with FFmpeg and
joining the segments into one output.

Jobs arrive over the HTTP API or a Kafka topic and are executed by a
persistent queue of workers.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// Log flags are not bound to viper so an unset flag never shadows env or config.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or $HOME/.reelforge/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/reelforge")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.reelforge")
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("REELFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging configures the default slog logger.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format), only if explicitly provided
//  2. Environment variables (REELFORGE_LOGGING_LEVEL, REELFORGE_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults (info, json)
func initLogging() error {
	level := viper.GetString("logging.level")
	format := viper.GetString("logging.format")

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "json"
	}

	logCfg := config.LoggingConfig{
		Level:      strings.ToLower(level),
		Format:     strings.ToLower(format),
		AddSource:  viper.GetBool("logging.add_source"),
		TimeFormat: viper.GetString("logging.time_format"),
	}
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr).
		With(slog.String("app", version.ApplicationName))
	observability.SetDefault(logger)

	return nil
}

// loadConfig unmarshals the merged viper state into a validated Config.
func loadConfig() (*config.Config, error) {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
