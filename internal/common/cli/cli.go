// Package cli provides the command line plumbing shared by the harvester commands:
// logging setup and viper configuration loading.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/regharvest/harvester/internal/common/constants"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// SetSlog sets the logging level and format of the default logger from the verbose flag count.
//
// Without JSON logs, it behaves like slog.SetLogLoggerLevel.
func SetSlog(verbosity int, jsonLogs bool) {
	level := LevelFor(verbosity)
	if jsonLogs {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
		return
	}
	slog.SetLogLoggerLevel(level)
}

// LevelFor maps a -v count to a log level.
func LevelFor(verbosity int) slog.Level {
	switch {
	case verbosity <= 0:
		return constants.DefaultLogLevel
	case verbosity == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// InstallConfigFlag adds a config flag to the command.
func InstallConfigFlag(cmd *cobra.Command) *string {
	return cmd.PersistentFlags().String("config", "", "use a specific configuration file")
}

// InitViperConfig initializes the Viper configuration for a command.
//
// The configuration file is either the one given with --config, or cmdName.{yaml,json,toml} searched
// in the working directory, the system configuration directories and next to the binary.
// Environment variables prefixed with the upper-cased command name override file values,
// nested keys being separated by underscores: BIZREG_HARVEST_SERVICE_DB_HOST sets db.host.
func InitViperConfig(cmdName string, cmd *cobra.Command, vip *viper.Viper) error {
	if v, err := cmd.Flags().GetString("config"); err == nil && v != "" {
		vip.SetConfigFile(v)
	} else {
		vip.SetConfigName(cmdName)
		vip.AddConfigPath(".")

		if runtime.GOOS == "windows" {
			vip.AddConfigPath("C:\\ProgramData\\" + cmdName)
		} else {
			vip.AddConfigPath("/etc/" + cmdName)
			vip.AddConfigPath("/usr/local/etc/" + cmdName)
		}

		if binPath, err := os.Executable(); err != nil {
			slog.Warn("Failed to get current executable path, not adding it as a config dir", "err", err)
		} else {
			vip.AddConfigPath(filepath.Dir(binPath))
		}
	}

	if err := vip.ReadInConfig(); err != nil {
		var e viper.ConfigFileNotFoundError
		if !errors.As(err, &e) {
			return fmt.Errorf("invalid configuration file: %w", err)
		}
		slog.Info("No configuration file, using defaults, environment variables and flags only", "err", e)
	} else {
		slog.Info("Using configuration file", "file", vip.ConfigFileUsed())
	}

	prefix := strings.ToUpper(strings.ReplaceAll(cmdName, "-", "_"))
	vip.SetEnvPrefix(prefix)
	vip.AutomaticEnv()

	// AutomaticEnv alone does not surface nested keys to Unmarshal, so every prefixed variable
	// is bound explicitly. See https://github.com/spf13/viper/pull/1429.
	prefix += "_"
	for _, e := range os.Environ() {
		name, _, ok := strings.Cut(e, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}

		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, prefix), "_", "."))
		if err := vip.BindEnv(key, name); err != nil {
			return fmt.Errorf("could not bind environment variable %s: %w", name, err)
		}
	}

	return nil
}
