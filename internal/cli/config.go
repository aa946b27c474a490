package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// ConfigKeyMediaPath is the media root searched when --media is not given.
	ConfigKeyMediaPath = "default_media_path"

	// ConfigKeyThrottle is the concurrency limit used when --throttle is not given.
	ConfigKeyThrottle = "default_throttle"

	// ConfigKeyVersion is the SQL Server version used when --version is not given.
	ConfigKeyVersion = "default_version"
)

// configKeys lists the settable keys in display order.
var configKeys = []string{ConfigKeyMediaPath, ConfigKeyThrottle, ConfigKeyVersion}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
		Long:  `Get and set instctl CLI configuration values stored in ~/.instctl/config.yaml.`,
	}

	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigListCmd())

	return cmd
}

func newConfigSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value in ~/.instctl/config.yaml.

Available keys:
  default-media-path    Media root searched when --media is not specified.
  default-throttle      Concurrent installs when --throttle is not specified.
  default-version       SQL Server version when --version is not specified.

Examples:
  instctl config set default-media-path '\\fileserver\media\sql2019'
  instctl config set default-throttle 10`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := args[1]

			viperKey := normalizeConfigKey(key)
			if err := validateConfigValue(viperKey, value); err != nil {
				return err
			}

			viper.Set(viperKey, value)
			if err := writeConfig(); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
			return nil
		},
	}

	return cmd
}

func newConfigGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Long: `Get a configuration value from ~/.instctl/config.yaml.

Examples:
  instctl config get default-version`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := viper.GetString(normalizeConfigKey(key))
			if value == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not set\n", key)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), value)
			}
			return nil
		},
	}

	return cmd
}

func newConfigListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all configuration values",
		Long:  `List all configuration values from ~/.instctl/config.yaml.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration:")
			set := 0
			for _, key := range configKeys {
				if v := viper.GetString(key); v != "" {
					fmt.Fprintf(out, "  %s = %s\n", displayConfigKey(key), v)
					set++
				}
			}
			if set == 0 {
				fmt.Fprintln(out, "  (no values set)")
			}
			return nil
		},
	}

	return cmd
}

func validateConfigValue(key, value string) error {
	switch key {
	case ConfigKeyMediaPath, ConfigKeyVersion:
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s must not be empty", displayConfigKey(key))
		}
		return nil
	case ConfigKeyThrottle:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("%s must be a positive integer", displayConfigKey(key))
		}
		return nil
	default:
		keys := make([]string, len(configKeys))
		for i, k := range configKeys {
			keys[i] = displayConfigKey(k)
		}
		return fmt.Errorf("unknown configuration key %q\n\nAvailable keys:\n  %s", displayConfigKey(key), strings.Join(keys, "\n  "))
	}
}

// writeConfig writes the current viper config to the config file.
func writeConfig() error {
	configPath := viper.ConfigFileUsed()
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir := filepath.Join(home, ".instctl")
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		configPath = filepath.Join(configDir, "config.yaml")
	}

	return viper.WriteConfigAs(configPath)
}

// normalizeConfigKey converts CLI-style keys (with dashes) to viper-style keys (with underscores).
func normalizeConfigKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(key), "-", "_")
}

func displayConfigKey(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}
