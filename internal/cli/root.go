// Package cli implements the instctl CLI commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/davidthor/instctl/pkg/logging"

	// Import state backends to register them via init()
	_ "github.com/davidthor/instctl/pkg/state/backend/azurerm"
	_ "github.com/davidthor/instctl/pkg/state/backend/gcs"
	_ "github.com/davidthor/instctl/pkg/state/backend/local"
	_ "github.com/davidthor/instctl/pkg/state/backend/s3"
)

var (
	cfgFile string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "instctl",
	Short: "Install SQL Server on many Windows hosts at once",
	Long: `instctl drives unattended SQL Server setup across a fleet of Windows hosts.

It locates the setup media, negotiates remote authentication, generates a
configuration file per host, runs setup with a concurrency limit and records
one result per target.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLog(viper.GetString("log_level"), viper.GetString("log_file"))
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.instctl/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to this file instead of stderr")

	// Bind to viper
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))
	viper.SetEnvPrefix("INSTCTL")
	viper.AutomaticEnv()

	// Add subcommands
	rootCmd.AddCommand(newInstallCmd())
	rootCmd.AddCommand(newRunsCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newFeaturesCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in home directory
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.instctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	// Read config file if it exists
	_ = viper.ReadInConfig()
}
