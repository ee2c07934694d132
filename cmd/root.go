package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "rebuildd",
	Short: "Rebuildd - Container Image Rebuild Orchestrator",
	Long: `Rebuildd reacts to shipped security advisories: it finds the container
images affected by the advisory's rpms, plans a dependency-ordered rebuild
and drives the rebuilds through an external build system.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./rebuildd.toml)")
}

func initConfig() {
	// Local overrides for development; absence is fine.
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("rebuildd")
		viper.SetConfigType("toml")
		viper.AddConfigPath(".")
		if userConfigDir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(userConfigDir + "/rebuildd")
		}
		viper.AddConfigPath("/etc/rebuildd")
	}

	viper.SetEnvPrefix("REBUILDD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		os.Exit(1)
	}
}
