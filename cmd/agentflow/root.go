package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "agentflow",
	Short: "Multi-agent workflow orchestrator",
	Long: `agentflow runs declarative multi-agent workflows: a YAML file declares
tasks bound to agents and the dependency edges between them, and the engine
executes the graph in dependency order with bounded concurrency, retries,
checkpoints and resumption.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("store", defaultStorePath(), "path to the SQLite state store")
	rootCmd.PersistentFlags().Int("concurrency", 4, "maximum tasks in flight per execution")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	_ = viper.BindPFlag("store", rootCmd.PersistentFlags().Lookup("store"))
	_ = viper.BindPFlag("concurrency", rootCmd.PersistentFlags().Lookup("concurrency"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	viper.SetEnvPrefix("AGENTFLOW")
	viper.AutomaticEnv()

	viper.SetConfigName("agentflow")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", "agentflow"))
	}
	// a missing config file is fine; flags and env cover everything
	_ = viper.ReadInConfig()

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(checkpointsCmd)
}

func defaultStorePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "agentflow", "state.db")
}
