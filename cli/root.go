// Package cli implements the obligations command-line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vts/obligation-engine/config"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	cfg    *config.Config
	logger *slog.Logger
	ui     *UI

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "obligations",
	Short: "Recurring obligation engine - issues, payments and offline sync",
	Long: `obligations tracks recurring maintenance issues and payments.
Resolving a recurring obligation schedules its next occurrence, every
change is audited, and changes made while offline are queued and
replayed once the link is back.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "Config file (YAML)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (default obligations.db)")
	rootCmd.PersistentFlags().String("queue", "", "Offline queue path (default queue.db)")
	rootCmd.PersistentFlags().String("device", "", "Device id that owns the offline queue (default hostname)")
	_ = viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("queue_path", rootCmd.PersistentFlags().Lookup("queue"))
	_ = viper.BindPFlag("device_id", rootCmd.PersistentFlags().Lookup("device"))
}

func initConfig() {
	ui = NewUI()

	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	loaded, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		ui.Error("configuration: %v", err)
		os.Exit(1)
	}
	cfg = loaded
	logger = cfg.Logger(os.Stderr)
	slog.SetDefault(logger)
}
