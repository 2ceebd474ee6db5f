package main

import (
	"fmt"
	"os"

	"github.com/cuemby/txrelay/pkg/config"
	"github.com/cuemby/txrelay/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "txrelay",
	Short: "txrelay - transaction status notifications over webhooks and AMQP",
	Long: `txrelay tracks submitted blockchain transactions and delivers every
status change to subscribed webhooks with signed, nonce-ordered, retried
notifications. It can also exchange work with an AMQP 1.0 broker.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"txrelay version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file and environment, applies the logging
// flags and initializes the global logger
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = log.Level(level)
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSONOutput, _ = cmd.Flags().GetBool("log-json")
	}
	log.Init(cfg.Log)
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("txrelay version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}
