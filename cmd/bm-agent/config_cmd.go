package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bmagent/agent/internal/config"
	"github.com/bmagent/agent/internal/secmem"
)

var (
	initServerURL string
	initServerID  string
	initServerKey string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the agent configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the server connection settings",
	Run: func(cmd *cobra.Command, args []string) {
		initConfig()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		showConfig()
	},
}

func init() {
	configInitCmd.Flags().StringVar(&initServerURL, "server", "", "monitoring server URL (http or https)")
	configInitCmd.Flags().StringVar(&initServerID, "server-id", "", "server id assigned by the monitoring server")
	configInitCmd.Flags().StringVar(&initServerKey, "server-key", "", "server key assigned by the monitoring server")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func initConfig() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		cfg = config.Default()
	}

	if initServerURL != "" {
		cfg.ServerURL = initServerURL
	}
	if initServerID != "" {
		cfg.ServerID = initServerID
	}
	if initServerKey != "" {
		cfg.ServerKey = initServerKey
	}

	if err := cfg.RequireServer(); err != nil {
		fmt.Fprintln(os.Stderr, "Use --server, --server-id and --server-key.")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if result := cfg.ValidateTiered(); result.HasFatals() {
		for _, err := range result.Fatals {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
		os.Exit(1)
	}

	if err := config.SaveTo(cfg, cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration saved for server %s (id %s)\n", cfg.ServerURL, cfg.ServerID)
	fmt.Println("Run 'bm-agent run' to start the agent.")
}

// configView renders the key as a hint instead of dropping it.
type configView struct {
	config.Config `yaml:",inline"`
	ServerKey     string `yaml:"server_key"`
}

func showConfig() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	for _, err := range cfg.ValidateTiered().AllErrors() {
		fmt.Fprintf(os.Stderr, "# %v\n", err)
	}

	key := secmem.NewSecureString(cfg.ServerKey)
	defer key.Zero()
	out, err := yaml.Marshal(configView{Config: *cfg, ServerKey: key.Hint()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(out)
}
