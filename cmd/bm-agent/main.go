package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bmagent/agent/internal/agent"
	"github.com/bmagent/agent/internal/config"
	"github.com/bmagent/agent/internal/logging"
	"github.com/bmagent/agent/pkg/api"
)

const shutdownTimeout = 15 * time.Second

var (
	version    = "0.1.0"
	cfgFile    string
	statusAddr string
	statusLogs int
)

var rootCmd = &cobra.Command{
	Use:   "bm-agent",
	Short: "Server monitoring agent",
	Long: `bm-agent keeps a persistent connection to a monitoring server, reports
host telemetry, and serves file, process and shell requests from it.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the running agent",
	Run: func(cmd *cobra.Command, args []string) {
		checkStatus()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bm-agent v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.ConfigDir()+"/"+config.ConfigFileName+")")

	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "status address of the running agent (default from config)")
	statusCmd.Flags().IntVar(&statusLogs, "logs", 0, "print the newest N log lines")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAgent() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		for _, err := range result.Fatals {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
		os.Exit(1)
	}

	out, closer, err := logging.Output(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	log := logging.L("main")
	for _, w := range result.Warnings {
		log.Warn("config validation", logging.KeyError, w)
	}

	a, err := agent.New(cfg, version)
	if err != nil {
		log.Error("agent setup failed", logging.KeyError, err)
		closer.Close()
		os.Exit(1)
	}
	if err := a.Start(); err != nil {
		log.Error("agent start failed", logging.KeyError, err)
		closer.Close()
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	a.Shutdown(ctx)
	cancel()
	closer.Close()
}

func checkStatus() {
	addr := statusAddr
	if addr == "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		addr = cfg.StatusAddr
	}
	if addr == "" {
		fmt.Println("Status: unknown (status endpoint disabled)")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := api.NewClient(addr).Status(ctx)
	if err != nil {
		fmt.Println("Status: not running")
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Status:   %s\n", st.State)
	fmt.Printf("Version:  %s\n", st.Version)
	fmt.Printf("Running:  %t\n", st.Running)
	fmt.Printf("Server:   %s\n", st.Target)
	fmt.Printf("Sessions: %d\n", st.Sessions)
	if overall, ok := st.Health["status"]; ok {
		fmt.Printf("Health:   %v\n", overall)
	}

	if statusLogs > 0 && len(st.Logs) > 0 {
		lines := st.Logs
		if len(lines) > statusLogs {
			lines = lines[len(lines)-statusLogs:]
		}
		fmt.Println()
		for _, line := range lines {
			fmt.Println(line)
		}
	}
}
