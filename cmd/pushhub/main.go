package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/pushhub/internal/cmd/client"
	serverrun "github.com/rzbill/pushhub/internal/cmd/server"
	logpkg "github.com/rzbill/pushhub/pkg/log"
)

func main() {
	// CLI logger; the server builds its own from configuration
	level, err := logpkg.ParseLevel(os.Getenv("PUSHHUB_LOG_LEVEL"))
	if err != nil {
		level = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(level),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:           "pushhub",
		Short:         "PubSubHubbub hub",
		Long:          "pushhub runs a PubSubHubbub hub and talks to a running one.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the hub (workers, HTTP and gRPC)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var opts serverrun.Options
			opts.ConfigPath, _ = cmd.Flags().GetString("config")
			opts.DataDir, _ = cmd.Flags().GetString("data-dir")
			opts.HTTPAddr, _ = cmd.Flags().GetString("http")
			opts.GRPCAddr, _ = cmd.Flags().GetString("grpc")
			opts.Fsync, _ = cmd.Flags().GetString("fsync")
			opts.LogLevel, _ = cmd.Flags().GetString("log-level")
			opts.LogFormat, _ = cmd.Flags().GetString("log-format")

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, opts); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().String("config", os.Getenv("PUSHHUB_CONFIG"), "Config file (.yaml, .yml or .json)")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (default :8080)")
	serverStartCmd.Flags().String("grpc", "", "gRPC health listen address (default :9090)")
	serverStartCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", "", "Log format: text|json")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	clientcmd.AddCommands(rootCmd, clientcmd.BaseURLFromEnv)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.Error("command failed", logpkg.Err(err))
		os.Exit(1)
	}
}
