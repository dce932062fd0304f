// Command shiken runs the uniaxial compression job server and submits jobs
// to it.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd(logger).ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// logLevel reads SHIKEN_LOG_LEVEL. It is read here rather than by config so
// that config errors are logged at the requested level.
func logLevel() slog.Level {
	level := slog.LevelInfo
	if v := os.Getenv("SHIKEN_LOG_LEVEL"); v != "" {
		// Unknown levels keep the default.
		_ = level.UnmarshalText([]byte(v))
	}
	return level
}

// rootCmd registers every subcommand.
func rootCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shiken",
		Short: "shiken runs bonded-particle uniaxial compression tests on request.",
		Long: `shiken runs bonded-particle uniaxial compression tests on request.

A server accepts one TCP connection at a time. Each connection carries a JSON
object of contact parameters and receives the recorded strain and stress
series of one simulated test.

Server settings come from SHIKEN_* environment variables, optionally loaded
from a .env file in the working directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.AddCommand(
		serveCmd(logger),
		submitCmd(logger),
	)
	return cmd
}
