// cc-agent - in-container agent supervisor
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/ccbridge/internal/supervisor"
)

func main() {
	var (
		mode     = flag.String("mode", envOr("CC_AGENT_MODE", "daemon"), "daemon or legacy")
		name     = flag.String("name", envOr("CC_INSTANCE_NAME", "default"), "instance name")
		pipeDir  = flag.String("pipe-dir", envOr("CC_PIPE_DIR", "/tmp/ccbridge"), "FIFO directory")
		binary   = flag.String("agent", envOr("CC_AGENT_BINARY", "claude"), "agent binary")
		logLevel = flag.String("log-level", envOr("CC_LOG_LEVEL", "info"), "debug, info, warn, or error")
	)
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := supervisor.Config{
		InstanceName: *name,
		PipeDir:      *pipeDir,
		AgentBinary:  *binary,
		Mode:         supervisor.Mode(*mode),
	}
	switch cfg.Mode {
	case supervisor.ModeDaemon:
	case supervisor.ModeLegacy:
		// One-shot runs use the agent's non-interactive print flag.
		cfg.AgentArgs = []string{"-p"}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q (want daemon or legacy)\n", *mode)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Agent supervisor starting",
		"instance", cfg.InstanceName, "mode", cfg.Mode, "pipe_dir", cfg.PipeDir)

	start := time.Now()
	if err := supervisor.New(cfg).Run(ctx); err != nil {
		slog.Error("Supervisor exited", "error", err, "uptime", time.Since(start))
		os.Exit(1)
	}
	slog.Info("Supervisor stopped", "uptime", time.Since(start))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
