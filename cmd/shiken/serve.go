package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/shiken/internal/config"
	"github.com/ashita-ai/shiken/internal/engine"
	"github.com/ashita-ai/shiken/internal/engine/pfc"
	"github.com/ashita-ai/shiken/internal/engine/synthetic"
	"github.com/ashita-ai/shiken/internal/server"
	"github.com/ashita-ai/shiken/internal/service/history"
	"github.com/ashita-ai/shiken/internal/service/simulation"
	"github.com/ashita-ai/shiken/internal/telemetry"
)

func serveCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the job server until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), logger)
		},
	}
}

func serve(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("shiken starting", "version", version, "addr", cfg.Addr(), "engine", cfg.Engine)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	eng, closeEngine, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer func() { _ = closeEngine() }()

	extractor, err := history.New(history.Config{
		Path:         cfg.ArtifactPath,
		StressFactor: cfg.StressFactor,
		Signed:       cfg.SignedSeries,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	orch, err := simulation.New(simulation.Config{
		Engine:       eng,
		Extractor:    extractor,
		Logger:       logger,
		WallVelocity: cfg.WallVelocity,
		Halt: engine.HaltSpec{
			PeakFraction: cfg.PeakFraction,
			MaxStrain:    cfg.MaxStrain,
			WarmupCycles: cfg.WarmupCycles,
		},
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Runner:          orch,
		Logger:          logger,
		SendAck:         cfg.SendAck,
		MaxRequestBytes: cfg.MaxRequestBytes,
		ReadTimeout:     cfg.RequestReadTimeout,
	})
	if err != nil {
		return err
	}

	// A bind failure is fatal: the port is how clients find this server.
	ln, err := server.Listen(cfg.Addr())
	if err != nil {
		return err
	}
	if err := srv.Serve(ctx, ln); err != nil {
		return err
	}
	slog.Info("shiken stopped")
	return nil
}

// newEngine builds the configured engine and returns a function that
// releases it.
func newEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (engine.Engine, func() error, error) {
	switch cfg.Engine {
	case config.EnginePFC:
		bridge, err := pfc.Dial(ctx, cfg.PFCBridgeAddr, cfg.PFCDialRetries, cfg.PFCDialBaseDelay, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("engine: pfc", "bridge", cfg.PFCBridgeAddr, "model_dir", cfg.PFCModelDir)
		return pfc.New(bridge, pfc.Config{ModelDir: cfg.PFCModelDir}), bridge.Close, nil
	default:
		logger.Info("engine: synthetic")
		return synthetic.New(synthetic.Config{}), func() error { return nil }, nil
	}
}
