package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"visiond/internal/config"
	"visiond/internal/coordinator"
	"visiond/internal/daemon"
	"visiond/internal/engine"
	"visiond/internal/httpapi"
	"visiond/internal/lifecycle"
	"visiond/internal/narrator"
	"visiond/internal/pipeline"
	"visiond/internal/resmon"
	"visiond/pkg/types"
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type serveFlags struct {
	configPath string
	addr       string
	variant    string
	baseURL    string
	mock       bool
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "visiond",
		Short:         "On-device visual inference daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildBenchCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: HTTP API, frame pipeline and model supervision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(f)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "", "Config file (.yaml/.json/.toml)")
	cmd.Flags().StringVar(&f.addr, "addr", "", "HTTP listen address, e.g. :8080")
	cmd.Flags().StringVar(&f.variant, "variant", "", "Model variant to load on start")
	cmd.Flags().StringVar(&f.baseURL, "engine-url", "", "Base URL of the inference server")
	cmd.Flags().BoolVar(&f.mock, "mock", false, "Use the in-process mock engine")
	return cmd
}

func runServe(f serveFlags) error {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "visiond").Logger()

	var cfg config.Config
	if f.configPath != "" {
		var err error
		cfg, err = config.Load(f.configPath)
		if err != nil {
			return err
		}
	}
	// Flags override file values.
	if f.addr != "" {
		cfg.Addr = f.addr
	}
	if f.variant != "" {
		cfg.Variant = f.variant
	}
	if f.baseURL != "" {
		cfg.Engine.BaseURL = f.baseURL
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Variant == "" {
		cfg.Variant = string(types.VariantFast05B)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor := resmon.New(resmon.Config{
		Interval:     ms(cfg.Resources.SampleIntervalMS),
		MediumFrac:   cfg.Resources.MediumFraction,
		HighFrac:     cfg.Resources.HighFraction,
		CriticalFrac: cfg.Resources.CriticalFraction,
		Logger:       logger.With().Str("component", "resmon").Logger(),
	})
	monitor.Start()
	defer monitor.Stop()

	var factory engine.Factory
	if f.mock || cfg.Engine.BaseURL == "" {
		logger.Warn().Msg("no engine url configured, using mock engine")
		factory = engine.NewMockFactory(nil)
	} else {
		factory = engine.NewServerFactory(engine.ServerConfig{
			BaseURL:        cfg.Engine.BaseURL,
			APIKey:         cfg.Engine.APIKey,
			ReqTimeout:     ms(cfg.Engine.RequestTimeoutMS),
			ConnectTimeout: ms(cfg.Engine.ConnectTimeoutMS),
			MaxTokens:      cfg.Engine.MaxTokens,
			Temperature:    float32(cfg.Engine.Temperature),
		})
	}

	var ctrl *lifecycle.Controller
	coord := coordinator.New(coordinator.Config{
		CancelGrace:  ms(cfg.Generation.CancelGraceMS),
		UpdateStride: cfg.Generation.UpdateStride,
		RepeatWindow: cfg.Generation.RepeatWindow,
		OnStuck: func(h *engine.Handle) {
			if ctrl != nil {
				ctrl.HandleStuckEngine(h)
			}
		},
		OnSuccess: func() {
			if ctrl != nil {
				ctrl.ResetRecoveryAttempts()
			}
		},
		Logger: logger.With().Str("component", "coordinator").Logger(),
	})
	ctrl = lifecycle.New(lifecycle.Config{
		Factory:             factory,
		Coordinator:         coord,
		Monitor:             monitor,
		SwitchQuiesce:       ms(cfg.Supervision.SwitchQuiesceMS),
		MaxRecoveryAttempts: cfg.Supervision.MaxRecoveryAttempts,
		PressureCooldown:    ms(cfg.Supervision.PressureCooldownMS),
		FallbackVariant:     types.Variant(cfg.FallbackVariant),
		BandChanges:         monitor.Subscribe(),
		Publisher:           logPublisher{logger: logger},
		Logger:              logger.With().Str("component", "lifecycle").Logger(),
	})
	go ctrl.Run(ctx)

	speak := narrator.NewDispatcher(
		narrator.Log{Logger: logger.With().Str("component", "narrator").Logger()},
		logger,
	)
	speak.Start(ctx)

	pipe := pipeline.New(pipeline.Config{
		Source:          &pipeline.TickerSource{Interval: ms(cfg.Pipeline.FrameIntervalMS)},
		Coordinator:     coord,
		Controller:      ctrl,
		Monitor:         monitor,
		Narrator:        speak,
		Continuous:      cfg.Pipeline.Continuous,
		Prompt:          cfg.Pipeline.Prompt,
		Suffix:          cfg.Pipeline.Suffix,
		PerMinuteCap:    cfg.Pipeline.PerMinuteCap,
		HighBandStride:  cfg.Pipeline.HighBandStride,
		ContinuousDelay: ms(cfg.Pipeline.ContinuousDelayMS),
		SingleShotDelay: ms(cfg.Pipeline.SingleShotDelayMS),
		Logger:          logger.With().Str("component", "pipeline").Logger(),
	})
	defer pipe.Stop()

	if err := ctrl.SwitchTo(ctx, types.Variant(cfg.Variant)); err != nil {
		logger.Error().Err(err).Str("variant", cfg.Variant).Msg("initial model load failed")
	}

	d := daemon.New(ctrl, coord, monitor, pipe)
	httpapi.SetLogger(logger.With().Str("component", "http").Logger())
	httpapi.SetBaseContext(ctx)
	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(d)}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("variant", cfg.Variant).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
	return nil
}

// logPublisher forwards lifecycle events to the structured log.
type logPublisher struct {
	logger zerolog.Logger
}

func (p logPublisher) Publish(ev lifecycle.Event) {
	e := p.logger.Info().Str("variant", ev.Variant)
	for k, v := range ev.Fields {
		e = e.Interface(k, v)
	}
	e.Msg(ev.Name)
}

// ms converts a config millisecond count to a duration; zero stays zero so
// package defaults apply.
func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
