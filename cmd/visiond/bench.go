package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"visiond/internal/coordinator"
	"visiond/internal/engine"
	"visiond/internal/lifecycle"
	"visiond/internal/resmon"
	"visiond/pkg/types"
)

type benchFlags struct {
	variant    string
	baseURL    string
	runs       int
	prompt     string
	tokenDelay time.Duration
}

func buildBenchCmd() *cobra.Command {
	var f benchFlags
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure generation latency and throughput against a variant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(f)
		},
	}
	cmd.Flags().StringVar(&f.variant, "variant", string(types.VariantFast05B), "Model variant to benchmark")
	cmd.Flags().StringVar(&f.baseURL, "engine-url", "", "Base URL of the inference server; empty uses the mock engine")
	cmd.Flags().IntVar(&f.runs, "runs", 5, "Number of generations to time")
	cmd.Flags().StringVar(&f.prompt, "prompt", "Describe the scene in one sentence.", "Prompt sent on every run")
	cmd.Flags().DurationVar(&f.tokenDelay, "token-delay", 5*time.Millisecond, "Inter-token delay of the mock engine")
	return cmd
}

func runBench(f benchFlags) error {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	var factory engine.Factory
	if f.baseURL == "" {
		factory = engine.NewMockFactory(func(info types.VariantInfo, m *engine.Mock) {
			m.TokenDelay = f.tokenDelay
		})
	} else {
		factory = engine.NewServerFactory(engine.ServerConfig{BaseURL: f.baseURL})
	}

	monitor := resmon.New(resmon.Config{Interval: time.Hour})
	coord := coordinator.New(coordinator.Config{Logger: logger})
	ctrl := lifecycle.New(lifecycle.Config{
		Factory:     factory,
		Coordinator: coord,
		Monitor:     monitor,
		Logger:      logger,
	})

	ctx := context.Background()
	loadStart := time.Now()
	if err := ctrl.SwitchTo(ctx, types.Variant(f.variant)); err != nil {
		return err
	}
	fmt.Printf("model %s loaded in %s\n\n", f.variant, time.Since(loadStart).Round(time.Millisecond))

	h := ctrl.Active()
	var ttftSum, totalSum time.Duration
	var tpsSum float64
	for i := 1; i <= f.runs; i++ {
		req := types.NewGenerationRequest(f.prompt, "", nil)
		start := time.Now()
		s := coord.Submit(ctx, req, h)
		<-s.Done()
		out, err := s.Result()
		if err != nil {
			return fmt.Errorf("run %d: %w", i, err)
		}
		total := time.Since(start)
		snap := h.Snapshot()
		ttftSum += time.Duration(snap.PromptTimeMS) * time.Millisecond
		totalSum += total
		tpsSum += out.TokensPerSec
		fmt.Printf("run %2d: ttft=%4dms total=%6s tokens/s=%6.1f tokens=%d\n",
			i, snap.PromptTimeMS, total.Round(time.Millisecond), out.TokensPerSec, out.Tokens)
	}

	n := time.Duration(f.runs)
	fmt.Printf("\navg: ttft=%s total=%s tokens/s=%.1f over %d runs\n",
		(ttftSum / n).Round(time.Millisecond),
		(totalSum / n).Round(time.Millisecond),
		tpsSum/float64(f.runs), f.runs)
	return nil
}
