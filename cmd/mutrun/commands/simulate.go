package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hupe1980/mutrun"
	"github.com/hupe1980/mutrun/internal/config"
	"github.com/hupe1980/mutrun/internal/sim"
	"github.com/hupe1980/mutrun/prommetrics"
)

// SimulateCommand holds the flags of the simulate command.
type SimulateCommand struct {
	configPath  string
	generations int
	resume      bool
	format      string
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand() *cobra.Command {
	sc := &SimulateCommand{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a Wright-Fisher simulation and save snapshots",
		Long: `Run a toy Wright-Fisher population on one chromosome.

Configuration is read from mutrun.yaml (or --config) and MUTRUN_*
environment variables. Snapshots are saved every store.save_every
generations and once at the end.`,
		RunE: sc.run,
	}

	cmd.Flags().StringVarP(&sc.configPath, "config", "c", "", "config file (default mutrun.yaml)")
	cmd.Flags().IntVarP(&sc.generations, "generations", "g", 0, "generations to run (overrides simulation.generations)")
	cmd.Flags().BoolVar(&sc.resume, "resume", false, "continue from the snapshot CURRENT points at")
	cmd.Flags().StringVarP(&sc.format, "format", "f", formatTable, "summary format: table or yaml")

	return cmd
}

func (sc *SimulateCommand) run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(sc.configPath)
	if err != nil {
		return err
	}
	if sc.generations > 0 {
		cfg.Simulation.Generations = sc.generations
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	opts, err := engineOptions(cfg, store, logger)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		collector, err := prommetrics.New(reg)
		if err != nil {
			return err
		}
		opts = append(opts, mutrun.WithMetricsCollector(collector))

		shutdown := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer shutdown()
	}

	eng, err := mutrun.New(opts...)
	if err != nil {
		return err
	}
	if err := sc.setup(ctx, eng, cfg); err != nil {
		return err
	}

	workers := cfg.Engine.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	s, err := sim.New(eng, sim.Config{
		Chromosome:        simChromosome,
		Type:              simType,
		Population:        cfg.Simulation.Population,
		MutationRate:      cfg.Simulation.MutationRate,
		RecombinationRate: cfg.Simulation.RecombinationRate,
		SelectedFraction:  cfg.Simulation.SelectedFraction,
		EffectScale:       cfg.Simulation.EffectScale,
		Workers:           workers,
		Seed:              cfg.Simulation.Seed,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	err = s.Run(ctx, cfg.Simulation.Generations, func(rep mutrun.GenerationReport) error {
		if n := cfg.Store.SaveEvery; n > 0 && rep.Generation%int64(n) == 0 {
			_, err := eng.Save(ctx, "")
			return err
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// Save on interrupt as well so --resume can continue.
	last, err := eng.Save(context.WithoutCancel(ctx), "")
	if err != nil {
		return err
	}

	return render(cmd.OutOrStdout(), sc.format, summarize(eng, last, time.Since(start)))
}

// setup resumes from CURRENT or creates the chromosome and mutation type.
func (sc *SimulateCommand) setup(ctx context.Context, eng *mutrun.Engine, cfg *config.Config) error {
	if sc.resume {
		if err := eng.Load(ctx, ""); err != nil {
			if errors.Is(err, mutrun.ErrNotFound) {
				return fmt.Errorf("resume: no snapshot in store: %w", err)
			}
			return err
		}
		return nil
	}

	if err := eng.AddMutationType(mutrun.MutationType{ID: simType, ConvertToSubstitution: true}); err != nil {
		return err
	}
	_, err := eng.AddChromosome(mutrun.ChromosomeConfig{
		ID:        simChromosome,
		Length:    cfg.Simulation.ChromosomeLength,
		SlotCount: cfg.Simulation.SlotCount,
	})
	return err
}

// serveMetrics exposes reg on addr/metrics and returns a shutdown function.
func serveMetrics(addr string, reg *prometheus.Registry, logger *mutrun.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
