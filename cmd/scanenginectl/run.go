package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/scanforge/engine/pkg/builtin"
	"github.com/scanforge/engine/pkg/config"
	"github.com/scanforge/engine/pkg/engine"
	"github.com/scanforge/engine/pkg/event"
	"github.com/scanforge/engine/pkg/log"
	"github.com/scanforge/engine/pkg/metrics"
	"github.com/scanforge/engine/pkg/plugin"
	"github.com/scanforge/engine/pkg/storage"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scan engine in-process against one target",
	Long: `Run starts an Engine with the built-in demo module set, creates a
single scan against the given target, seeds it, and blocks until the
scan reaches a terminal state.`,
	RunE: runScan,
}

func init() {
	runCmd.Flags().String("target-value", "", "Target value (e.g. a domain name)")
	runCmd.Flags().String("target-type", "domain", "Target type")
	runCmd.Flags().StringSlice("modules", []string{"dns_resolver", "port_probe"}, "Modules to run")
	runCmd.Flags().String("data-dir", "./scanengine-data", "BoltDB data directory")
	runCmd.Flags().String("config", "", "Path to a YAML ScanConfig file (overrides target/module flags)")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics HTTP listen address")
	runCmd.MarkFlagRequired("target-value")
}

func runScan(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := loadScanConfig(cmd, configPath)
	if err != nil {
		return err
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	registry := plugin.NewStaticRegistry()
	builtin.Register(registry)

	e := engine.New(engine.Config{Registry: registry, Store: store})

	go func() {
		http.Handle("/metrics", metrics.Handler())
		http.Handle("/health", metrics.HealthHandler())
		http.Handle("/ready", metrics.ReadyHandler())
		http.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			log.WithComponent("scanenginectl").Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	fmt.Printf("Metrics: http://%s/metrics, health: http://%s/health\n", metricsAddr, metricsAddr)

	s, plan, err := e.CreateScan(
		[]event.Type{"ROOT", builtin.TypeDomainName},
		[]event.Type{builtin.TypePortOpen},
		cfg,
	)
	if err != nil {
		return fmt.Errorf("create scan: %w", err)
	}
	fmt.Printf("Scan %s created: modules=%v\n", s.ID, plan.Modules)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() {
		done <- e.Start(ctx, s, plan, cfg, map[string]any{"launched_by": "scanenginectl"})
	}()

	for i := 0; i < 200; i++ {
		if st := s.State(); st == "RUNNING" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := e.Seed(ctx, s.ID, builtin.TypeDomainName, "scanenginectl", map[string]any{"value": cfg.TargetValue}); err != nil {
		return fmt.Errorf("seed scan: %w", err)
	}

	if err := <-done; err != nil {
		return fmt.Errorf("scan ended with error: %w", err)
	}

	rec := s.Record()
	fmt.Printf("Scan %s finished: status=%s events=%d errors=%d retries=%d\n",
		rec.ID, rec.Status, rec.Metrics.EventsProduced, rec.Metrics.Errors, rec.Metrics.Retries)
	return nil
}

func loadScanConfig(cmd *cobra.Command, configPath string) (*config.ScanConfig, error) {
	if configPath != "" {
		return config.LoadYAML(configPath)
	}
	targetValue, _ := cmd.Flags().GetString("target-value")
	targetType, _ := cmd.Flags().GetString("target-type")
	modules, _ := cmd.Flags().GetStringSlice("modules")
	return &config.ScanConfig{
		TargetValue: targetValue,
		TargetType:  targetType,
		Modules:     modules,
	}, nil
}
