// hktd runs the authoritative simulation server: it loads the
// configuration, registers the stock flows, starts the websocket
// transport and the metrics endpoint, and drives the fixed-rate tick
// loop until interrupted.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hktstudios/hktcore/config"
	"github.com/hktstudios/hktcore/flow"
	"github.com/hktstudios/hktcore/metrics"
	"github.com/hktstudios/hktcore/network"
	"github.com/hktstudios/hktcore/sim"
	"github.com/hktstudios/hktcore/vm"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "hktd",
		Short: "Deterministic RTS simulation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	// .env is optional; the file simply may not exist.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	registry := vm.NewRegistry(log)
	if err := flow.RegisterAll(registry); err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	met := metrics.New(promReg)

	directives := vm.NewDirectiveQueue()
	server := sim.NewServer(cfg, registry, directives, nil, met, log)

	service := network.NewService(server, cfg.Server.IntentRateLimit, cfg.Server.IntentBurst, log)
	if err := service.Start(cfg.Server.Listen); err != nil {
		return err
	}

	metricsSrv := &http.Server{
		Addr:    cfg.Server.MetricsListen,
		Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()

	// The transport needs the server reference before batches flow.
	// NewServer took a nil transport above; attach the service now that
	// both halves exist.
	server.SetTransport(service)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	tickInterval := time.Duration(float64(time.Second) / cfg.Server.TickRate)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	log.Info().
		Str("listen", cfg.Server.Listen).
		Float64("tick_rate", cfg.Server.TickRate).
		Msg("hktd running")

	dt := tickInterval.Seconds()
	for {
		select {
		case <-ticker.C:
			server.Tick(dt)
			// Drain directives; a presentation layer would consume
			// these, headless they are dropped unread.
			directives.Consume()
		case <-stop:
			log.Info().Msg("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Shutdown(ctx)
			return service.Shutdown(ctx)
		}
	}
}
