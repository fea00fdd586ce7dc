package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/malbeclabs/netstackd/internal/stack"
	"github.com/malbeclabs/netstackd/internal/stackconfig"
	"github.com/malbeclabs/netstackd/internal/stacklog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	configFile           = flag.String("config", "/etc/netstackd/netstackd.json", "path to the stack bring-up config")
	enableVerboseLogging = flag.Bool("v", false, "enables verbose logging")
	versionFlag          = flag.Bool("version", false, "build version")
	metricsEnable        = flag.Bool("metrics-enable", false, "enable the prometheus metrics endpoint")
	metricsAddr          = flag.String("metrics-addr", "localhost:0", "address to listen on for prometheus metrics")

	// set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("build: %s\n", commit)
		fmt.Printf("version: %s\n", version)
		fmt.Printf("date: %s\n", date)
		os.Exit(0)
	}

	logger := stacklog.New(*enableVerboseLogging)
	slog.SetDefault(logger)

	cfg, err := stackconfig.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if addr := cfg.MetricsAddr; addr != "" && *metricsAddr == "localhost:0" {
		*metricsAddr = addr
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	if *metricsEnable {
		buildInfo := promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "netstackd_build_info",
				Help: "Build information of netstackd",
			},
			[]string{"version", "commit", "date"},
		)
		buildInfo.WithLabelValues(version, commit, date).Set(1)

		go func() {
			listener, err := net.Listen("tcp", *metricsAddr)
			if err != nil {
				logger.Error("failed to start prometheus metrics listener", "error", err)
				os.Exit(1)
			}
			http.Handle("/metrics", promhttp.Handler())

			logger.Info("prometheus metrics server started", "address", listener.Addr().String())
			if err := http.Serve(listener, nil); err != nil {
				log.Printf("prometheus metrics server stopped: %v", err)
			}
		}()
	}

	s, err := stack.New(logger, cfg)
	if err != nil {
		logger.Error("failed to bring up stack", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("netstackd starting", "devices", len(cfg.Devices), "routes", len(cfg.Routes))
	if err := s.Run(ctx); err != nil {
		logger.Error("stack error", "error", err)
		os.Exit(1)
	}
}
