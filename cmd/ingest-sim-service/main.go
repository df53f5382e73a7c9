// Command ingest-sim-service runs internal/remotesim.Server as a
// standalone TLS/TCP reference counterpart to cmd/ingest-producer: it
// accepts provider registrations and ingestion streams and acknowledges
// every request it receives. It is a test/demo double for the remote
// Ingestion Service (spec §1 "out of scope"), not a production
// implementation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/osprey-dcs/dp-jal-sub001/internal/config"
	"github.com/osprey-dcs/dp-jal-sub001/internal/logging"
	"github.com/osprey-dcs/dp-jal-sub001/internal/pki"
	"github.com/osprey-dcs/dp-jal-sub001/internal/remotesim"
)

func main() {
	configPath := flag.String("config", "/etc/ingest-sim-service/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	tlsCfg, err := pki.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey)
	if err != nil {
		logger.Error("building server tls config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := remotesim.NewServer(logger, nil)
	logger.Info("starting ingest-sim-service", "address", cfg.Listen.Address)
	if err := server.Run(ctx, cfg.Listen.Address, tlsCfg); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("ingest-sim-service stopped", "requestsReceived", server.ReceivedCount())
}
