package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sauravfouzdar/minidfs/pkg/common"
	"github.com/sauravfouzdar/minidfs/pkg/health"
	"github.com/sauravfouzdar/minidfs/pkg/master"
	"github.com/sauravfouzdar/minidfs/pkg/metadata"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", common.DefaultConfigFile, "Cluster configuration file")
	host := flag.String("host", "", "Listen address, overrides server_ip")
	port := flag.Int("port", 0, "Listen port, overrides server_port")
	flag.Parse()

	config, err := common.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("Failed to load configuration")
	}
	if *host != "" {
		config.Master.Host = *host
	}
	if *port != 0 {
		config.Master.Port = *port
	}

	logger, logFile, err := common.NewLogger(config.LogDir, "master.log", config.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer logFile.Close()

	store, err := metadata.Open(config.Metadata, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", config.Metadata.Driver).Msg("Failed to open metadata store")
	}
	defer store.Close()

	prober, err := health.New(config.Master.Probe, config.ProbeTimeout, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create prober")
	}

	// Create and start master
	m := master.NewMaster(config, store, prober, logger)
	if err := m.Start(); err != nil {
		logger.Fatal().Err(err).Str("addr", config.Master.Address().String()).Msg("Failed to start master")
	}

	// signal for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	// Shutdown master
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Shutdown did not complete")
	}
	fmt.Println("Master stopped")
}
