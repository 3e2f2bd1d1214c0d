package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sauravfouzdar/minidfs/internal/protocol"
	"github.com/sauravfouzdar/minidfs/pkg/common"
	"github.com/sauravfouzdar/minidfs/pkg/metadata"
	"github.com/sauravfouzdar/minidfs/pkg/queue"
	"github.com/sauravfouzdar/minidfs/pkg/replication"
	"github.com/sauravfouzdar/minidfs/pkg/storagenode"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", common.DefaultConfigFile, "Cluster configuration file")
	host := flag.String("host", "127.0.0.1", "Storage node host")
	port := flag.Int("port", 0, "Storage node port")
	all := flag.Bool("all", false, "Run every node of machine_list in this process")
	storageRoot := flag.String("root", "", "Storage directory, defaults to storage_<host>_<port>")
	httpAddr := flag.String("http", "", "Optional address for the /health endpoint")
	flag.Parse()

	config, err := common.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("Failed to load configuration")
	}

	var addrs []common.NodeAddress
	if *all {
		addrs = config.StorageNodes
	} else {
		addr, err := common.ParseNodeAddress(net.JoinHostPort(*host, strconv.Itoa(*port)))
		if err != nil {
			log.Fatal().Err(err).Msg("A -port (or -all) is required")
		}
		addrs = []common.NodeAddress{addr}
	}

	logName := "storage_nodes.log"
	if len(addrs) == 1 {
		logName = common.LogFileName(addrs[0])
	}
	logger, logFile, err := common.NewLogger(config.LogDir, logName, config.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer logFile.Close()

	scheduler, closeScheduler := newScheduler(config, logger)
	defer closeScheduler()

	codec := protocol.NewCodec(int(config.ChunkSize.Bytes()), config.IOTimeout)
	var nodes []*storagenode.StorageNode
	for _, addr := range addrs {
		nodeConfig := common.StorageNodeConfig{Address: addr}
		if !*all {
			nodeConfig.StorageRoot = *storageRoot
			nodeConfig.HTTPAddress = *httpAddr
		}

		// Create and start storage node
		sn, err := storagenode.NewStorageNode(nodeConfig, codec, scheduler, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("node", addr.String()).Msg("Failed to create storage node")
		}
		if err := sn.Start(); err != nil {
			logger.Fatal().Err(err).Str("node", addr.String()).Msg("Failed to start storage node")
		}
		nodes = append(nodes, sn)
	}

	// signal for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, sn := range nodes {
		if err := sn.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("Shutdown did not complete")
		}
	}
	fmt.Println("Storage node stopped")
}

// newScheduler wires replication. With the local queue the replicate tasks run in this process
// and need the metadata store; with the redis queue they run in cmd/worker.
func newScheduler(config common.Config, logger zerolog.Logger) (storagenode.Scheduler, func()) {
	if config.ReplicationFactor == 0 {
		return nil, func() {}
	}

	var (
		dispatcher queue.Dispatcher
		closers    []io.Closer
	)
	switch config.Queue.Driver {
	case "redis":
		d, err := queue.OpenRedisDispatcher(config.Queue.RedisAddr, config.Queue.Key, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Replication disabled: queue unavailable")
			return nil, func() {}
		}
		dispatcher = d
		closers = append(closers, d)
	default:
		store, err := metadata.Open(config.Metadata, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Replication disabled: metadata store unavailable")
			return nil, func() {}
		}
		registry := queue.NewRegistry()
		codec := protocol.NewCodec(int(config.ChunkSize.Bytes()), config.IOTimeout)
		replication.NewReplicator(codec, store, logger).Register(registry)
		d := queue.NewLocalDispatcher(registry, config.Queue.Workers, logger)
		dispatcher = d
		// tasks are stopped before the store they write to is closed
		closers = append(closers, d, store)
	}

	orchestrator := replication.NewOrchestrator(config.StorageNodes, config.ReplicationFactor, dispatcher, logger)
	return orchestrator, func() {
		for _, c := range closers {
			c.Close()
		}
	}
}
