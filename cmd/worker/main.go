package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sauravfouzdar/minidfs/internal/protocol"
	"github.com/sauravfouzdar/minidfs/pkg/common"
	"github.com/sauravfouzdar/minidfs/pkg/metadata"
	"github.com/sauravfouzdar/minidfs/pkg/queue"
	"github.com/sauravfouzdar/minidfs/pkg/replication"
)

func main() {
	configPath := flag.String("config", common.DefaultConfigFile, "Cluster configuration file")
	workers := flag.Int("workers", 0, "Concurrent tasks, overrides [queue] workers")
	flag.Parse()

	config, err := common.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("Failed to load configuration")
	}
	if *workers > 0 {
		config.Queue.Workers = *workers
	}

	logger, logFile, err := common.NewLogger(config.LogDir, "worker.log", config.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer logFile.Close()

	store, err := metadata.Open(config.Metadata, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open metadata store")
	}
	defer store.Close()

	registry := queue.NewRegistry()
	codec := protocol.NewCodec(int(config.ChunkSize.Bytes()), config.IOTimeout)
	replication.NewReplicator(codec, store, logger).Register(registry)

	client := redis.NewClient(&redis.Options{Addr: config.Queue.RedisAddr})
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := queue.NewWorker(client, config.Queue.Key, registry, config.Queue.Workers, logger)
	logger.Info().
		Str("redis", config.Queue.RedisAddr).
		Str("key", config.Queue.Key).
		Int("workers", config.Queue.Workers).
		Msg("Worker started")
	if err := w.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Worker stopped")
	}
	logger.Info().Msg("Worker stopped")
}
