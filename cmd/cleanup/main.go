package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/sauravfouzdar/minidfs/pkg/common"
	"github.com/sauravfouzdar/minidfs/pkg/metadata"
	"github.com/sauravfouzdar/minidfs/pkg/storagenode"
)

func main() {
	configPath := flag.String("config", common.DefaultConfigFile, "Cluster configuration file")
	all := flag.Bool("all", false, "Purge storage directories, metadata, staging, received files and logs")
	flushLogs := flag.Bool("flush-logs", false, "Truncate every log file")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	if !*all && !*flushLogs {
		flag.Usage()
		os.Exit(2)
	}

	config, err := common.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("config", *configPath).Msg("Failed to load configuration")
	}

	failed := false
	if *all {
		failed = purgeAll(config, logger) || failed
	}
	if *flushLogs && !*all {
		failed = truncateLogs(config.LogDir, logger) || failed
	}
	if failed {
		os.Exit(1)
	}
}

// purgeAll returns true if any step failed
func purgeAll(config common.Config, logger zerolog.Logger) bool {
	failed := false

	for _, addr := range config.StorageNodes {
		dir := common.StorageDirName(addr)
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		sm, err := storagenode.NewStorageManager(dir)
		if err == nil {
			err = sm.Purge()
		}
		if err != nil {
			logger.Error().Err(err).Str("dir", dir).Msg("Failed to purge storage directory")
			failed = true
			continue
		}
		logger.Info().Str("dir", dir).Msg("Purged storage directory")
	}

	store, err := metadata.Open(config.Metadata, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open metadata store")
		failed = true
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := store.Purge(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to purge metadata")
			failed = true
		} else {
			logger.Info().Str("driver", config.Metadata.Driver).Msg("Purged metadata")
		}
		cancel()
		store.Close()
	}

	for _, dir := range []string{config.Master.StagingDir, common.DefaultClientDir, config.LogDir} {
		if err := os.RemoveAll(dir); err != nil {
			logger.Error().Err(err).Str("dir", dir).Msg("Failed to remove directory")
			failed = true
			continue
		}
		logger.Info().Str("dir", dir).Msg("Removed directory")
	}
	return failed
}

// truncateLogs empties every file in dir, returns true if any failed
func truncateLogs(dir string, logger zerolog.Logger) bool {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	if err != nil {
		logger.Error().Err(err).Str("dir", dir).Msg("Failed to read log directory")
		return true
	}
	failed := false
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if err := os.Truncate(p, 0); err != nil {
			logger.Error().Err(err).Str("file", p).Msg("Failed to truncate log")
			failed = true
			continue
		}
		logger.Info().Str("file", p).Msg("Flushed log")
	}
	return failed
}
