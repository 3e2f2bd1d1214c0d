// Package metadata records where files live: one placement per filename and any number of replicas.
package metadata

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sauravfouzdar/minidfs/pkg/common"
)

// Store is the placement/replica bookkeeping used by the master and the replication tasks.
// Implementations are safe for concurrent use.
type Store interface {
	// PutPlacement inserts p only if no placement exists for p.Filename, else ErrPlacementExists
	PutPlacement(ctx context.Context, p common.Placement) error
	// GetPlacement returns ErrNotFound when the file is unknown
	GetPlacement(ctx context.Context, filename string) (common.Placement, error)
	// PutReplica appends a replica row, a repeated (filename, node) pair is a no-op
	PutReplica(ctx context.Context, filename string, node common.NodeAddress) error
	// GetReplicas returns replica nodes in insertion order
	GetReplicas(ctx context.Context, filename string) ([]common.NodeAddress, error)
	// Purge drops every record
	Purge(ctx context.Context) error
	Close() error
}

// Open returns the store selected by cfg.Driver
func Open(cfg common.MetadataConfig, logger zerolog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "badger":
		return OpenBadger(cfg.Path, logger)
	case "redis":
		return OpenRedis(cfg.RedisAddr)
	}
	return nil, fmt.Errorf("%w: unknown metadata driver %q", common.ErrInvalidConfig, cfg.Driver)
}
