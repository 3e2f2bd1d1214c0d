package replication

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sauravfouzdar/minidfs/internal/protocol"
	"github.com/sauravfouzdar/minidfs/pkg/common"
	"github.com/sauravfouzdar/minidfs/pkg/metadata"
	"github.com/sauravfouzdar/minidfs/pkg/queue"
)

// Replicator is the body of a replicate job: pull the file from source, push it into target,
// record the replica. There is no retry.
type Replicator struct {
	codec  protocol.Codec
	store  metadata.Store
	logger zerolog.Logger
}

// NewReplicator creates a new replicator
func NewReplicator(codec protocol.Codec, store metadata.Store, logger zerolog.Logger) *Replicator {
	return &Replicator{
		codec:  codec,
		store:  store,
		logger: logger.With().Str("component", "replicator").Logger(),
	}
}

// Register binds TaskReplicate in registry
func (r *Replicator) Register(registry *queue.Registry) {
	registry.Register(TaskReplicate, r.run)
}

func (r *Replicator) run(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("%w: %s takes filename, source, target; got %d args",
			common.ErrInvalidArgument, TaskReplicate, len(args))
	}
	return r.Replicate(ctx, args[0], common.NodeAddress(args[1]), common.NodeAddress(args[2]))
}

// Replicate copies filename from source to target and appends a replica row for target
func (r *Replicator) Replicate(ctx context.Context, filename string, source, target common.NodeAddress) error {
	logger := r.logger.With().
		Str("file", filename).
		Str("source", source.String()).
		Str("target", target.String()).
		Logger()

	if source == target {
		return fmt.Errorf("%w: source and target are both %s", common.ErrInvalidArgument, source)
	}

	src, err := r.codec.Dial(ctx, source)
	if err != nil {
		logger.Error().Err(err).Msg("source unreachable")
		return err
	}
	defer src.Close()

	if err := src.WriteMessage(protocol.NewGet(filename)); err != nil {
		return err
	}
	m, err := src.ReadMessage()
	if err != nil {
		logger.Error().Err(err).Msg("no reply from source")
		return err
	}
	if m.Kind != protocol.KindPut {
		resp, err := m.Response()
		if err != nil {
			return err
		}
		logger.Error().Str("reason", resp.Message).Msg("source refused")
		return fmt.Errorf("%w: source %s: %s", common.ErrNotFound, source, resp.Message)
	}
	desc, err := m.Descriptor()
	if err != nil {
		return err
	}

	dst, err := r.codec.Dial(ctx, target)
	if err != nil {
		logger.Error().Err(err).Msg("target unreachable")
		return err
	}
	defer dst.Close()

	resp, err := r.codec.Relay(src, dst, desc, source)
	if err != nil {
		logger.Error().Err(err).Msg("relay failed")
		return err
	}
	if !resp.OK {
		logger.Error().Str("reason", resp.Message).Msg("target refused")
		return resp.Err()
	}

	if err := r.store.PutReplica(ctx, filename, target); err != nil {
		logger.Error().Err(err).Msg("failed to record replica")
		return err
	}
	logger.Info().Int64("size", desc.Size).Msg("replica stored")
	return nil
}
