// Package replication copies a freshly stored file to other storage nodes in the background.
package replication

import (
	"context"
	"errors"
	"math/rand/v2"

	"github.com/rs/zerolog"

	"github.com/sauravfouzdar/minidfs/pkg/common"
	"github.com/sauravfouzdar/minidfs/pkg/queue"
)

// TaskReplicate is the task name a replicate job is submitted under
const TaskReplicate = "dfs_tasks.replicate"

// Orchestrator fans a file out to `factor` random peers, one job per target
type Orchestrator struct {
	nodes      []common.NodeAddress
	factor     int
	dispatcher queue.Dispatcher
	logger     zerolog.Logger
}

// NewOrchestrator creates a new orchestrator over the cluster node set
func NewOrchestrator(nodes []common.NodeAddress, factor int, dispatcher queue.Dispatcher, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		nodes:      append([]common.NodeAddress(nil), nodes...),
		factor:     factor,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
	}
}

// SelectTargets picks up to factor distinct nodes other than source, uniformly at random
func (o *Orchestrator) SelectTargets(source common.NodeAddress) []common.NodeAddress {
	peers := make([]common.NodeAddress, 0, len(o.nodes))
	for _, n := range o.nodes {
		if n != source {
			peers = append(peers, n)
		}
	}
	rand.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	if o.factor < len(peers) {
		peers = peers[:max(o.factor, 0)]
	}
	return peers
}

// Schedule submits one replicate job per selected target. Submit failures are logged and
// returned joined; they never affect the other targets.
func (o *Orchestrator) Schedule(ctx context.Context, filename string, source common.NodeAddress) error {
	var errs []error
	for _, target := range o.SelectTargets(source) {
		args := []string{filename, source.String(), target.String()}
		id, err := o.dispatcher.Submit(ctx, TaskReplicate, args)
		if err != nil {
			o.logger.Error().Err(err).
				Str("file", filename).
				Str("source", source.String()).
				Str("target", target.String()).
				Msg("failed to submit replication")
			errs = append(errs, err)
			continue
		}
		o.logger.Info().Str("task_id", id).
			Str("file", filename).
			Str("source", source.String()).
			Str("target", target.String()).
			Msg("replication scheduled")
	}
	return errors.Join(errs...)
}
