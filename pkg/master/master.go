// Package master coordinates clients and storage nodes: it places uploads on a healthy node,
// records where they went, and serves downloads from the primary or any replica.
package master

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sauravfouzdar/minidfs/internal/protocol"
	"github.com/sauravfouzdar/minidfs/pkg/common"
	"github.com/sauravfouzdar/minidfs/pkg/health"
	"github.com/sauravfouzdar/minidfs/pkg/metadata"
)

// Master manages the entire cluster
type Master struct {
	config    common.Config
	store     metadata.Store
	namespace *Namespace
	prober    health.Prober
	codec     protocol.Codec
	logger    zerolog.Logger

	// storage node registry, refreshed by every probe
	nodes      map[common.NodeAddress]*common.NodeInfo
	nodesMutex sync.RWMutex

	server   *protocol.Server
	shutdown chan struct{}
	monitor  sync.WaitGroup
}

// NewMaster creates a new master
func NewMaster(config common.Config, store metadata.Store, prober health.Prober, logger zerolog.Logger) *Master {
	m := &Master{
		config:    config,
		store:     store,
		namespace: NewNamespace(store),
		prober:    prober,
		codec:     protocol.NewCodec(int(config.ChunkSize.Bytes()), config.IOTimeout),
		logger:    logger.With().Str("component", "master").Logger(),
		nodes:     make(map[common.NodeAddress]*common.NodeInfo, len(config.StorageNodes)),
		shutdown:  make(chan struct{}),
	}
	for _, n := range config.StorageNodes {
		m.nodes[n] = &common.NodeInfo{Address: n}
	}
	m.server = protocol.NewServer(m, config.IOTimeout, m.logger)
	return m
}

// Start listens on the configured address and serves in the background
func (m *Master) Start() error {
	l, err := m.server.Listen(m.config.Master.Address().String())
	if err != nil {
		return err
	}
	m.Serve(l)
	return nil
}

// Serve serves on an existing listener in the background and starts the node monitor
func (m *Master) Serve(l net.Listener) {
	go func() {
		if err := m.server.Serve(l); err != nil {
			m.logger.Error().Err(err).Msg("accept loop stopped")
		}
	}()

	if m.config.Master.HeartbeatInterval > 0 {
		m.monitor.Add(1)
		go m.monitorStorageNodes()
	}

	m.logger.Info().
		Str("addr", l.Addr().String()).
		Int("nodes", len(m.config.StorageNodes)).
		Int("max_attempts", m.config.Master.MaxAttempts).
		Msg("master started")
}

// Addr returns the bound address, nil before Start
func (m *Master) Addr() net.Addr {
	return m.server.Addr()
}

// Shutdown stops the monitor, stops accepting and waits for in-flight requests
func (m *Master) Shutdown(ctx context.Context) error {
	select {
	case <-m.shutdown:
		return nil
	default:
	}
	close(m.shutdown)
	err := m.server.Shutdown(ctx)
	m.monitor.Wait()
	return err
}

// Nodes returns a snapshot of the storage node registry, sorted by address
func (m *Master) Nodes() []common.NodeInfo {
	m.nodesMutex.RLock()
	defer m.nodesMutex.RUnlock()

	out := make([]common.NodeInfo, 0, len(m.nodes))
	for _, info := range m.nodes {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// probe asks the prober about node and records the outcome
func (m *Master) probe(ctx context.Context, node common.NodeAddress) bool {
	ok := m.prober.Probe(ctx, node)
	m.recordProbe(node, ok)
	return ok
}

func (m *Master) recordProbe(node common.NodeAddress, ok bool) {
	m.nodesMutex.Lock()
	defer m.nodesMutex.Unlock()

	info, exists := m.nodes[node]
	if !exists {
		// replica rows may name nodes that are no longer configured
		info = &common.NodeInfo{Address: node}
		m.nodes[node] = info
	}
	if !info.LastProbe.IsZero() && info.Available != ok {
		if ok {
			m.logger.Info().Str("node", node.String()).Int("failures", info.Failures).Msg("storage node is back")
		} else {
			m.logger.Warn().Str("node", node.String()).Msg("storage node is unavailable")
		}
	}
	info.Available = ok
	info.LastProbe = time.Now()
	if ok {
		info.Failures = 0
	} else {
		info.Failures++
	}
}

// probeStorageNodes probes every configured node concurrently
func (m *Master) probeStorageNodes(ctx context.Context) {
	var wg sync.WaitGroup
	for _, n := range m.config.StorageNodes {
		wg.Add(1)
		go func(n common.NodeAddress) {
			defer wg.Done()
			m.probe(ctx, n)
		}(n)
	}
	wg.Wait()

	available := 0
	for _, info := range m.Nodes() {
		if info.Available {
			available++
		}
	}
	m.logger.Debug().Int("available", available).Int("nodes", len(m.config.StorageNodes)).Msg("storage nodes probed")
}

// monitorStorageNodes periodically checks the health of storage nodes
func (m *Master) monitorStorageNodes() {
	defer m.monitor.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	m.probeStorageNodes(ctx)
	ticker := time.NewTicker(m.config.Master.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.probeStorageNodes(ctx)
		case <-m.shutdown:
			return
		}
	}
}
