package master

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sauravfouzdar/minidfs/internal/protocol"
	"github.com/sauravfouzdar/minidfs/pkg/client"
	"github.com/sauravfouzdar/minidfs/pkg/common"
	"github.com/sauravfouzdar/minidfs/pkg/health"
	"github.com/sauravfouzdar/minidfs/pkg/metadata"
	"github.com/sauravfouzdar/minidfs/pkg/queue"
	"github.com/sauravfouzdar/minidfs/pkg/replication"
	"github.com/sauravfouzdar/minidfs/pkg/storagenode"
)

type clusterOptions struct {
	live              int // storage nodes actually serving
	dead              int // configured nodes nothing listens on
	replicationFactor int
	maxAttempts       int
	heartbeat         time.Duration
}

type testCluster struct {
	t       *testing.T
	config  common.Config
	master  *Master
	client  *client.Client
	store   metadata.Store
	live    []common.NodeAddress
	dead    []common.NodeAddress
	servers map[common.NodeAddress]*storagenode.StorageNode
	probes  atomic.Int32
	tasks   *queue.LocalDispatcher
}

func newCluster(t *testing.T, opts clusterOptions) *testCluster {
	t.Helper()
	logger := zerolog.Nop()
	codec := protocol.NewCodec(64, 2*time.Second)
	c := &testCluster{t: t, servers: make(map[common.NodeAddress]*storagenode.StorageNode)}

	var listeners []net.Listener
	for range opts.live {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners = append(listeners, l)
		c.live = append(c.live, common.NodeAddress(l.Addr().String()))
	}
	for range opts.dead {
		c.dead = append(c.dead, closedAddr(t))
	}

	cfg := common.DefaultConfig
	cfg.StorageNodes = append(append([]common.NodeAddress(nil), c.live...), c.dead...)
	cfg.ReplicationFactor = opts.replicationFactor
	cfg.ChunkSize = 64 * datasize.B
	cfg.IOTimeout = 2 * time.Second
	cfg.ProbeTimeout = 500 * time.Millisecond
	cfg.Master.StagingDir = filepath.Join(t.TempDir(), "interm")
	cfg.Master.MaxAttempts = opts.maxAttempts
	if cfg.Master.MaxAttempts == 0 {
		cfg.Master.MaxAttempts = 3
	}
	cfg.Master.HeartbeatInterval = opts.heartbeat
	c.config = cfg

	store, err := metadata.OpenBadger("", logger)
	require.NoError(t, err)
	c.store = store
	t.Cleanup(func() { store.Close() })

	registry := queue.NewRegistry()
	replication.NewReplicator(codec, store, logger).Register(registry)
	c.tasks = queue.NewLocalDispatcher(registry, 4, logger)
	orchestrator := replication.NewOrchestrator(cfg.StorageNodes, cfg.ReplicationFactor, c.tasks, logger)

	root := t.TempDir()
	for i, l := range listeners {
		addr := c.live[i]
		sn, err := storagenode.NewStorageNode(common.StorageNodeConfig{
			Address:     addr,
			StorageRoot: filepath.Join(root, common.StorageDirName(addr)),
		}, codec, orchestrator, logger)
		require.NoError(t, err)
		require.NoError(t, sn.Serve(l))
		c.servers[addr] = sn
	}
	t.Cleanup(func() {
		for _, sn := range c.servers {
			c.shutdown(sn)
		}
	})
	t.Cleanup(func() { c.tasks.Close() })

	tcp := health.NewTCPProber(cfg.ProbeTimeout, logger)
	prober := health.ProberFunc(func(ctx context.Context, node common.NodeAddress) bool {
		c.probes.Add(1)
		return tcp.Probe(ctx, node)
	})
	c.master = NewMaster(cfg, store, prober, logger)
	ml, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	c.master.Serve(ml)
	t.Cleanup(func() { c.shutdown(c.master) })

	c.client = client.NewClient(common.NodeAddress(ml.Addr().String()), codec, logger)
	return c
}

func (c *testCluster) shutdown(s interface{ Shutdown(context.Context) error }) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Shutdown(ctx)
}

// stop takes a storage node offline
func (c *testCluster) stop(addr common.NodeAddress) {
	c.t.Helper()
	sn, ok := c.servers[addr]
	require.True(c.t, ok, "unknown node %s", addr)
	c.shutdown(sn)
	delete(c.servers, addr)
}

// nodeFile returns the path a node stores name under
func (c *testCluster) nodeFile(addr common.NodeAddress, name string) string {
	return filepath.Join(c.servers[addr].Storage().Root(), name)
}

func closedAddr(t *testing.T) common.NodeAddress {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return common.NodeAddress(addr)
}

// testFile writes size deterministic bytes to dir/name
func testFile(t *testing.T, name string, size int, seed byte) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7) + seed
	}
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p, data
}
