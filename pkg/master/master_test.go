package master

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sauravfouzdar/minidfs/internal/protocol"
	"github.com/sauravfouzdar/minidfs/pkg/common"
)

func TestPutGetRoundTrip(t *testing.T) {
	c := newCluster(t, clusterOptions{live: 3})
	ctx := context.Background()
	path, data := testFile(t, "report.txt", 1000, 0)

	stored, err := c.client.Put(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "report.txt", stored)

	p, err := c.store.GetPlacement(ctx, stored)
	require.NoError(t, err)
	assert.Contains(t, c.live, p.Node)
	assert.EqualValues(t, 1000, p.Size)
	assert.FileExists(t, c.nodeFile(p.Node, stored))

	got, err := c.client.Get(ctx, stored, t.TempDir())
	require.NoError(t, err)
	gotData, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, data, gotData)

	// staging is cleaned after every request
	entries, err := os.ReadDir(c.config.Master.StagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPutCollisionRenames(t *testing.T) {
	c := newCluster(t, clusterOptions{live: 3})
	ctx := context.Background()
	first, firstData := testFile(t, "report.txt", 300, 1)
	second, secondData := testFile(t, "report.txt", 400, 2)

	name1, err := c.client.Put(ctx, first)
	require.NoError(t, err)
	name2, err := c.client.Put(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, "report.txt", name1)
	assert.Regexp(t, `^report_[A-Za-z0-9]{5}\.txt$`, name2)

	for name, want := range map[string][]byte{name1: firstData, name2: secondData} {
		got, err := c.client.Get(ctx, name, t.TempDir())
		require.NoError(t, err)
		gotData, err := os.ReadFile(got)
		require.NoError(t, err)
		assert.Equal(t, want, gotData, name)
	}
}

func TestConcurrentPutsSameName(t *testing.T) {
	c := newCluster(t, clusterOptions{live: 3})
	ctx := context.Background()

	const uploads = 6
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		names []string
	)
	for i := range uploads {
		path, _ := testFile(t, "same.bin", 200+i, byte(i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, err := c.client.Put(ctx, path)
			if err != nil {
				return // losing a name race is reported, never silent
			}
			mu.Lock()
			names = append(names, name)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.NotEmpty(t, names)
	slices.Sort(names)
	assert.Len(t, slices.Compact(slices.Clone(names)), len(names), "stored names are unique: %v", names)
	for _, name := range names {
		_, err := c.client.Get(ctx, name, t.TempDir())
		assert.NoError(t, err, name)
	}
}

func TestPutIntegrityRejected(t *testing.T) {
	c := newCluster(t, clusterOptions{live: 2})
	ctx := context.Background()

	conn, err := protocol.Dial(ctx, c.client.MasterAddress, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	data := []byte("bytes that do not match the declared hash")
	d := protocol.Descriptor{Name: "bad.txt", Size: int64(len(data)), Hash: "0123456789abcdef0123456789abcdef"}
	require.NoError(t, conn.WriteMessage(protocol.NewPut(d, "")))
	_, err = conn.Write(data)
	require.NoError(t, err)

	resp, err := conn.ReadResponse()
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Message, common.ErrIntegrity.Error())

	_, err = c.store.GetPlacement(ctx, "bad.txt")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Zero(t, c.probes.Load(), "no node is contacted for a corrupt upload")
}

func TestPutShortUpload(t *testing.T) {
	c := newCluster(t, clusterOptions{live: 1})
	ctx := context.Background()

	conn, err := protocol.Dial(ctx, c.client.MasterAddress, time.Second)
	require.NoError(t, err)
	d := protocol.Descriptor{Name: "cut.txt", Size: 1000, Hash: "0123456789abcdef0123456789abcdef"}
	require.NoError(t, conn.WriteMessage(protocol.NewPut(d, "")))
	_, err = conn.Write([]byte("only a few bytes"))
	require.NoError(t, err)
	require.NoError(t, conn.CloseWrite())

	resp, err := conn.ReadResponse()
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Message, common.ErrShortTransfer.Error())
	conn.Close()

	_, err = c.store.GetPlacement(ctx, "cut.txt")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestPutRetryBound(t *testing.T) {
	c := newCluster(t, clusterOptions{dead: 5, maxAttempts: 3})
	path, _ := testFile(t, "report.txt", 100, 0)

	_, err := c.client.Put(context.Background(), path)
	assert.ErrorIs(t, err, common.ErrNoHealthyNode)
	assert.EqualValues(t, 3, c.probes.Load())

	_, err = c.store.GetPlacement(context.Background(), "report.txt")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestPutFewerNodesThanAttempts(t *testing.T) {
	c := newCluster(t, clusterOptions{dead: 2, maxAttempts: 3})
	path, _ := testFile(t, "report.txt", 100, 0)

	_, err := c.client.Put(context.Background(), path)
	assert.ErrorIs(t, err, common.ErrNoHealthyNode)
	assert.EqualValues(t, 2, c.probes.Load(), "each node is tried at most once per upload")
}

func TestPutSkipsDeadNodes(t *testing.T) {
	c := newCluster(t, clusterOptions{live: 1, dead: 2, maxAttempts: 3})
	ctx := context.Background()

	for i := range 5 {
		path, _ := testFile(t, "f.txt", 50, byte(i))
		stored, err := c.client.Put(ctx, path)
		require.NoError(t, err)

		p, err := c.store.GetPlacement(ctx, stored)
		require.NoError(t, err)
		assert.Equal(t, c.live[0], p.Node)
	}
}

func TestGetMissing(t *testing.T) {
	c := newCluster(t, clusterOptions{live: 1})

	_, err := c.client.Get(context.Background(), "nope.txt", t.TempDir())
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestGetReplicaFallback(t *testing.T) {
	c := newCluster(t, clusterOptions{live: 2})
	ctx := context.Background()
	path, data := testFile(t, "report.txt", 700, 3)

	stored, err := c.client.Put(ctx, path)
	require.NoError(t, err)
	p, err := c.store.GetPlacement(ctx, stored)
	require.NoError(t, err)

	replica := c.live[0]
	if replica == p.Node {
		replica = c.live[1]
	}
	require.NoError(t, os.WriteFile(c.nodeFile(replica, stored), data, 0644))
	require.NoError(t, c.store.PutReplica(ctx, stored, replica))

	c.stop(p.Node)

	got, err := c.client.Get(ctx, stored, t.TempDir())
	require.NoError(t, err)
	gotData, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, data, gotData)
}

func TestGetSkipsCorruptHolder(t *testing.T) {
	c := newCluster(t, clusterOptions{live: 2})
	ctx := context.Background()
	path, data := testFile(t, "report.txt", 500, 4)

	stored, err := c.client.Put(ctx, path)
	require.NoError(t, err)
	p, err := c.store.GetPlacement(ctx, stored)
	require.NoError(t, err)

	replica := c.live[0]
	if replica == p.Node {
		replica = c.live[1]
	}
	require.NoError(t, os.WriteFile(c.nodeFile(replica, stored), data, 0644))
	require.NoError(t, c.store.PutReplica(ctx, stored, replica))

	// bit rot on the primary
	require.NoError(t, os.WriteFile(c.nodeFile(p.Node, stored), []byte("garbage"), 0644))

	got, err := c.client.Get(ctx, stored, t.TempDir())
	require.NoError(t, err)
	gotData, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, data, gotData)
}

func TestGetNoHealthyHolder(t *testing.T) {
	c := newCluster(t, clusterOptions{live: 2})
	ctx := context.Background()
	path, _ := testFile(t, "report.txt", 100, 0)

	stored, err := c.client.Put(ctx, path)
	require.NoError(t, err)
	p, err := c.store.GetPlacement(ctx, stored)
	require.NoError(t, err)
	c.stop(p.Node)

	_, err = c.client.Get(ctx, stored, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), msgNoHealthyHolder)
}

func TestThreeNodeReplicationScenario(t *testing.T) {
	c := newCluster(t, clusterOptions{live: 3, replicationFactor: 1})
	ctx := context.Background()
	path, data := testFile(t, "report.txt", 1000, 5)

	stored, err := c.client.Put(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "report.txt", stored)

	p, err := c.store.GetPlacement(ctx, stored)
	require.NoError(t, err)

	var replicas []common.NodeAddress
	require.Eventually(t, func() bool {
		replicas, err = c.store.GetReplicas(ctx, stored)
		return err == nil && len(replicas) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.NotEqual(t, p.Node, replicas[0])
	assert.Contains(t, c.live, replicas[0])
	assert.FileExists(t, c.nodeFile(replicas[0], stored))

	// the replica is not fanned out a second time
	c.tasks.Wait()
	replicas, err = c.store.GetReplicas(ctx, stored)
	require.NoError(t, err)
	assert.Len(t, replicas, 1)

	got, err := c.client.Get(ctx, stored, t.TempDir())
	require.NoError(t, err)
	gotData, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, data, gotData)

	c.stop(p.Node)

	got, err = c.client.Get(ctx, stored, t.TempDir())
	require.NoError(t, err)
	gotData, err = os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, data, gotData)
}

func TestStatusAndRegistry(t *testing.T) {
	c := newCluster(t, clusterOptions{live: 1, dead: 1, heartbeat: 20 * time.Millisecond})
	assert.True(t, c.client.Status(context.Background()))

	require.Eventually(t, func() bool {
		nodes := c.master.Nodes()
		if len(nodes) != 2 {
			return false
		}
		for _, n := range nodes {
			switch n.Address {
			case c.live[0]:
				if !n.Available {
					return false
				}
			case c.dead[0]:
				if n.Available || n.Failures < 2 {
					return false
				}
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDownloadOverwritesLocalCopy(t *testing.T) {
	c := newCluster(t, clusterOptions{live: 1})
	ctx := context.Background()
	path, data := testFile(t, "note.txt", 120, 6)

	stored, err := c.client.Put(ctx, path)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, stored), []byte("stale"), 0644))
	got, err := c.client.Get(ctx, stored, dir)
	require.NoError(t, err)
	gotData, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, data, gotData)
}
