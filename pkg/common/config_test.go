package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "dfs.cfg")
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
[storage_nodes]
machine_list = 127.0.0.1:5001
`))
	require.NoError(t, err)

	assert.Equal(t, []NodeAddress{"127.0.0.1:5001"}, cfg.StorageNodes)
	assert.Equal(t, 1, cfg.ReplicationFactor)
	assert.Equal(t, datasize.KB, cfg.ChunkSize)
	assert.Equal(t, 3, cfg.Master.MaxAttempts)
	assert.Equal(t, NodeAddress("0.0.0.0:9999"), cfg.Master.Address())
	assert.Equal(t, "interm", cfg.Master.StagingDir)
	assert.Equal(t, "redis", cfg.Metadata.Driver)
	assert.Equal(t, "dfs.db", cfg.Metadata.Path)
	assert.Equal(t, "local", cfg.Queue.Driver)
}

func TestLoadConfigOverlay(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
[default]
database = other.db
replication_factor = 2
chunk_size = 4KB
log_level = warn

[master]
server_ip = 10.0.0.1
server_port = 7000
max_attempts = 5
heartbeat_interval = 1s
probe = http

[storage_nodes]
machine_list = 10.0.0.2:5001, 10.0.0.3:5001,
    10.0.0.4:5001
probe_timeout = 250ms
io_timeout = 5s

[queue]
driver = redis
workers = 8
`))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.ReplicationFactor)
	assert.Equal(t, 4*datasize.KB, cfg.ChunkSize)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "other.db", cfg.Metadata.Path)
	assert.Equal(t, NodeAddress("10.0.0.1:7000"), cfg.Master.Address())
	assert.Equal(t, 5, cfg.Master.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Master.HeartbeatInterval)
	assert.Equal(t, "http", cfg.Master.Probe)
	assert.Equal(t, []NodeAddress{"10.0.0.2:5001", "10.0.0.3:5001", "10.0.0.4:5001"}, cfg.StorageNodes)
	assert.Equal(t, 250*time.Millisecond, cfg.ProbeTimeout)
	assert.Equal(t, 5*time.Second, cfg.IOTimeout)
	assert.Equal(t, "redis", cfg.Queue.Driver)
	assert.Equal(t, 8, cfg.Queue.Workers)
}

func TestLoadConfigErrors(t *testing.T) {
	cases := map[string]string{
		"no nodes":       "[master]\nserver_port = 1\n",
		"bad node":       "[storage_nodes]\nmachine_list = localhost\n",
		"bad port":       "[storage_nodes]\nmachine_list = localhost:99999\n",
		"duplicate node": "[storage_nodes]\nmachine_list = a:1,a:1\n",
		"bad chunk size": "[default]\nchunk_size = lots\n[storage_nodes]\nmachine_list = a:1\n",
		"zero attempts":  "[master]\nmax_attempts = 0\n[storage_nodes]\nmachine_list = a:1\n",
		"negative rf":    "[default]\nreplication_factor = -1\n[storage_nodes]\nmachine_list = a:1\n",
		"unknown probe":  "[master]\nprobe = icmp\n[storage_nodes]\nmachine_list = a:1\n",
		"unknown driver": "[metadata]\ndriver = sqlite\n[storage_nodes]\nmachine_list = a:1\n",
		"unknown queue":  "[queue]\ndriver = celery\n[storage_nodes]\nmachine_list = a:1\n",
		"shared badger":  "[metadata]\ndriver = badger\n[storage_nodes]\nmachine_list = a:1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.cfg"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadConfigBadgerWithoutReplication(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
[default]
replication_factor = 0

[metadata]
driver = badger
path = meta.db

[storage_nodes]
machine_list = 127.0.0.1:5001
`))
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Metadata.Driver)
	assert.Equal(t, "meta.db", cfg.Metadata.Path)
}
