package common

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/ini.v1"
)

// DefaultConfigFile is read when no -config flag is given
const DefaultConfigFile = "dfs.cfg"

// Config is the cluster configuration shared by every process
type Config struct {
	ReplicationFactor int // replicas created besides the primary copy
	ChunkSize         datasize.ByteSize
	LogDir            string
	LogLevel          string

	Master       MasterConfig
	StorageNodes []NodeAddress
	ProbeTimeout time.Duration // bound on a single health probe
	IOTimeout    time.Duration // bound on a single read or write of a transfer

	Metadata MetadataConfig
	Queue    QueueConfig
}

// MasterConfig configures the coordinating node
type MasterConfig struct {
	Host              string
	Port              int
	StagingDir        string
	MaxAttempts       int           // node selection attempts per PUT
	HeartbeatInterval time.Duration // node monitor period, 0 disables it
	Probe             string        // tcp or http
}

// Address returns the address the master listens on
func (mc MasterConfig) Address() NodeAddress {
	return NodeAddress(net.JoinHostPort(mc.Host, strconv.Itoa(mc.Port)))
}

// MetadataConfig selects the placement/replica store
type MetadataConfig struct {
	Driver    string // badger or redis
	Path      string // badger directory, empty means in-memory
	RedisAddr string
}

// QueueConfig selects the replication job dispatcher
type QueueConfig struct {
	Driver    string // local or redis
	RedisAddr string
	Key       string
	Workers   int
}

// StorageNodeConfig is the per-process configuration of one storage node
type StorageNodeConfig struct {
	Address     NodeAddress
	StorageRoot string
	HTTPAddress string // optional health endpoint
}

// Default configurations
var (
	DefaultConfig = Config{
		ReplicationFactor: 1,
		ChunkSize:         1 * datasize.KB,
		LogDir:            "logs",
		LogLevel:          "debug",
		Master: MasterConfig{
			Host:              "0.0.0.0",
			Port:              9999,
			StagingDir:        "interm",
			MaxAttempts:       3,
			HeartbeatInterval: 5 * time.Second,
			Probe:             "tcp",
		},
		ProbeTimeout: 2 * time.Second,
		IOTimeout:    30 * time.Second,
		Metadata: MetadataConfig{
			Driver:    "redis",
			Path:      "dfs.db",
			RedisAddr: "127.0.0.1:6379",
		},
		Queue: QueueConfig{
			Driver:    "local",
			RedisAddr: "127.0.0.1:6379",
			Key:       "dfs:tasks",
			Workers:   4,
		},
	}

	DefaultClientDir = "received_files"
)

// LoadConfig reads an INI file on top of DefaultConfig
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig
	cfg.StorageNodes = nil

	file, err := ini.LoadSources(ini.LoadOptions{AllowPythonMultilineValues: true}, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("%w: config file %s not found", ErrInvalidConfig, path)
		}
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	def := file.Section("default")
	cfg.ReplicationFactor = def.Key("replication_factor").MustInt(cfg.ReplicationFactor)
	cfg.LogDir = def.Key("log_dir").MustString(cfg.LogDir)
	cfg.LogLevel = def.Key("log_level").MustString(cfg.LogLevel)
	if v := def.Key("chunk_size").String(); v != "" {
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(v)); err != nil {
			return cfg, fmt.Errorf("%w: chunk_size %q: %v", ErrInvalidConfig, v, err)
		}
		cfg.ChunkSize = size
	}
	// [default] database is the original location of the metadata path
	cfg.Metadata.Path = def.Key("database").MustString(cfg.Metadata.Path)

	m := file.Section("master")
	cfg.Master.Host = m.Key("server_ip").MustString(cfg.Master.Host)
	cfg.Master.Port = m.Key("server_port").MustInt(cfg.Master.Port)
	cfg.Master.StagingDir = m.Key("staging_dir").MustString(cfg.Master.StagingDir)
	cfg.Master.MaxAttempts = m.Key("max_attempts").MustInt(cfg.Master.MaxAttempts)
	cfg.Master.HeartbeatInterval = m.Key("heartbeat_interval").MustDuration(cfg.Master.HeartbeatInterval)
	cfg.Master.Probe = m.Key("probe").MustString(cfg.Master.Probe)

	sn := file.Section("storage_nodes")
	nodes, err := ParseNodeList(sn.Key("machine_list").String())
	if err != nil {
		return cfg, err
	}
	cfg.StorageNodes = nodes
	cfg.ProbeTimeout = sn.Key("probe_timeout").MustDuration(cfg.ProbeTimeout)
	cfg.IOTimeout = sn.Key("io_timeout").MustDuration(cfg.IOTimeout)

	md := file.Section("metadata")
	cfg.Metadata.Driver = md.Key("driver").MustString(cfg.Metadata.Driver)
	cfg.Metadata.Path = md.Key("path").MustString(cfg.Metadata.Path)
	cfg.Metadata.RedisAddr = md.Key("redis_addr").MustString(cfg.Metadata.RedisAddr)

	q := file.Section("queue")
	cfg.Queue.Driver = q.Key("driver").MustString(cfg.Queue.Driver)
	cfg.Queue.RedisAddr = q.Key("redis_addr").MustString(cfg.Queue.RedisAddr)
	cfg.Queue.Key = q.Key("key").MustString(cfg.Queue.Key)
	cfg.Queue.Workers = q.Key("workers").MustInt(cfg.Queue.Workers)

	return cfg, cfg.Validate()
}

// ParseNodeList splits a comma and/or newline separated machine list
func ParseNodeList(s string) ([]NodeAddress, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
	nodes := make([]NodeAddress, 0, len(fields))
	seen := make(map[NodeAddress]bool, len(fields))
	for _, f := range fields {
		if strings.TrimSpace(f) == "" {
			continue
		}
		addr, err := ParseNodeAddress(f)
		if err != nil {
			return nil, err
		}
		if seen[addr] {
			return nil, fmt.Errorf("%w: duplicate storage node %s", ErrInvalidConfig, addr)
		}
		seen[addr] = true
		nodes = append(nodes, addr)
	}
	return nodes, nil
}

// Validate checks the values the core relies on
func (c Config) Validate() error {
	switch {
	case len(c.StorageNodes) == 0:
		return fmt.Errorf("%w: no storage nodes configured", ErrInvalidConfig)
	case c.ReplicationFactor < 0:
		return fmt.Errorf("%w: replication_factor must be >= 0", ErrInvalidConfig)
	case c.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk_size must be positive", ErrInvalidConfig)
	case c.Master.MaxAttempts <= 0:
		return fmt.Errorf("%w: max_attempts must be positive", ErrInvalidConfig)
	case c.ProbeTimeout <= 0 || c.IOTimeout <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	case c.Master.HeartbeatInterval < 0:
		return fmt.Errorf("%w: heartbeat_interval must be >= 0", ErrInvalidConfig)
	}
	switch c.Master.Probe {
	case "tcp", "http":
	default:
		return fmt.Errorf("%w: unknown probe %q", ErrInvalidConfig, c.Master.Probe)
	}
	switch c.Metadata.Driver {
	case "redis":
	case "badger":
		// replica rows are written by storage nodes or workers, badger is locked to the master
		if c.ReplicationFactor > 0 {
			return fmt.Errorf("%w: metadata driver badger cannot be shared with storage nodes, use redis or replication_factor = 0", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown metadata driver %q", ErrInvalidConfig, c.Metadata.Driver)
	}
	switch c.Queue.Driver {
	case "local", "redis":
	default:
		return fmt.Errorf("%w: unknown queue driver %q", ErrInvalidConfig, c.Queue.Driver)
	}
	return nil
}
