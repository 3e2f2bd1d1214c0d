package common

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// NodeAddress identifies a master, a storage node or a client endpoint as host:port
type NodeAddress string

// Host returns the host part of the address
func (a NodeAddress) Host() string {
	host, _, err := net.SplitHostPort(string(a))
	if err != nil {
		return string(a)
	}
	return host
}

// Port returns the port part of the address, 0 if it has none
func (a NodeAddress) Port() int {
	_, port, err := net.SplitHostPort(string(a))
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

// String implements fmt.Stringer
func (a NodeAddress) String() string {
	return string(a)
}

// ParseNodeAddress validates a host:port pair
func ParseNodeAddress(s string) (NodeAddress, error) {
	s = strings.TrimSpace(s)
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", fmt.Errorf("%w: node address %q: %v", ErrInvalidConfig, s, err)
	}
	if host == "" {
		return "", fmt.Errorf("%w: node address %q has no host", ErrInvalidConfig, s)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return "", fmt.Errorf("%w: node address %q has invalid port", ErrInvalidConfig, s)
	}
	return NodeAddress(s), nil
}

// StorageDirName is the node-local storage directory for a node, storage_<host>_<port>
func StorageDirName(addr NodeAddress) string {
	return fmt.Sprintf("storage_%s_%d", addr.Host(), addr.Port())
}

// LogFileName is the log file a storage node writes to, node_<host>_<port>.log
func LogFileName(addr NodeAddress) string {
	return fmt.Sprintf("node_%s_%d.log", addr.Host(), addr.Port())
}

// Placement is the record of where the primary copy of a file lives
type Placement struct {
	Filename string      `json:"filename"`
	Node     NodeAddress `json:"primary_node"`
	Size     int64       `json:"size"`
	Hash     string      `json:"hash"`
	StoredAt time.Time   `json:"stored_at"`
}

// NodeInfo is what the master knows about a storage node from probing it
type NodeInfo struct {
	Address   NodeAddress
	Available bool
	LastProbe time.Time
	Failures  int // consecutive failed probes
}
