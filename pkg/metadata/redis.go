package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sauravfouzdar/minidfs/pkg/common"
)

// redis keys
const (
	placementKey     = "dfs:placement" // hash filename -> placement json
	replicaKeyPrefix = "dfs:replicas:" // sorted set per file, member node, score insertion time
)

// RedisStore is a Store shared by every process pointing at the same redis
type RedisStore struct {
	client *redis.Client
}

// OpenRedis connects to addr and checks the connection
func OpenRedis(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis %s: %v", common.ErrIO, addr, err)
	}
	return NewRedisStore(client), nil
}

// NewRedisStore wraps an existing client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// PutPlacement implements Store
func (s *RedisStore) PutPlacement(ctx context.Context, p common.Placement) error {
	value, err := json.Marshal(p)
	if err != nil {
		return err
	}
	set, err := s.client.HSetNX(ctx, placementKey, p.Filename, value).Result()
	if err != nil {
		return fmt.Errorf("%w: put placement: %v", common.ErrIO, err)
	}
	if !set {
		return fmt.Errorf("%w: %s", common.ErrPlacementExists, p.Filename)
	}
	return nil
}

// GetPlacement implements Store
func (s *RedisStore) GetPlacement(ctx context.Context, filename string) (common.Placement, error) {
	raw, err := s.client.HGet(ctx, placementKey, filename).Bytes()
	if errors.Is(err, redis.Nil) {
		return common.Placement{}, fmt.Errorf("%w: %s", common.ErrNotFound, filename)
	}
	if err != nil {
		return common.Placement{}, fmt.Errorf("%w: get placement: %v", common.ErrIO, err)
	}
	var p common.Placement
	if err := json.Unmarshal(raw, &p); err != nil {
		return common.Placement{}, fmt.Errorf("%w: decode placement %s: %v", common.ErrIO, filename, err)
	}
	return p, nil
}

// PutReplica implements Store
func (s *RedisStore) PutReplica(ctx context.Context, filename string, node common.NodeAddress) error {
	z := redis.Z{Score: float64(time.Now().UnixNano()), Member: node.String()}
	if err := s.client.ZAddNX(ctx, replicaKeyPrefix+filename, z).Err(); err != nil {
		return fmt.Errorf("%w: put replica: %v", common.ErrIO, err)
	}
	return nil
}

// GetReplicas implements Store
func (s *RedisStore) GetReplicas(ctx context.Context, filename string) ([]common.NodeAddress, error) {
	members, err := s.client.ZRange(ctx, replicaKeyPrefix+filename, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get replicas: %v", common.ErrIO, err)
	}
	nodes := make([]common.NodeAddress, len(members))
	for i, m := range members {
		nodes[i] = common.NodeAddress(m)
	}
	return nodes, nil
}

// Purge implements Store
func (s *RedisStore) Purge(ctx context.Context) error {
	keys := []string{placementKey}
	iter := s.client.Scan(ctx, 0, replicaKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: scan: %v", common.ErrIO, err)
	}
	return s.client.Del(ctx, keys...).Err()
}

// Close implements Store
func (s *RedisStore) Close() error {
	return s.client.Close()
}
