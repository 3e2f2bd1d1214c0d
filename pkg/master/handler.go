package master

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sauravfouzdar/minidfs/internal/protocol"
	"github.com/sauravfouzdar/minidfs/pkg/common"
)

// client-visible failure messages
const (
	msgNoHealthyHolder = "no healthy node holds this file"
	msgNameTaken       = "file name was taken by a concurrent upload, please retry"
)

// ServeConn implements protocol.Handler
func (m *Master) ServeConn(ctx context.Context, c *protocol.Conn) {
	logger := m.logger.With().Str("remote", c.RemoteAddr()).Logger()

	msg, err := c.ReadMessage()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		logger.Warn().Err(err).Msg("bad request")
		c.WriteResponse(false, err.Error())
		return
	}

	switch msg.Kind {
	case protocol.KindStatus:
		c.WriteLine(protocol.AvailableCode)
	case protocol.KindPut:
		m.handlePut(ctx, c, msg, logger)
	case protocol.KindGet:
		m.handleGet(ctx, c, msg, logger)
	default:
		logger.Warn().Str("kind", string(msg.Kind)).Msg("unexpected frame")
		c.WriteResponse(false, fmt.Sprintf("%v: unexpected %s", common.ErrProtocol, msg.Kind))
	}
}

// handlePut stages the upload, picks a node for it and records the placement
func (m *Master) handlePut(ctx context.Context, c *protocol.Conn, msg protocol.Message, logger zerolog.Logger) {
	desc, err := msg.Descriptor()
	if err != nil {
		c.WriteResponse(false, err.Error())
		return
	}
	name := common.BaseName(desc.Name)
	if name == "" {
		c.WriteResponse(false, fmt.Sprintf("%v: filename %q", common.ErrInvalidArgument, desc.Name))
		return
	}
	logger = logger.With().Str("file", name).Int64("size", desc.Size).Logger()

	staging := m.stagingDir()
	defer os.RemoveAll(staging)
	staged := filepath.Join(staging, name)

	if err := m.codec.ReceiveFile(c, staged, desc.Size, desc.Hash); err != nil {
		logger.Error().Err(err).Msg("upload rejected")
		c.WriteResponse(false, err.Error())
		return
	}

	stored, err := m.namespace.Resolve(ctx, name)
	if err != nil {
		logger.Error().Err(err).Msg("name resolution failed")
		c.WriteResponse(false, err.Error())
		return
	}
	if stored != name {
		logger.Info().Str("stored_as", stored).Msg("name taken, renamed")
	}
	desc.Name = stored

	node, err := m.placeFile(ctx, staged, desc, logger)
	if err != nil {
		logger.Error().Err(err).Msg("placement failed")
		c.WriteResponse(false, err.Error())
		return
	}

	p := common.Placement{
		Filename: stored,
		Node:     node,
		Size:     desc.Size,
		Hash:     desc.Hash,
		StoredAt: time.Now().UTC(),
	}
	if err := m.store.PutPlacement(ctx, p); err != nil {
		logger.Error().Err(err).Str("node", node.String()).Msg("placement not recorded")
		if errors.Is(err, common.ErrPlacementExists) {
			c.WriteResponse(false, msgNameTaken)
			return
		}
		c.WriteResponse(false, err.Error())
		return
	}

	logger.Info().Str("stored_as", stored).Str("node", node.String()).Msg("file placed")
	c.WriteResponse(true, stored)
}

// placeFile sends the staged file to a random healthy node. Every failed node is excluded for
// the rest of this upload and counts as one attempt.
func (m *Master) placeFile(ctx context.Context, staged string, desc protocol.Descriptor, logger zerolog.Logger) (common.NodeAddress, error) {
	excluded := make(map[common.NodeAddress]bool)
	for attempt := 1; attempt <= m.config.Master.MaxAttempts; attempt++ {
		node, ok := m.pickNode(excluded)
		if !ok {
			break
		}
		excluded[node] = true
		attemptLog := logger.With().Str("node", node.String()).Int("attempt", attempt).Logger()

		if !m.probe(ctx, node) {
			attemptLog.Warn().Msg("node failed probe")
			continue
		}
		if err := m.sendTo(ctx, node, staged, desc); err != nil {
			attemptLog.Warn().Err(err).Msg("transfer to node failed")
			continue
		}
		return node, nil
	}
	return "", common.ErrNoHealthyNode
}

// pickNode picks uniformly among configured nodes that are not excluded
func (m *Master) pickNode(excluded map[common.NodeAddress]bool) (common.NodeAddress, bool) {
	candidates := make([]common.NodeAddress, 0, len(m.config.StorageNodes))
	for _, n := range m.config.StorageNodes {
		if !excluded[n] {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[rand.IntN(len(candidates))], true
}

func (m *Master) sendTo(ctx context.Context, node common.NodeAddress, staged string, desc protocol.Descriptor) error {
	conn, err := m.codec.Dial(ctx, node)
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := m.codec.SendFile(conn, staged, true, protocol.WithDescriptor(desc))
	if err != nil {
		return err
	}
	return resp.Err()
}

// handleGet fetches the file from the first healthy holder and streams it to the client
func (m *Master) handleGet(ctx context.Context, c *protocol.Conn, msg protocol.Message, logger zerolog.Logger) {
	name := common.BaseName(msg.Name())
	logger = logger.With().Str("file", name).Logger()

	p, err := m.store.GetPlacement(ctx, name)
	if err != nil {
		logger.Warn().Err(err).Msg("lookup failed")
		if errors.Is(err, common.ErrNotFound) {
			c.WriteResponse(false, common.ErrNotFound.Error())
			return
		}
		c.WriteResponse(false, err.Error())
		return
	}

	staging := m.stagingDir()
	defer os.RemoveAll(staging)

	for i, node := range m.holders(ctx, p, logger) {
		nodeLog := logger.With().Str("node", node.String()).Logger()
		if !m.probe(ctx, node) {
			nodeLog.Warn().Msg("holder failed probe")
			continue
		}
		staged, err := m.fetchFrom(ctx, node, p, filepath.Join(staging, strconv.Itoa(i)))
		if err != nil {
			nodeLog.Warn().Err(err).Msg("fetch from holder failed")
			continue
		}
		desc := protocol.Descriptor{Name: p.Filename, Size: p.Size, Hash: p.Hash}
		if _, err := m.codec.SendFile(c, staged, false, protocol.WithDescriptor(desc)); err != nil {
			nodeLog.Error().Err(err).Msg("send to client failed")
			return
		}
		nodeLog.Info().Int64("size", p.Size).Msg("file served")
		return
	}

	logger.Error().Msg(msgNoHealthyHolder)
	c.WriteResponse(false, msgNoHealthyHolder)
}

// holders lists the primary followed by replicas in insertion order, without duplicates
func (m *Master) holders(ctx context.Context, p common.Placement, logger zerolog.Logger) []common.NodeAddress {
	replicas, err := m.store.GetReplicas(ctx, p.Filename)
	if err != nil {
		logger.Error().Err(err).Msg("replica lookup failed, trying primary only")
	}
	out := []common.NodeAddress{p.Node}
	seen := map[common.NodeAddress]bool{p.Node: true}
	for _, r := range replicas {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

// fetchFrom downloads p from node into dir and checks it against the placement record
func (m *Master) fetchFrom(ctx context.Context, node common.NodeAddress, p common.Placement, dir string) (string, error) {
	conn, err := m.codec.Dial(ctx, node)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := conn.WriteMessage(protocol.NewGet(p.Filename)); err != nil {
		return "", err
	}
	reply, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	if reply.Kind != protocol.KindPut {
		resp, err := reply.Response()
		if err != nil {
			return "", err
		}
		return "", resp.Err()
	}
	desc, err := reply.Descriptor()
	if err != nil {
		return "", err
	}
	if desc.Size != p.Size || desc.Hash != p.Hash {
		return "", fmt.Errorf("%w: %s on %s is %d bytes %s, placement recorded %d bytes %s",
			common.ErrIntegrity, p.Filename, node, desc.Size, desc.Hash, p.Size, p.Hash)
	}

	dest := filepath.Join(dir, p.Filename)
	if err := m.codec.ReceiveFile(conn, dest, desc.Size, desc.Hash); err != nil {
		return "", err
	}
	return dest, nil
}

// stagingDir returns a fresh per-request directory under the staging area
func (m *Master) stagingDir() string {
	return filepath.Join(m.config.Master.StagingDir, uuid.NewString())
}
