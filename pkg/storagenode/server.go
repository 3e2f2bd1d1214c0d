// Package storagenode stores whole files in a node-local directory and serves them back.
package storagenode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sauravfouzdar/minidfs/internal/protocol"
	"github.com/sauravfouzdar/minidfs/pkg/common"
)

// Scheduler starts replication of a file that was just stored on source
type Scheduler interface {
	Schedule(ctx context.Context, filename string, source common.NodeAddress) error
}

// StorageNode answers PUT, GET and STATUS frames for one storage directory
type StorageNode struct {
	config    common.StorageNodeConfig
	storage   *StorageManager
	codec     protocol.Codec
	scheduler Scheduler
	logger    zerolog.Logger

	server     *protocol.Server
	httpServer *http.Server

	// in-flight replication hand-offs
	pending sync.WaitGroup
}

// NewStorageNode creates a new storage node. scheduler may be nil to disable replication.
func NewStorageNode(config common.StorageNodeConfig, codec protocol.Codec, scheduler Scheduler, logger zerolog.Logger) (*StorageNode, error) {
	root := config.StorageRoot
	if root == "" {
		root = common.StorageDirName(config.Address)
	}
	storage, err := NewStorageManager(root)
	if err != nil {
		return nil, err
	}

	sn := &StorageNode{
		config:    config,
		storage:   storage,
		codec:     codec,
		scheduler: scheduler,
		logger:    logger.With().Str("component", "storagenode").Str("node", config.Address.String()).Logger(),
	}
	sn.server = protocol.NewServer(sn, codec.IOTimeout, sn.logger)
	return sn, nil
}

// Storage returns the node's storage manager
func (sn *StorageNode) Storage() *StorageManager {
	return sn.storage
}

// Start listens on the configured address and serves in the background
func (sn *StorageNode) Start() error {
	l, err := sn.server.Listen(sn.config.Address.String())
	if err != nil {
		return err
	}
	return sn.Serve(l)
}

// Serve serves on an existing listener in the background
func (sn *StorageNode) Serve(l net.Listener) error {
	go func() {
		if err := sn.server.Serve(l); err != nil {
			sn.logger.Error().Err(err).Msg("accept loop stopped")
		}
	}()

	if sn.config.HTTPAddress != "" {
		hl, err := net.Listen("tcp", sn.config.HTTPAddress)
		if err != nil {
			return fmt.Errorf("health endpoint: %w", err)
		}
		sn.httpServer = &http.Server{Handler: sn.HTTPHandler()}
		go func() {
			if err := sn.httpServer.Serve(hl); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sn.logger.Error().Err(err).Msg("health endpoint stopped")
			}
		}()
	}

	capacity, used := sn.storage.GetStats()
	sn.logger.Info().
		Str("addr", l.Addr().String()).
		Str("root", sn.storage.Root()).
		Int64("capacity", capacity).
		Int64("used", used).
		Msg("storage node started")
	return nil
}

// Shutdown stops accepting, waits for in-flight transfers and replication hand-offs
func (sn *StorageNode) Shutdown(ctx context.Context) error {
	if sn.httpServer != nil {
		sn.httpServer.Shutdown(ctx)
	}
	err := sn.server.Shutdown(ctx)
	sn.pending.Wait()
	return err
}

// ServeConn implements protocol.Handler
func (sn *StorageNode) ServeConn(ctx context.Context, c *protocol.Conn) {
	logger := sn.logger.With().Str("remote", c.RemoteAddr()).Logger()

	m, err := c.ReadMessage()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		logger.Warn().Err(err).Msg("bad request")
		c.WriteResponse(false, err.Error())
		return
	}

	switch m.Kind {
	case protocol.KindStatus:
		c.WriteLine(protocol.AvailableCode)
	case protocol.KindPut:
		sn.handlePut(c, m, logger)
	case protocol.KindGet:
		sn.handleGet(c, m, logger)
	default:
		logger.Warn().Str("kind", string(m.Kind)).Msg("unexpected frame")
		c.WriteResponse(false, fmt.Sprintf("%v: unexpected %s", common.ErrProtocol, m.Kind))
	}
}

func (sn *StorageNode) handlePut(c *protocol.Conn, m protocol.Message, logger zerolog.Logger) {
	desc, err := m.Descriptor()
	if err != nil {
		c.WriteResponse(false, err.Error())
		return
	}
	name := common.BaseName(desc.Name)
	dest, err := sn.storage.Path(name)
	if err != nil {
		c.WriteResponse(false, err.Error())
		return
	}
	origin := m.Origin()
	logger = logger.With().Str("file", name).Int64("size", desc.Size).Logger()

	if err := sn.codec.ReceiveFile(c, dest, desc.Size, desc.Hash); err != nil {
		logger.Error().Err(err).Msg("store failed")
		c.WriteResponse(false, err.Error())
		return
	}
	logger.Info().Str("origin", origin).Msg("file stored")
	c.WriteResponse(true, fmt.Sprintf("File %s saved successfully.", name))

	// replica copies are not fanned out again
	if origin == "" && sn.scheduler != nil {
		sn.pending.Add(1)
		go func() {
			defer sn.pending.Done()
			if err := sn.scheduler.Schedule(context.Background(), name, sn.config.Address); err != nil {
				logger.Error().Err(err).Msg("replication not scheduled")
			}
		}()
	}
}

func (sn *StorageNode) handleGet(c *protocol.Conn, m protocol.Message, logger zerolog.Logger) {
	name := common.BaseName(m.Name())
	logger = logger.With().Str("file", name).Logger()

	desc, err := sn.storage.Describe(name)
	if err != nil {
		logger.Warn().Err(err).Msg("get failed")
		if errors.Is(err, common.ErrNotFound) {
			c.WriteResponse(false, "file not found")
			return
		}
		c.WriteResponse(false, err.Error())
		return
	}
	path, _ := sn.storage.Path(name)
	if _, err := sn.codec.SendFile(c, path, false, protocol.WithDescriptor(desc)); err != nil {
		logger.Error().Err(err).Msg("send failed")
		return
	}
	logger.Info().Int64("size", desc.Size).Msg("file served")
}
