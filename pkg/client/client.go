// Package client uploads files to and downloads files from the master.
package client

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sauravfouzdar/minidfs/internal/protocol"
	"github.com/sauravfouzdar/minidfs/pkg/common"
	"github.com/sauravfouzdar/minidfs/pkg/health"
)

// remoteErrors are recognised at the start of a failure reply and wrapped back into errors
var remoteErrors = []error{
	common.ErrNoHealthyNode,
	common.ErrNotFound,
	common.ErrIntegrity,
	common.ErrShortTransfer,
	common.ErrFileExists,
	common.ErrProtocol,
	common.ErrInvalidArgument,
	common.ErrIO,
}

// Client talks to one master
type Client struct {
	MasterAddress common.NodeAddress

	codec  protocol.Codec
	prober health.Prober
	logger zerolog.Logger
}

// NewClient creates a new client
func NewClient(master common.NodeAddress, codec protocol.Codec, logger zerolog.Logger) *Client {
	logger = logger.With().Str("component", "client").Str("master", master.String()).Logger()
	probeTimeout := codec.IOTimeout
	if probeTimeout <= 0 {
		probeTimeout = common.DefaultConfig.ProbeTimeout
	}
	return &Client{
		MasterAddress: master,
		codec:         codec,
		prober:        health.NewTCPProber(probeTimeout, logger),
		logger:        logger,
	}
}

// Put uploads the file at path and returns the name it was stored under, which differs from
// the basename when that name was already taken
func (c *Client) Put(ctx context.Context, path string) (string, error) {
	conn, err := c.codec.Dial(ctx, c.MasterAddress)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	resp, err := c.codec.SendFile(conn, path, true)
	if err != nil {
		c.logger.Error().Err(err).Str("file", path).Msg("upload failed")
		return "", err
	}
	if !resp.OK {
		c.logger.Error().Str("file", path).Str("reason", resp.Message).Msg("upload refused")
		return "", remoteError(resp.Message)
	}
	c.logger.Info().Str("file", path).Str("stored_as", resp.Message).Msg("upload complete")
	return resp.Message, nil
}

// Get downloads name into destDir and returns the local path. An existing local copy is replaced.
func (c *Client) Get(ctx context.Context, name, destDir string) (string, error) {
	if destDir == "" {
		destDir = common.DefaultClientDir
	}
	conn, err := c.codec.Dial(ctx, c.MasterAddress)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := conn.WriteMessage(protocol.NewGet(name)); err != nil {
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
		c.logger.Error().Str("file", name).Str("reason", resp.Message).Msg("download refused")
		return "", remoteError(resp.Message)
	}

	desc, err := reply.Descriptor()
	if err != nil {
		return "", err
	}
	local := common.BaseName(desc.Name)
	if local == "" {
		return "", fmt.Errorf("%w: master declared filename %q", common.ErrProtocol, desc.Name)
	}
	dest := filepath.Join(destDir, local)
	if err := c.codec.ReceiveFile(conn, dest, desc.Size, desc.Hash, protocol.WithOverwrite()); err != nil {
		c.logger.Error().Err(err).Str("file", name).Msg("download failed")
		return "", err
	}
	c.logger.Info().Str("file", name).Str("path", dest).Int64("size", desc.Size).Msg("download complete")
	return dest, nil
}

// Status reports whether the master answers STATUS
func (c *Client) Status(ctx context.Context) bool {
	return c.prober.Probe(ctx, c.MasterAddress)
}

// remoteError maps a failure reply to a sentinel error when its text starts with one
func remoteError(msg string) error {
	for _, sentinel := range remoteErrors {
		if rest, ok := strings.CutPrefix(msg, sentinel.Error()); ok {
			return fmt.Errorf("%w%s", sentinel, rest)
		}
	}
	return errors.New(msg)
}
