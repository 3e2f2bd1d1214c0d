// Package health decides whether a storage node is currently usable.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sauravfouzdar/minidfs/internal/protocol"
	"github.com/sauravfouzdar/minidfs/pkg/common"
)

// Prober answers whether a node is available. Implementations never return errors and never panic:
// any failure is reported as unavailable.
type Prober interface {
	Probe(ctx context.Context, node common.NodeAddress) bool
}

// TCPProber sends a STATUS frame and expects the availability code back
type TCPProber struct {
	Timeout time.Duration
	Logger  zerolog.Logger
}

// NewTCPProber creates a new TCP prober
func NewTCPProber(timeout time.Duration, logger zerolog.Logger) *TCPProber {
	return &TCPProber{
		Timeout: timeout,
		Logger:  logger.With().Str("component", "prober").Logger(),
	}
}

// Probe implements Prober
func (p *TCPProber) Probe(ctx context.Context, node common.NodeAddress) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	c, err := protocol.Dial(ctx, node, p.Timeout)
	if err != nil {
		p.Logger.Debug().Err(err).Str("node", node.String()).Msg("probe dial failed")
		return false
	}
	defer c.Close()

	if err := c.WriteMessage(protocol.NewStatus()); err != nil {
		p.Logger.Debug().Err(err).Str("node", node.String()).Msg("probe write failed")
		return false
	}
	line, err := c.ReadLine()
	if err != nil {
		p.Logger.Debug().Err(err).Str("node", node.String()).Msg("probe read failed")
		return false
	}
	return line == protocol.AvailableCode
}

// HTTPProber checks GET http://<node>/health
type HTTPProber struct {
	Client  *http.Client
	Timeout time.Duration
	Logger  zerolog.Logger
}

// NewHTTPProber creates a new HTTP prober
func NewHTTPProber(timeout time.Duration, logger zerolog.Logger) *HTTPProber {
	return &HTTPProber{
		Client:  &http.Client{Timeout: timeout},
		Timeout: timeout,
		Logger:  logger.With().Str("component", "prober").Logger(),
	}
}

// Probe implements Prober
func (p *HTTPProber) Probe(ctx context.Context, node common.NodeAddress) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/health", node), nil)
	if err != nil {
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		p.Logger.Debug().Err(err).Str("node", node.String()).Msg("health request failed")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// New returns the prober named by kind ("tcp" or "http")
func New(kind string, timeout time.Duration, logger zerolog.Logger) (Prober, error) {
	switch kind {
	case "", "tcp":
		return NewTCPProber(timeout, logger), nil
	case "http":
		return NewHTTPProber(timeout, logger), nil
	}
	return nil, fmt.Errorf("%w: unknown probe %q", common.ErrInvalidConfig, kind)
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context, node common.NodeAddress) bool

// Probe calls f
func (f ProberFunc) Probe(ctx context.Context, node common.NodeAddress) bool {
	return f(ctx, node)
}
