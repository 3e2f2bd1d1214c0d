package protocol

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sauravfouzdar/minidfs/pkg/common"
)

func startServer(t *testing.T, h Handler) *Server {
	t.Helper()
	s := NewServer(h, time.Second, zerolog.Nop())
	l, err := s.Listen("127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func TestServerEcho(t *testing.T) {
	s := startServer(t, HandlerFunc(func(ctx context.Context, c *Conn) {
		m, err := c.ReadMessage()
		if err != nil {
			c.WriteResponse(false, err.Error())
			return
		}
		if m.Kind == KindStatus {
			c.WriteLine(AvailableCode)
			return
		}
		c.WriteResponse(true, m.Name())
	}))
	addr := common.NodeAddress(s.Addr().String())

	c, err := Dial(context.Background(), addr, time.Second)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.WriteMessage(NewStatus()))
	line, err := c.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, AvailableCode, line)

	c2, err := Dial(context.Background(), addr, time.Second)
	require.NoError(t, err)
	defer c2.Close()
	require.NoError(t, c2.WriteMessage(NewGet("a.txt")))
	resp, err := c2.ReadResponse()
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "a.txt", resp.Message)
}

func TestServerSurvivesPanic(t *testing.T) {
	var calls atomic.Int32
	s := startServer(t, HandlerFunc(func(ctx context.Context, c *Conn) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		c.WriteLine(AvailableCode)
	}))
	addr := common.NodeAddress(s.Addr().String())

	c, err := Dial(context.Background(), addr, time.Second)
	require.NoError(t, err)
	_, err = c.ReadLine()
	assert.Error(t, err)
	c.Close()

	c, err = Dial(context.Background(), addr, time.Second)
	require.NoError(t, err)
	defer c.Close()
	line, err := c.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, AvailableCode, line)
}

func TestServerShutdownWaitsForHandlers(t *testing.T) {
	release := make(chan struct{})
	var finished atomic.Bool
	s := NewServer(HandlerFunc(func(ctx context.Context, c *Conn) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		finished.Store(true)
	}), time.Second, zerolog.Nop())
	l, err := s.Listen("127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(l) }()

	c, err := Dial(context.Background(), common.NodeAddress(l.Addr().String()), time.Second)
	require.NoError(t, err)
	defer c.Close()
	// let the handler start
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.True(t, finished.Load())
	assert.NoError(t, <-served)

	_, err = Dial(context.Background(), common.NodeAddress(l.Addr().String()), 200*time.Millisecond)
	assert.ErrorIs(t, err, common.ErrNodeUnavailable)
}

func TestServerShutdownUnderLoad(t *testing.T) {
	var active, finished atomic.Int32
	s := NewServer(HandlerFunc(func(ctx context.Context, c *Conn) {
		active.Add(1)
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
		}
		finished.Add(1)
	}), time.Second, zerolog.Nop())
	l, err := s.Listen("127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(l) }()
	addr := common.NodeAddress(l.Addr().String())

	stop := make(chan struct{})
	var dialers sync.WaitGroup
	for i := 0; i < 8; i++ {
		dialers.Add(1)
		go func() {
			defer dialers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				c, err := Dial(context.Background(), addr, 100*time.Millisecond)
				if err != nil {
					continue
				}
				c.Close()
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	// nothing may start or still run once Shutdown has returned
	assert.Equal(t, active.Load(), finished.Load())
	close(stop)
	dialers.Wait()
	assert.Equal(t, active.Load(), finished.Load())
	assert.NoError(t, <-served)
}
