package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/sauravfouzdar/minidfs/pkg/common"
)

// Conn is a framed connection. Header lines and body bytes share one buffered reader,
// so bytes following a header are never lost.
type Conn struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration // per read / write, 0 means no deadline
}

// NewConn wraps an established connection
func NewConn(c net.Conn, timeout time.Duration) *Conn {
	return &Conn{
		conn:    c,
		r:       bufio.NewReaderSize(c, MaxFrameSize),
		timeout: timeout,
	}
}

// Dial connects to addr. timeout bounds the dial and every later read or write.
func Dial(ctx context.Context, addr common.NodeAddress, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", common.ErrNodeUnavailable, addr, err)
	}
	return NewConn(c, timeout), nil
}

// SetTimeout changes the per operation deadline
func (c *Conn) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Read reads body bytes
func (c *Conn) Read(p []byte) (int, error) {
	if err := c.armRead(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Write writes raw bytes
func (c *Conn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.conn.Write(p)
}

// ReadLine reads one newline terminated line without its terminator.
// io.EOF is returned only when the peer closed before sending anything.
func (c *Conn) ReadLine() (string, error) {
	if err := c.armRead(); err != nil {
		return "", err
	}
	line, err := c.r.ReadSlice('\n')
	switch {
	case err == nil:
	case errors.Is(err, bufio.ErrBufferFull):
		return "", fmt.Errorf("%w: frame exceeds %d bytes", common.ErrProtocol, MaxFrameSize)
	case errors.Is(err, io.EOF) && len(line) == 0:
		return "", io.EOF
	case errors.Is(err, io.EOF):
		return "", fmt.Errorf("%w: unterminated frame", common.ErrProtocol)
	default:
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// WriteLine writes s followed by a newline
func (c *Conn) WriteLine(s string) error {
	_, err := c.Write([]byte(s + "\n"))
	return err
}

// ReadMessage reads and decodes one frame
func (c *Conn) ReadMessage() (Message, error) {
	line, err := c.ReadLine()
	if err != nil {
		return Message{}, err
	}
	return Decode([]byte(line))
}

// WriteMessage encodes and writes one frame
func (c *Conn) WriteMessage(m Message) error {
	b, err := m.Encode()
	if err != nil {
		return err
	}
	_, err = c.Write(b)
	return err
}

// ReadResponse reads one terminal reply
func (c *Conn) ReadResponse() (*Response, error) {
	m, err := c.ReadMessage()
	if err != nil {
		return nil, err
	}
	return m.Response()
}

// WriteResponse writes one terminal reply
func (c *Conn) WriteResponse(ok bool, text string) error {
	return c.WriteMessage(NewResponse(ok, text))
}

// CloseWrite half closes the connection when the transport supports it
func (c *Conn) CloseWrite() error {
	if tc, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return tc.CloseWrite()
	}
	return nil
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close closes the underlying connection
func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) armRead() error {
	if c.timeout <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.timeout))
}
