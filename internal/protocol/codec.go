package protocol

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sauravfouzdar/minidfs/pkg/common"
)

// DefaultChunkSize is the transfer block size used when none is configured
const DefaultChunkSize = 1024

// hashBlockSize is the read size when hashing a file on disk
const hashBlockSize = 4096

// Codec moves whole files over a Conn: a PUT header followed by exactly Size raw bytes
type Codec struct {
	ChunkSize int
	IOTimeout time.Duration
}

// NewCodec returns a codec, falling back to DefaultChunkSize
func NewCodec(chunkSize int, ioTimeout time.Duration) Codec {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return Codec{ChunkSize: chunkSize, IOTimeout: ioTimeout}
}

// Dial opens a connection using the codec's I/O timeout
func (cd Codec) Dial(ctx context.Context, addr common.NodeAddress) (*Conn, error) {
	return Dial(ctx, addr, cd.IOTimeout)
}

// HashFile returns the hex md5 and size of the file at path
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := md5.New()
	n, err := io.CopyBuffer(h, f, make([]byte, hashBlockSize))
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Describe returns the descriptor a PUT of path would declare
func (cd Codec) Describe(path string) (Descriptor, error) {
	hash, size, err := HashFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: describe %s: %v", common.ErrIO, path, err)
	}
	return Descriptor{Name: filepath.Base(path), Size: size, Hash: hash}, nil
}

type sendOptions struct {
	name   string
	origin string
	desc   *Descriptor
}

// SendOption tunes SendFile
type SendOption func(*sendOptions)

// WithName declares the file under name instead of its basename
func WithName(name string) SendOption {
	return func(o *sendOptions) { o.name = name }
}

// WithOrigin marks the transfer as a replica copied from origin
func WithOrigin(origin common.NodeAddress) SendOption {
	return func(o *sendOptions) { o.origin = origin.String() }
}

// WithDescriptor skips hashing when the caller already knows size and hash
func WithDescriptor(d Descriptor) SendOption {
	return func(o *sendOptions) { o.desc = &d }
}

// SendFile writes a PUT header for path followed by its bytes. When expectResponse is set it
// waits for the receiver's terminal reply; a failure reply is returned as a Response, not an error.
func (cd Codec) SendFile(c *Conn, path string, expectResponse bool, opts ...SendOption) (*Response, error) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	var desc Descriptor
	if o.desc != nil {
		desc = *o.desc
	} else {
		d, err := cd.Describe(path)
		if err != nil {
			return nil, err
		}
		desc = d
	}
	if o.name != "" {
		desc.Name = o.name
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", common.ErrIO, path, err)
	}
	defer f.Close()

	if err := c.WriteMessage(NewPut(desc, o.origin)); err != nil {
		return nil, err
	}
	if err := cd.copyBody(c, f, desc.Size); err != nil {
		return nil, err
	}
	if !expectResponse {
		return nil, nil
	}
	return c.ReadResponse()
}

type receiveOptions struct {
	overwrite bool
}

// ReceiveOption tunes ReceiveFile
type ReceiveOption func(*receiveOptions)

// WithOverwrite lets ReceiveFile replace an existing destination
func WithOverwrite() ReceiveOption {
	return func(o *receiveOptions) { o.overwrite = true }
}

// ReceiveFile reads exactly size bytes from c into dest and verifies them against hash.
// The bytes land in a temporary .part file that is moved to dest only once verified, and
// removed on every failure.
func (cd Codec) ReceiveFile(c *Conn, dest string, size int64, hash string, opts ...ReceiveOption) error {
	var o receiveOptions
	for _, opt := range opts {
		opt(&o)
	}
	if size < 0 {
		return fmt.Errorf("%w: negative size %d", common.ErrProtocol, size)
	}

	// the body is always consumed so the sender can read our reply
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create %s: %v", common.ErrIO, dir, err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", common.ErrIO, err)
	}
	part := f.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(part)
		}
	}()

	if err := cd.receiveBody(c, f, size); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync: %v", common.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", common.ErrIO, err)
	}

	// verify what is on disk, not what went through the buffer
	got, _, err := HashFile(part)
	if err != nil {
		return fmt.Errorf("%w: rehash: %v", common.ErrIO, err)
	}
	if got != hash {
		return fmt.Errorf("%w: %s: declared %s, received %s", common.ErrIntegrity, filepath.Base(dest), hash, got)
	}

	if err := commit(part, dest, o.overwrite); err != nil {
		return err
	}
	committed = true
	return nil
}

// Relay forwards a body of d.Size bytes from one connection into another behind a fresh PUT
// header and returns the receiver's reply
func (cd Codec) Relay(from, to *Conn, d Descriptor, origin common.NodeAddress) (*Response, error) {
	if err := to.WriteMessage(NewPut(d, origin.String())); err != nil {
		return nil, err
	}
	if err := cd.copyBody(to, from, d.Size); err != nil {
		return nil, err
	}
	return to.ReadResponse()
}

// copyBody copies exactly size bytes from r to w in ChunkSize blocks
func (cd Codec) copyBody(w io.Writer, r io.Reader, size int64) error {
	buf := make([]byte, cd.chunkSize())
	var sent int64
	for sent < size {
		n := int64(len(buf))
		if size-sent < n {
			n = size - sent
		}
		read, err := r.Read(buf[:n])
		if read > 0 {
			if _, werr := w.Write(buf[:read]); werr != nil {
				return fmt.Errorf("%w: sent %d of %d bytes: %v", common.ErrShortTransfer, sent, size, werr)
			}
			sent += int64(read)
		}
		if sent == size {
			break
		}
		if err != nil || read == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("%w: source yielded %d of %d bytes: %v", common.ErrShortTransfer, sent, size, err)
		}
	}
	return nil
}

// receiveBody reads exactly size bytes from c into f
func (cd Codec) receiveBody(c *Conn, f *os.File, size int64) error {
	buf := make([]byte, cd.chunkSize())
	var received int64
	for received < size {
		n := int64(len(buf))
		if size-received < n {
			n = size - received
		}
		read, err := c.Read(buf[:n])
		if read > 0 {
			if _, werr := f.Write(buf[:read]); werr != nil {
				return fmt.Errorf("%w: write: %v", common.ErrIO, werr)
			}
			received += int64(read)
		}
		if received == size {
			break
		}
		if err != nil || read == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("%w: received %d of %d bytes: %v", common.ErrShortTransfer, received, size, err)
		}
	}
	return nil
}

func (cd Codec) chunkSize() int {
	if cd.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return cd.ChunkSize
}

// commit moves part to dest. Without overwrite a hard link is used so an existing
// dest is never replaced, even when another receiver finished first.
func commit(part, dest string, overwrite bool) error {
	if overwrite {
		if err := os.Rename(part, dest); err != nil {
			return fmt.Errorf("%w: rename: %v", common.ErrIO, err)
		}
		return nil
	}
	if err := os.Link(part, dest); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", common.ErrFileExists, filepath.Base(dest))
		}
		// no hard links on this filesystem
		if _, serr := os.Stat(dest); serr == nil {
			return fmt.Errorf("%w: %s", common.ErrFileExists, filepath.Base(dest))
		}
		if rerr := os.Rename(part, dest); rerr != nil {
			return fmt.Errorf("%w: rename: %v", common.ErrIO, rerr)
		}
		return nil
	}
	os.Remove(part)
	return nil
}
