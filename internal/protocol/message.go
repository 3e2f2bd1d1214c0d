package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sauravfouzdar/minidfs/pkg/common"
)

// Wire constants
const (
	Separator     = "<>"
	AvailableCode = "200"
	MaxFrameSize  = 4096
	HashLength    = 32 // hex encoded md5
)

// Kind is the first field of every frame
type Kind string

const (
	KindGet     Kind = "<GET_REQUEST>"
	KindPut     Kind = "<PUT_REQUEST>"
	KindStatus  Kind = "<STATUS_REQUEST>"
	KindSuccess Kind = "<NOTIFY_SUCCESS>"
	KindFailure Kind = "<NOTIFY_FAILURE>"
)

// Message is one control frame: a kind followed by its fields
type Message struct {
	Kind   Kind
	Fields []string
}

// Descriptor is what a PUT header declares about the bytes that follow it
type Descriptor struct {
	Name string
	Size int64
	Hash string
}

// Response is the structured form of a NOTIFY_SUCCESS / NOTIFY_FAILURE frame
type Response struct {
	OK      bool
	Message string
}

// Err turns a failure response into an error, nil for success
func (r *Response) Err() error {
	if r == nil || r.OK {
		return nil
	}
	return fmt.Errorf("remote failure: %s", r.Message)
}

// NewPut builds a PUT header. A non-empty origin marks the body as a replica copied from origin.
func NewPut(d Descriptor, origin string) Message {
	fields := []string{d.Name, strconv.FormatInt(d.Size, 10), d.Hash}
	if origin != "" {
		fields = append(fields, origin)
	}
	return Message{Kind: KindPut, Fields: fields}
}

// NewGet builds a GET request
func NewGet(name string) Message {
	return Message{Kind: KindGet, Fields: []string{name}}
}

// NewStatus builds a STATUS request
func NewStatus() Message {
	return Message{Kind: KindStatus}
}

// NewResponse builds a terminal reply. The text is flattened so it can always be framed.
func NewResponse(ok bool, text string) Message {
	kind := KindFailure
	if ok {
		kind = KindSuccess
	}
	r := strings.NewReplacer(Separator, " ", "\n", " ", "\r", " ")
	return Message{Kind: kind, Fields: []string{r.Replace(text)}}
}

// Encode renders the frame including its line terminator
func (m Message) Encode() ([]byte, error) {
	if !m.Kind.valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", common.ErrProtocol, m.Kind)
	}
	for _, f := range m.Fields {
		if strings.Contains(f, Separator) || strings.ContainsAny(f, "\r\n") {
			return nil, fmt.Errorf("%w: field %q contains a reserved sequence", common.ErrProtocol, f)
		}
	}
	line := string(m.Kind) + Separator + strings.Join(m.Fields, Separator) + "\n"
	if len(line) > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", common.ErrProtocol, len(line), MaxFrameSize)
	}
	return []byte(line), nil
}

// Decode parses one frame, with or without its line terminator
func Decode(line []byte) (Message, error) {
	s := strings.TrimRight(string(line), "\r\n")
	if s == "" {
		return Message{}, fmt.Errorf("%w: empty frame", common.ErrProtocol)
	}
	parts := strings.Split(s, Separator)
	m := Message{Kind: Kind(parts[0]), Fields: parts[1:]}

	switch m.Kind {
	case KindStatus:
		m.Fields = nil
	case KindGet:
		if len(m.Fields) != 1 || m.Fields[0] == "" {
			return Message{}, fmt.Errorf("%w: GET takes exactly one filename", common.ErrProtocol)
		}
	case KindPut:
		if len(m.Fields) != 3 && len(m.Fields) != 4 {
			return Message{}, fmt.Errorf("%w: PUT takes name, size, hash and an optional origin, got %d fields",
				common.ErrProtocol, len(m.Fields))
		}
		if _, err := m.Descriptor(); err != nil {
			return Message{}, err
		}
	case KindSuccess, KindFailure:
		if len(m.Fields) == 0 {
			return Message{}, fmt.Errorf("%w: reply without a message", common.ErrProtocol)
		}
	default:
		return Message{}, fmt.Errorf("%w: unknown kind %q", common.ErrProtocol, parts[0])
	}
	return m, nil
}

// Descriptor parses the fields of a PUT header
func (m Message) Descriptor() (Descriptor, error) {
	if m.Kind != KindPut || len(m.Fields) < 3 {
		return Descriptor{}, fmt.Errorf("%w: not a PUT header", common.ErrProtocol)
	}
	name := m.Fields[0]
	if name == "" {
		return Descriptor{}, fmt.Errorf("%w: empty filename", common.ErrProtocol)
	}
	size, err := strconv.ParseInt(m.Fields[1], 10, 64)
	if err != nil || size < 0 {
		return Descriptor{}, fmt.Errorf("%w: invalid size %q", common.ErrProtocol, m.Fields[1])
	}
	hash := strings.ToLower(m.Fields[2])
	if !validHash(hash) {
		return Descriptor{}, fmt.Errorf("%w: invalid hash %q", common.ErrProtocol, m.Fields[2])
	}
	return Descriptor{Name: name, Size: size, Hash: hash}, nil
}

// Origin returns the source node of a replica PUT, "" for a regular PUT
func (m Message) Origin() string {
	if m.Kind != KindPut || len(m.Fields) < 4 {
		return ""
	}
	return m.Fields[3]
}

// Name returns the filename of a GET or PUT frame
func (m Message) Name() string {
	if len(m.Fields) == 0 {
		return ""
	}
	return m.Fields[0]
}

// Response converts a terminal reply frame
func (m Message) Response() (*Response, error) {
	switch m.Kind {
	case KindSuccess, KindFailure:
		return &Response{OK: m.Kind == KindSuccess, Message: strings.Join(m.Fields, Separator)}, nil
	}
	return nil, fmt.Errorf("%w: expected a reply, got %s", common.ErrProtocol, m.Kind)
}

func (k Kind) valid() bool {
	switch k {
	case KindGet, KindPut, KindStatus, KindSuccess, KindFailure:
		return true
	}
	return false
}

func validHash(h string) bool {
	if len(h) != HashLength {
		return false
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
