package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Protocol limits. MaxMessageSize bounds every framed message, including the
// capability listing produced during discovery; appends that would exceed it
// are rejected outright, never truncated.
const (
	HeaderSize     = 4
	MaxMessageSize = 512

	AddressSize    = 18
	ObjectPathSize = 64

	// SEIDRange is the highest valid A2DP stream endpoint id. Values above
	// it are reserved; HeadsetSEID is the pseudo-endpoint reported for the
	// fixed SCO channel of headset devices.
	SEIDRange   = 127
	HeadsetSEID = 128
)

var (
	ErrShortMessage  = errors.New("wire: message shorter than declared length")
	ErrBadLength     = errors.New("wire: invalid message length")
	ErrBadString     = errors.New("wire: string field not NUL-terminated")
	ErrStringTooLong = errors.New("wire: string does not fit fixed-width field")
	ErrNoSpace       = errors.New("wire: message size limit exceeded")
)

// MessageType tags the direction and kind of a message.
type MessageType uint8

const (
	MessageRequest MessageType = iota
	MessageResponse
	MessageError
	MessageIndication
)

func (t MessageType) String() string {
	switch t {
	case MessageRequest:
		return "request"
	case MessageResponse:
		return "response"
	case MessageError:
		return "error"
	case MessageIndication:
		return "indication"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// OpCode identifies the operation a message belongs to.
type OpCode uint8

const (
	OpGetCapabilities OpCode = iota
	OpOpen
	OpSetConfiguration
	OpStartStream
	OpStopStream
	OpClose
	OpControl
)

func (o OpCode) String() string {
	switch o {
	case OpGetCapabilities:
		return "get-capabilities"
	case OpOpen:
		return "open"
	case OpSetConfiguration:
		return "set-configuration"
	case OpStartStream:
		return "start-stream"
	case OpStopStream:
		return "stop-stream"
	case OpClose:
		return "close"
	case OpControl:
		return "control"
	case OpNewStream:
		return "new-stream"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// OpNewStream names the unsolicited indication sent between a successful
// StartStream response and the descriptor transfer.
const OpNewStream OpCode = 0x10

// TransportKind selects the link type a request targets.
type TransportKind uint8

const (
	TransportSCO TransportKind = iota
	TransportA2DP
	TransportAny
)

// LockFlags mark endpoint ownership requested at open time.
type LockFlags uint8

const (
	LockRead  LockFlags = 1 << iota // observe capability state
	LockWrite                       // drive configuration and streaming
)

// CodecType identifies the codec a capability block describes. SBC and
// MPEG12 payloads are understood natively; anything else travels opaque.
type CodecType uint8

const (
	CodecSBC    CodecType = 0
	CodecMPEG12 CodecType = 1
	// CodecPCM is the fixed-format pseudo-codec reported for the headset
	// SCO channel.
	CodecPCM CodecType = 0xff
)

// GetCapabilities request flags.
const FlagAutoconnect uint8 = 1 << 0

// Header is the fixed prefix of every message. Length covers the header
// itself plus the payload.
type Header struct {
	Type   MessageType
	Name   OpCode
	Length uint16
}

// ParseHeader decodes the 4-byte message header and validates the declared
// length against protocol bounds.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortMessage
	}
	h := Header{
		Type:   MessageType(b[0]),
		Name:   OpCode(b[1]),
		Length: binary.LittleEndian.Uint16(b[2:4]),
	}
	if h.Length < HeaderSize || h.Length > MaxMessageSize {
		return Header{}, ErrBadLength
	}
	return h, nil
}

func (h Header) append(dst []byte) []byte {
	dst = append(dst, byte(h.Type), byte(h.Name))
	return binary.LittleEndian.AppendUint16(dst, h.Length)
}

// putString writes s into a fixed-width NUL-terminated field.
func putString(dst []byte, width int, s string) ([]byte, error) {
	if len(s) >= width {
		return nil, fmt.Errorf("%w: %q in %d bytes", ErrStringTooLong, s, width)
	}
	field := make([]byte, width)
	copy(field, s)
	return append(dst, field...), nil
}

// parseString reads a fixed-width field, requiring the terminating NUL that
// the protocol mandates on the final byte.
func parseString(b []byte, width int) (string, error) {
	if len(b) < width {
		return "", ErrShortMessage
	}
	if b[width-1] != 0 {
		return "", ErrBadString
	}
	for i := 0; i < width; i++ {
		if b[i] == 0 {
			return string(b[:i]), nil
		}
	}
	return "", ErrBadString
}

// Builder assembles one outbound message under the protocol size cap. The
// header length field is patched on Bytes.
type Builder struct {
	buf []byte
	max int
}

// NewBuilder starts a message of the given type and name.
func NewBuilder(t MessageType, name OpCode) *Builder {
	b := &Builder{buf: make([]byte, 0, 64), max: MaxMessageSize}
	b.buf = Header{Type: t, Name: name}.append(b.buf)
	return b
}

// Append adds raw payload bytes. When the message would exceed the size cap
// the append is rejected and the buffer left untouched.
func (b *Builder) Append(p []byte) error {
	if len(b.buf)+len(p) > b.max {
		return ErrNoSpace
	}
	b.buf = append(b.buf, p...)
	return nil
}

// Len reports the current message size.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes finalizes the message, patching the header length.
func (b *Builder) Bytes() []byte {
	binary.LittleEndian.PutUint16(b.buf[2:4], uint16(len(b.buf)))
	return b.buf
}
