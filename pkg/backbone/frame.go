package backbone

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/aretw0/orchestra/pkg/domain"
)

// Wire format: [version:1][type:1][length:4 big-endian][payload].
const (
	ProtocolVersion = 1
	HeaderSize      = 6
	// DefaultMaxPayload bounds a single frame payload.
	DefaultMaxPayload = 16 << 20
)

// FrameType tags the payload of a frame.
type FrameType uint8

const (
	FrameData  FrameType = 0x01
	FramePing  FrameType = 0x02
	FramePong  FrameType = 0x03
	FrameClose FrameType = 0x04
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "data"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	}
	return fmt.Sprintf("frame(0x%02x)", uint8(t))
}

func (t FrameType) valid() bool {
	return t >= FrameData && t <= FrameClose
}

// Frame is one unit on the wire.
type Frame struct {
	Type    FrameType
	Payload []byte
}

var (
	// ErrUnsupportedVersion is returned for frames whose version byte is not ProtocolVersion.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	// ErrFrameTooLarge is returned when a length prefix exceeds the payload limit.
	ErrFrameTooLarge = errors.New("frame payload too large")
	// ErrUnknownFrameType is returned for type bytes outside the known set.
	ErrUnknownFrameType = errors.New("unknown frame type")
)

func protocolError(err error) error {
	return &domain.TransportError{Kind: domain.TransportProtocol, Err: err}
}

// AppendFrame appends the encoding of f to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	var hdr [HeaderSize]byte
	hdr[0] = ProtocolVersion
	hdr[1] = byte(f.Type)
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(f.Payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...)
}

// WriteFrame writes f to w in one call.
func WriteFrame(w io.Writer, f Frame, maxPayload int) error {
	if maxPayload > 0 && len(f.Payload) > maxPayload {
		return protocolError(fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(f.Payload), maxPayload))
	}
	if !f.Type.valid() {
		return protocolError(fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, uint8(f.Type)))
	}
	buf := AppendFrame(make([]byte, 0, HeaderSize+len(f.Payload)), f)
	if _, err := w.Write(buf); err != nil {
		return &domain.TransportError{Kind: domain.TransportSendFailed, Err: err}
	}
	return nil
}

// ReadFrame reads one frame from r. io.EOF is returned untouched when r ends
// cleanly between frames.
func ReadFrame(r io.Reader, maxPayload int) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, &domain.TransportError{Kind: domain.TransportReceiveFailed, Err: err}
	}
	if hdr[0] != ProtocolVersion {
		return Frame{}, protocolError(fmt.Errorf("%w: %d", ErrUnsupportedVersion, hdr[0]))
	}
	typ := FrameType(hdr[1])
	if !typ.valid() {
		return Frame{}, protocolError(fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, hdr[1]))
	}
	n := binary.BigEndian.Uint32(hdr[2:])
	if maxPayload > 0 && uint64(n) > uint64(maxPayload) {
		return Frame{}, protocolError(fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxPayload))
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, &domain.TransportError{Kind: domain.TransportReceiveFailed, Err: err}
	}
	return Frame{Type: typ, Payload: payload}, nil
}

// DecodeFrame parses a single complete frame from b and returns the remaining bytes.
func DecodeFrame(b []byte, maxPayload int) (Frame, []byte, error) {
	if len(b) < HeaderSize {
		return Frame{}, b, protocolError(io.ErrUnexpectedEOF)
	}
	if b[0] != ProtocolVersion {
		return Frame{}, b, protocolError(fmt.Errorf("%w: %d", ErrUnsupportedVersion, b[0]))
	}
	typ := FrameType(b[1])
	if !typ.valid() {
		return Frame{}, b, protocolError(fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, b[1]))
	}
	n := binary.BigEndian.Uint32(b[2:HeaderSize])
	if maxPayload > 0 && uint64(n) > uint64(maxPayload) {
		return Frame{}, b, protocolError(fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxPayload))
	}
	if uint64(len(b)-HeaderSize) < uint64(n) {
		return Frame{}, b, protocolError(io.ErrUnexpectedEOF)
	}
	end := HeaderSize + int(n)
	payload := make([]byte, n)
	copy(payload, b[HeaderSize:end])
	return Frame{Type: typ, Payload: payload}, b[end:], nil
}
