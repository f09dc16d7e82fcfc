package backbone_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/orchestra/pkg/backbone"
	"github.com/aretw0/orchestra/pkg/domain"
)

func TestReadFrame_RejectsUnsupportedVersion(t *testing.T) {
	raw := []byte{2, byte(backbone.FrameData), 0, 0, 0, 0}

	_, err := backbone.ReadFrame(bytes.NewReader(raw), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, backbone.ErrUnsupportedVersion)
	assert.False(t, domain.IsRetryable(err))
}

func TestReadFrame_RejectsOversizedPayload(t *testing.T) {
	raw := []byte{backbone.ProtocolVersion, byte(backbone.FrameData), 0, 0, 1, 0} // 256 bytes

	_, err := backbone.ReadFrame(bytes.NewReader(raw), 128)
	assert.ErrorIs(t, err, backbone.ErrFrameTooLarge)

	err = backbone.WriteFrame(io.Discard, backbone.Frame{Type: backbone.FrameData, Payload: make([]byte, 129)}, 128)
	assert.ErrorIs(t, err, backbone.ErrFrameTooLarge)
}

func TestReadFrame_RejectsUnknownType(t *testing.T) {
	raw := []byte{backbone.ProtocolVersion, 0x09, 0, 0, 0, 0}

	_, err := backbone.ReadFrame(bytes.NewReader(raw), 0)
	assert.ErrorIs(t, err, backbone.ErrUnknownFrameType)
}

func TestReadFrame_CleanEOF(t *testing.T) {
	_, err := backbone.ReadFrame(bytes.NewReader(nil), 0)
	assert.Equal(t, io.EOF, err)
}

func TestDecodeFrame_ReturnsRemainder(t *testing.T) {
	enc := backbone.AppendFrame(nil, backbone.Frame{Type: backbone.FramePing, Payload: []byte("hi")})
	enc = backbone.AppendFrame(enc, backbone.Frame{Type: backbone.FrameClose})

	f, rest, err := backbone.DecodeFrame(enc, 0)
	require.NoError(t, err)
	assert.Equal(t, backbone.FramePing, f.Type)
	assert.Equal(t, []byte("hi"), f.Payload)

	f, rest, err = backbone.DecodeFrame(rest, 0)
	require.NoError(t, err)
	assert.Equal(t, backbone.FrameClose, f.Type)
	assert.Empty(t, rest)
}
