package backbone_test

import (
	"bytes"
	"errors"
	"testing"

	"pgregory.net/rapid"

	"github.com/aretw0/orchestra/pkg/backbone"
	"github.com/aretw0/orchestra/pkg/domain"
)

func frameGen() *rapid.Generator[backbone.Frame] {
	return rapid.Custom(func(t *rapid.T) backbone.Frame {
		typ := rapid.SampledFrom([]backbone.FrameType{
			backbone.FrameData, backbone.FramePing, backbone.FramePong, backbone.FrameClose,
		}).Draw(t, "type")
		payload := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "payload")
		return backbone.Frame{Type: typ, Payload: payload}
	})
}

// TestProperty_FrameStreamDecodesInOrder writes a random sequence of frames to
// one stream and reads them back.
func TestProperty_FrameStreamDecodesInOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		frames := rapid.SliceOfN(frameGen(), 1, 20).Draw(t, "frames")

		var buf bytes.Buffer
		for _, f := range frames {
			if err := backbone.WriteFrame(&buf, f, backbone.DefaultMaxPayload); err != nil {
				t.Fatalf("write: %v", err)
			}
		}

		for i, want := range frames {
			got, err := backbone.ReadFrame(&buf, backbone.DefaultMaxPayload)
			if err != nil {
				t.Fatalf("frame %d: %v", i, err)
			}
			if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
				t.Fatalf("frame %d: got %v/%d bytes, want %v/%d bytes", i, got.Type, len(got.Payload), want.Type, len(want.Payload))
			}
		}
		if buf.Len() != 0 {
			t.Fatalf("%d trailing bytes", buf.Len())
		}
	})
}

// TestProperty_TruncatedFrameIsRejected cuts an encoded frame short at a random point.
func TestProperty_TruncatedFrameIsRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := frameGen().Draw(t, "frame")
		enc := backbone.AppendFrame(nil, f)
		cut := rapid.IntRange(0, len(enc)-1).Draw(t, "cut")

		_, _, err := backbone.DecodeFrame(enc[:cut], backbone.DefaultMaxPayload)
		if err == nil {
			t.Fatalf("decoded a frame truncated to %d of %d bytes", cut, len(enc))
		}
		var te *domain.TransportError
		if !errors.As(err, &te) || te.Kind != domain.TransportProtocol {
			t.Fatalf("want protocol error, got %v", err)
		}
	})
}

// TestProperty_HeaderLayout checks the version byte, type byte and big-endian length.
func TestProperty_HeaderLayout(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := frameGen().Draw(t, "frame")
		enc := backbone.AppendFrame(nil, f)

		if len(enc) != backbone.HeaderSize+len(f.Payload) {
			t.Fatalf("encoded length %d", len(enc))
		}
		if enc[0] != backbone.ProtocolVersion || backbone.FrameType(enc[1]) != f.Type {
			t.Fatalf("bad header %x", enc[:2])
		}
		n := int(enc[2])<<24 | int(enc[3])<<16 | int(enc[4])<<8 | int(enc[5])
		if n != len(f.Payload) {
			t.Fatalf("length prefix %d, payload %d", n, len(f.Payload))
		}
	})
}
