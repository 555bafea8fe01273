package fabric

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/raskyld/cohort"
	"github.com/raskyld/cohort/pkg/mesh"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrameCodec(t *testing.T) {
	frames := []mesh.Frame{
		{Handle: cohort.WorldHandle, Source: 0, Tag: 3, Payload: []byte("hello")},
		{Handle: cohort.Handle(2<<32 | 7), Source: 12, Tag: -4, Payload: nil},
		{Handle: cohort.WorldHandle, Source: 1, Tag: 0, Payload: bytes.Repeat([]byte{0xAB}, 70000)},
	}

	var stream []byte
	for _, f := range frames {
		stream = AppendFrame(stream, f)
	}

	r := bufio.NewReader(bytes.NewReader(stream))
	for _, want := range frames {
		got, err := ReadFrame(r)
		require.NoError(t, err)
		require.Equal(t, want.Handle, got.Handle)
		require.Equal(t, want.Source, got.Source)
		require.Equal(t, want.Tag, got.Tag)
		require.Equal(t, len(want.Payload), len(got.Payload))
		if len(want.Payload) > 0 {
			require.Equal(t, want.Payload, got.Payload)
		}
	}

	_, err := ReadFrame(r)
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameCodecRejects(t *testing.T) {
	t.Run("truncated body", func(t *testing.T) {
		buf := AppendFrame(nil, mesh.Frame{Handle: cohort.WorldHandle, Payload: []byte("abcdef")})
		_, err := ReadFrame(bufio.NewReader(bytes.NewReader(buf[:len(buf)-2])))
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("too large", func(t *testing.T) {
		buf := protowire.AppendVarint(nil, MaxFrameSize+1)
		_, err := ReadFrame(bufio.NewReader(bytes.NewReader(buf)))
		require.ErrorIs(t, err, ErrTooLargeFrame)
	})

	t.Run("garbage body", func(t *testing.T) {
		body := []byte{0xFF, 0xFF, 0xFF}
		buf := protowire.AppendVarint(nil, uint64(len(body)))
		buf = append(buf, body...)
		_, err := ReadFrame(bufio.NewReader(bytes.NewReader(buf)))
		require.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("unknown fields are skipped", func(t *testing.T) {
		var body []byte
		body = protowire.AppendTag(body, 9, protowire.BytesType)
		body = protowire.AppendString(body, "future")
		body = protowire.AppendTag(body, fieldSource, protowire.VarintType)
		body = protowire.AppendVarint(body, 5)
		buf := protowire.AppendVarint(nil, uint64(len(body)))
		buf = append(buf, body...)

		f, err := ReadFrame(bufio.NewReader(bytes.NewReader(buf)))
		require.NoError(t, err)
		require.Equal(t, 5, f.Source)
	})
}
