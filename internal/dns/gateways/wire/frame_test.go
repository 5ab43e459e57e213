package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToFramed_LengthPrefix(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "empty", payload: []byte{}},
		{name: "single byte", payload: []byte{0x42}},
		{name: "typical query", payload: []byte("\x00\x01standard-query-bytes")},
		{name: "needs high byte", payload: bytes.Repeat([]byte{0xab}, 300)},
		{name: "maximum", payload: bytes.Repeat([]byte{0x01}, MaxMessageLen)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			framed, err := ToFramed(tt.payload)
			require.NoError(t, err)

			assert.Len(t, framed, len(tt.payload)+2)
			assert.Equal(t, uint16(len(tt.payload)), binary.BigEndian.Uint16(framed[:2]))
			assert.Equal(t, tt.payload, framed[2:])

			back, err := FromFramed(framed)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, back)
			assert.NoError(t, CheckFramed(framed))
		})
	}
}

func TestToFramed_TooLarge(t *testing.T) {
	framed, err := ToFramed(make([]byte, MaxMessageLen+1))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Nil(t, framed)
}

func TestToFramed_DoesNotAliasPayload(t *testing.T) {
	payload := []byte{1, 2, 3}
	framed, err := ToFramed(payload)
	require.NoError(t, err)

	framed[2] = 9
	assert.Equal(t, []byte{1, 2, 3}, payload)
}

func TestFromFramed(t *testing.T) {
	tests := []struct {
		name    string
		framed  []byte
		want    []byte
		wantErr error
	}{
		{name: "nil", framed: nil, wantErr: ErrShortFrame},
		{name: "one byte", framed: []byte{0x00}, wantErr: ErrShortFrame},
		{name: "prefix only", framed: []byte{0x00, 0x00}, want: []byte{}},
		{
			// the declared length is not trusted or checked
			name:   "declared length disagrees",
			framed: []byte("\x00\x21\x00\x01answer-bytes"),
			want:   []byte("\x00\x01answer-bytes"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromFramed(tt.framed)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, len(tt.framed)-2)
		})
	}
}

func TestCheckFramed(t *testing.T) {
	assert.NoError(t, CheckFramed([]byte{0x00, 0x02, 0xaa, 0xbb}))
	assert.ErrorIs(t, CheckFramed([]byte{0x00, 0x03, 0xaa, 0xbb}), ErrFrameLength)
	assert.ErrorIs(t, CheckFramed([]byte{0x00, 0x01, 0xaa, 0xbb}), ErrFrameLength)
	assert.ErrorIs(t, CheckFramed([]byte{0x00}), ErrShortFrame)
}

func TestDeclaredLen(t *testing.T) {
	n, err := DeclaredLen([]byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, 258, n)

	_, err = DeclaredLen(nil)
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestReadFrame(t *testing.T) {
	t.Run("reads exactly one frame", func(t *testing.T) {
		first, _ := ToFramed([]byte("first"))
		second, _ := ToFramed([]byte("second"))
		r := bytes.NewReader(append(append([]byte{}, first...), second...))

		got, err := ReadFrame(r)
		require.NoError(t, err)
		assert.Equal(t, first, got)

		got, err = ReadFrame(r)
		require.NoError(t, err)
		assert.Equal(t, second, got)

		_, err = ReadFrame(r)
		assert.Equal(t, io.EOF, err)
	})

	t.Run("reassembles a frame split across reads", func(t *testing.T) {
		framed, _ := ToFramed([]byte("split across several packets"))
		got, err := ReadFrame(iotest.OneByteReader(bytes.NewReader(framed)))
		require.NoError(t, err)
		assert.Equal(t, framed, got)
	})

	t.Run("truncated payload", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x05, 'a', 'b'}))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("truncated prefix", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader([]byte{0x00}))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("empty payload", func(t *testing.T) {
		got, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x00}))
		require.NoError(t, err)
		assert.Equal(t, []byte{0x00, 0x00}, got)
	})
}
