// Package wire translates between datagram DNS framing (a bare message per packet)
// and stream DNS framing (a 2-byte big-endian length prefix followed by the message,
// RFC 1035 section 4.2.2 and RFC 7858). Messages are treated as opaque bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderLen is the size of the stream length prefix.
const HeaderLen = 2

// MaxMessageLen is the largest payload a 16-bit length prefix can describe.
const MaxMessageLen = math.MaxUint16

var (
	// ErrMessageTooLarge is returned when a payload does not fit the 16-bit length prefix.
	ErrMessageTooLarge = errors.New("message exceeds 65535 bytes")

	// ErrShortFrame is returned when a framed message is shorter than its length prefix.
	ErrShortFrame = errors.New("framed message shorter than length prefix")

	// ErrFrameLength is returned by CheckFramed when the declared length disagrees
	// with the number of payload bytes present.
	ErrFrameLength = errors.New("declared length does not match payload")
)

// ToFramed prepends the 2-byte big-endian length of payload.
// The result is always len(payload)+2 bytes; payload is not modified.
func ToFramed(payload []byte) ([]byte, error) {
	if len(payload) > MaxMessageLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}
	framed := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint16(framed, uint16(len(payload)))
	copy(framed[HeaderLen:], payload)
	return framed, nil
}

// FromFramed strips the length prefix and returns the remainder as is.
// The declared length is not compared with the remainder; use CheckFramed for that.
func FromFramed(framed []byte) ([]byte, error) {
	if len(framed) < HeaderLen {
		return nil, ErrShortFrame
	}
	return framed[HeaderLen:], nil
}

// DeclaredLen returns the length carried in the prefix of framed.
func DeclaredLen(framed []byte) (int, error) {
	if len(framed) < HeaderLen {
		return 0, ErrShortFrame
	}
	return int(binary.BigEndian.Uint16(framed)), nil
}

// CheckFramed reports whether the remainder of framed is exactly as long as declared.
func CheckFramed(framed []byte) error {
	declared, err := DeclaredLen(framed)
	if err != nil {
		return err
	}
	if got := len(framed) - HeaderLen; got != declared {
		return fmt.Errorf("%w: declared %d, got %d", ErrFrameLength, declared, got)
	}
	return nil
}

// ReadFrame reads one framed message from r: the prefix, then exactly the declared
// number of bytes. It returns prefix and payload together.
//
// A clean io.EOF before any byte of the prefix is returned unchanged so callers can
// tell an orderly close from a truncated message, which yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[:]))
	framed := make([]byte, HeaderLen+length)
	copy(framed, header[:])
	if _, err := io.ReadFull(r, framed[HeaderLen:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return framed, nil
}
