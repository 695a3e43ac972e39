// Package framing provides the embedder-suppliable byte-stream framer
// referenced by the handler's read path: it turns a growing read buffer
// into a list of complete application messages plus the count of bytes
// those messages consumed.
package framing

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrMessageTooLarge is returned when a declared message length exceeds
// the framer's configured maximum, surfaced to the embedder as a
// FRAMING failure.
var ErrMessageTooLarge = errors.New("framing: message exceeds maximum size")

// Framer segments a byte stream into complete messages. Feed is called
// with every byte currently buffered for a connection; it returns the
// complete messages found at the front of the buffer and how many bytes
// they consumed. Unconsumed bytes remain buffered for the next Feed call.
// A non-nil error is a framing violation: the handler reports
// on_malformed_message and closes the connection.
type Framer interface {
	Feed(buf []byte) (messages [][]byte, consumed int, err error)
}

// LengthPrefixed is a framer using a 4-byte big-endian length prefix
// ahead of every message, the simplest instance of the length-framed
// byte vectors the handler forwards to the embedder. MaxMessageSize of
// zero means unbounded.
type LengthPrefixed struct {
	MaxMessageSize uint32
}

// Feed implements Framer.
func (f LengthPrefixed) Feed(buf []byte) ([][]byte, int, error) {
	var messages [][]byte
	consumed := 0
	for {
		remaining := buf[consumed:]
		if len(remaining) < 4 {
			break
		}
		length := binary.BigEndian.Uint32(remaining[:4])
		if f.MaxMessageSize != 0 && length > f.MaxMessageSize {
			return messages, consumed, ErrMessageTooLarge
		}
		if uint32(len(remaining)-4) < length {
			break
		}
		msg := make([]byte, length)
		copy(msg, remaining[4:4+length])
		messages = append(messages, msg)
		consumed += 4 + int(length)
	}
	return messages, consumed, nil
}
