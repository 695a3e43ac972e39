package framing

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func encode(msgs ...[]byte) []byte {
	var buf bytes.Buffer
	for _, m := range msgs {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(m)))
		buf.Write(length[:])
		buf.Write(m)
	}
	return buf.Bytes()
}

func TestLengthPrefixedFeedsCompleteMessages(t *testing.T) {
	f := LengthPrefixed{}
	data := encode([]byte("hello"), []byte("world!"))

	msgs, consumed, err := f.Feed(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consumed != len(data) {
		t.Fatalf("consumed = %d, want %d", consumed, len(data))
	}
	if len(msgs) != 2 || string(msgs[0]) != "hello" || string(msgs[1]) != "world!" {
		t.Fatalf("unexpected messages: %v", msgs)
	}
}

func TestLengthPrefixedLeavesPartialMessageBuffered(t *testing.T) {
	f := LengthPrefixed{}
	full := encode([]byte("complete"))
	partial := encode([]byte("incomplete"))[:6]
	data := append(full, partial...)

	msgs, consumed, err := f.Feed(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0]) != "complete" {
		t.Fatalf("unexpected messages: %v", msgs)
	}
	if consumed != len(full) {
		t.Fatalf("consumed = %d, want %d (partial message must stay buffered)", consumed, len(full))
	}
}

func TestLengthPrefixedRejectsOversizedMessage(t *testing.T) {
	f := LengthPrefixed{MaxMessageSize: 4}
	data := encode([]byte("toolong"))

	_, _, err := f.Feed(data)
	if err != ErrMessageTooLarge {
		t.Fatalf("err = %v, want ErrMessageTooLarge", err)
	}
}
