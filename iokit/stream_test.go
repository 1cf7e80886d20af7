package iokit

import (
	"testing"
)

func TestInputStream(t *testing.T) {
	stream := NewInputStream([]byte("AAAABBBBCCCC"))

	if string(stream.Read(4)) != "AAAA" {
		t.Fatal("first read returned the wrong bytes")
	}

	if string(stream.Skip(4)) != "BBBB" {
		t.Fatal("skip passed over the wrong bytes")
	}

	if string(stream.Read(100)) != "CCCC" {
		t.Fatal("reading past the end should return the remaining bytes")
	}

	if stream.NrBytesRead() != 8 {
		t.Fatalf("expected 8 bytes read - got %d", stream.NrBytesRead())
	}

	if stream.NrBytesSkipped() != 4 {
		t.Fatalf("expected 4 bytes skipped - got %d", stream.NrBytesSkipped())
	}

	if stream.NrBytesConsumed() != 12 || stream.Remaining() != 0 {
		t.Fatalf("expected the stream to be exhausted - consumed %d, remaining %d",
			stream.NrBytesConsumed(), stream.Remaining())
	}

	if len(stream.Read(1)) != 0 {
		t.Fatal("reading an exhausted stream should return nothing")
	}
}

func TestPayloadBuilder_Fail(t *testing.T) {
	_, err := NewPayloadBuilder().
		Uint64(1).
		Fail(errBoom).
		Uint64(2).
		Result()
	if err == nil {
		t.Fatal("expected an error")
	}
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom = boomError{}
