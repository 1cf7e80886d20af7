package iokit

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// NewPayloadBuilder instantiates a new PayloadBuilder.
func NewPayloadBuilder() *PayloadBuilder {
	return &PayloadBuilder{}
}

// PayloadBuilder helps build payloads and other binary sequences
// by implementing the "builder pattern".
//
// For methods that take endianness as an optional argument,
// the default is little endian. The default endianness can
// be overridden using SetEndianness.
type PayloadBuilder struct {
	buf bytes.Buffer
	bo  binary.ByteOrder
	err error
}

// SetEndianness sets the default endianness for the methods that take
// endianness as an optional argument.
func (o *PayloadBuilder) SetEndianness(order binary.ByteOrder) *PayloadBuilder {
	o.bo = order

	return o
}

func (o *PayloadBuilder) getEndianness(optOrder ...binary.ByteOrder) binary.ByteOrder {
	switch len(optOrder) {
	case 0:
		if o.bo == nil {
			return binary.LittleEndian
		}
		return o.bo
	case 1:
		return optOrder[0]
	default:
		panic("only one binary.ByteOrder may be specified")
	}
}

// Uint64 writes an unsigned 64-bit integer to the payload.
// The endianness can be specified by the optOrder argument.
// If the optOrder argument is unspecified, the default
// endianness set by SetEndianness will be used.
func (o *PayloadBuilder) Uint64(u uint64, optOrder ...binary.ByteOrder) *PayloadBuilder {
	b := make([]byte, 8)

	o.getEndianness(optOrder...).PutUint64(b, u)

	return o.Bytes(b)
}

// Byter abstracts types that can be represented as a []byte.
type Byter interface {
	// Bytes returns the object as a []byte.
	Bytes() []byte
}

// Pointer writes a raw pointer as a []byte to the payload.
func (o *PayloadBuilder) Pointer(pointer Byter) *PayloadBuilder {
	return o.Bytes(pointer.Bytes())
}

// Bytes writes the specified []byte to the payload.
func (o *PayloadBuilder) Bytes(b []byte) *PayloadBuilder {
	if o.err != nil {
		return o
	}

	o.buf.Write(b)

	return o
}

// String writes the specified string to the payload.
func (o *PayloadBuilder) String(str string) *PayloadBuilder {
	return o.Bytes([]byte(str))
}

// Ljust pads the payload with pad until it is n bytes long.
// It does nothing if the payload is already n bytes or longer.
func (o *PayloadBuilder) Ljust(n int, pad byte) *PayloadBuilder {
	if o.err != nil || o.buf.Len() >= n {
		return o
	}

	return o.Bytes(bytes.Repeat([]byte{pad}, n-o.buf.Len()))
}

// Fail makes the builder fail with err. Subsequent writes are
// ignored. Only the first error is kept.
func (o *PayloadBuilder) Fail(err error) *PayloadBuilder {
	if o.err == nil {
		o.err = err
	}

	return o
}

// Len returns the current payload length.
func (o *PayloadBuilder) Len() int {
	return o.buf.Len()
}

// Result returns the payload, or the first error that occurred
// while building it.
func (o *PayloadBuilder) Result() ([]byte, error) {
	if o.err != nil {
		return nil, fmt.Errorf("failed to build payload - %w", o.err)
	}

	return bytes.Clone(o.buf.Bytes()), nil
}

// Build returns the payload as a []byte. It calls DefaultExitFn if
// an error occurred.
func (o *PayloadBuilder) Build() []byte {
	b, err := o.Result()
	if err != nil {
		DefaultExitFn(err)
	}

	return b
}
