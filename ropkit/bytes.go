package ropkit

import (
	"gitlab.com/stephen-fox/expgen/iokit"
)

// Bytes packs subchains into the bytes they occupy on the stack in
// the explored execution. Byte vectors are copied verbatim, every
// other value is a little endian qword. Snippets are skipped.
func Bytes(subchains ...Subchain) ([]byte, error) {
	pb := iokit.NewPayloadBuilder()

	for _, subchain := range subchains {
		for _, e := range subchain {
			switch v := e.(type) {
			case ByteVector:
				pb.Bytes(v)
			case Snippet:
			default:
				value, err := Value(e)
				if err != nil {
					return nil, err
				}

				pb.Uint64(value)
			}
		}
	}

	return pb.Result()
}

// Size returns the number of stack bytes a subchain occupies.
func Size(subchain Subchain) int {
	size := 0
	for _, e := range subchain {
		switch v := e.(type) {
		case ByteVector:
			size += len(v)
		case Snippet:
		default:
			size += 8
		}
	}

	return size
}
