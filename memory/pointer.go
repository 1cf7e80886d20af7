package memory

import (
	"encoding/binary"
	"fmt"
)

// PointerMakerForX86_64 returns a PointerMaker for little endian,
// 8-byte pointers.
func PointerMakerForX86_64() PointerMaker {
	return PointerMaker{
		byteOrder: binary.LittleEndian,
		ptrSize:   8,
	}
}

// PointerMaker turns addresses into their in-memory representation,
// i.e., what pwntools calls p64.
type PointerMaker struct {
	byteOrder binary.ByteOrder
	ptrSize   int
}

// FromUint packs address. Bits that do not fit are discarded.
func (o PointerMaker) FromUint(address uint64) Pointer {
	out := make([]byte, o.ptrSize)
	switch o.ptrSize {
	case 2:
		o.byteOrder.PutUint16(out, uint16(address))
	case 4:
		o.byteOrder.PutUint32(out, uint32(address))
	case 8:
		o.byteOrder.PutUint64(out, address)
	default:
		panic(fmt.Sprintf("unsupported pointer size: %d", o.ptrSize))
	}

	return Pointer{
		bytes: out,
	}
}

// Pointer is a packed address.
type Pointer struct {
	bytes []byte
}

// Bytes returns the packed representation.
func (o Pointer) Bytes() []byte {
	return o.bytes
}
