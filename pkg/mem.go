package pkg

import (
	"encoding/binary"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// Memory shared with the controller is little-endian and accessed one 32-bit
// word at a time with atomic loads and stores, so a word written by one side
// is never observed torn by the other. Offsets must be 4-byte aligned.

var bigEndianHost = binary.NativeEndian.Uint16([]byte{0x00, 0x01}) == 0x0001

func word(b []byte) *uint32 {
	_ = b[3]
	return (*uint32)(unsafe.Pointer(&b[0]))
}

// LoadLE32 atomically loads the little-endian word at b[0:4].
func LoadLE32(b []byte) uint32 {
	v := atomic.LoadUint32(word(b))
	if bigEndianHost {
		v = bits.ReverseBytes32(v)
	}
	return v
}

// StoreLE32 atomically stores v little-endian at b[0:4].
func StoreLE32(b []byte, v uint32) {
	if bigEndianHost {
		v = bits.ReverseBytes32(v)
	}
	atomic.StoreUint32(word(b), v)
}

// LoadLE64 loads the little-endian doubleword at b[0:8], low word first.
func LoadLE64(b []byte) uint64 {
	return uint64(LoadLE32(b)) | uint64(LoadLE32(b[4:]))<<32
}

// StoreLE64 stores v little-endian at b[0:8], low word first.
func StoreLE64(b []byte, v uint64) {
	StoreLE32(b, uint32(v))
	StoreLE32(b[4:], uint32(v>>32))
}
