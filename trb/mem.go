package trb

import "github.com/ardnew/usbssp/pkg"

// Load reads the TRB stored at b[0:Size]. Field 3 is read first so that the
// payload observed belongs to the owner indicated by its cycle bit.
func Load(b []byte) TRB {
	var t TRB
	t[3] = pkg.LoadLE32(b[12:])
	t[0] = pkg.LoadLE32(b[0:])
	t[1] = pkg.LoadLE32(b[4:])
	t[2] = pkg.LoadLE32(b[8:])
	return t
}

// Store writes t at b[0:Size]. Field 3, which carries the cycle bit, is
// written last so the consumer never sees a new cycle bit with a stale payload.
func Store(b []byte, t TRB) {
	pkg.StoreLE32(b[0:], t[0])
	pkg.StoreLE32(b[4:], t[1])
	pkg.StoreLE32(b[8:], t[2])
	pkg.StoreLE32(b[12:], t[3])
}

// LoadControl reads only field 3.
func LoadControl(b []byte) uint32 { return pkg.LoadLE32(b[12:]) }

// StoreControl writes only field 3.
func StoreControl(b []byte, v uint32) { pkg.StoreLE32(b[12:], v) }

// Bytes encodes t into a fresh little-endian byte slice.
func (t TRB) Bytes() []byte {
	b := make([]byte, Size)
	Store(b, t)
	return b
}
