package hal

import "github.com/ardnew/usbssp/pkg"

// Context geometry for 32-byte contexts.
const (
	ContextSize         = 32
	NumEndpointContexts = 31
	DeviceContextSize   = ContextSize * (1 + NumEndpointContexts)
	InputContextSize    = ContextSize * (2 + NumEndpointContexts)
	ContextAlign        = 64
	MaxEndpointIndex    = NumEndpointContexts - 1
)

// SlotAddFlag is the input control add flag of the slot context.
const SlotAddFlag uint32 = 1 << 0

// SlotState is the slot state field of a slot context.
type SlotState uint8

// Slot states.
const (
	SlotDisabled   SlotState = 0
	SlotDefault    SlotState = 1
	SlotAddressed  SlotState = 2
	SlotConfigured SlotState = 3
)

func (s SlotState) String() string {
	switch s {
	case SlotDisabled:
		return "disabled"
	case SlotDefault:
		return "default"
	case SlotAddressed:
		return "addressed"
	case SlotConfigured:
		return "configured"
	}
	return "reserved"
}

// EndpointContextState is the endpoint state field of an endpoint context.
type EndpointContextState uint8

// Endpoint context states.
const (
	EPCtxDisabled EndpointContextState = 0
	EPCtxRunning  EndpointContextState = 1
	EPCtxHalted   EndpointContextState = 2
	EPCtxStopped  EndpointContextState = 3
	EPCtxError    EndpointContextState = 4
)

// EndpointType is the endpoint type field of an endpoint context.
type EndpointType uint8

// Endpoint context types.
const (
	EPTypeInvalid  EndpointType = 0
	EPTypeIsochOut EndpointType = 1
	EPTypeBulkOut  EndpointType = 2
	EPTypeIntOut   EndpointType = 3
	EPTypeControl  EndpointType = 4
	EPTypeIsochIn  EndpointType = 5
	EPTypeBulkIn   EndpointType = 6
	EPTypeIntIn    EndpointType = 7
)

// IsIn reports whether t moves data from device to host.
func (t EndpointType) IsIn() bool { return t > EPTypeControl }

// EndpointIndex maps a USB endpoint address to its zero-based context index.
// Endpoint 0 has index 0 in both directions.
func EndpointIndex(addr uint8) int {
	num := int(addr & 0x0f)
	if num == 0 {
		return 0
	}
	idx := num * 2
	if addr&0x80 != 0 {
		return idx
	}
	return idx - 1
}

// EndpointAddress is the inverse of [EndpointIndex].
func EndpointAddress(index int) uint8 {
	if index <= 0 {
		return 0
	}
	num := uint8((index + 1) / 2)
	if index%2 == 0 {
		return num | 0x80
	}
	return num
}

// AddFlag returns the input control add/drop bit for endpoint index i.
func AddFlag(i int) uint32 { return 1 << (i + 1) }

// ContextType returns the endpoint context type for cfg.
func (e *EndpointConfig) ContextType() EndpointType {
	in := e.IsIn()
	switch e.TransferType() {
	case 0:
		return EPTypeControl
	case 1:
		if in {
			return EPTypeIsochIn
		}
		return EPTypeIsochOut
	case 2:
		if in {
			return EPTypeBulkIn
		}
		return EPTypeBulkOut
	default:
		if in {
			return EPTypeIntIn
		}
		return EPTypeIntOut
	}
}

type field struct {
	dw    int
	shift uint
	mask  uint32
}

func get(b []byte, f field) uint32 {
	return pkg.LoadLE32(b[f.dw*4:]) >> f.shift & f.mask
}

func set(b []byte, f field, v uint32) {
	w := pkg.LoadLE32(b[f.dw*4:]) &^ (f.mask << f.shift)
	pkg.StoreLE32(b[f.dw*4:], w|(v&f.mask)<<f.shift)
}

var (
	slotSpeed   = field{0, 20, 0xf}
	slotEntries = field{0, 27, 0x1f}
	slotPort    = field{1, 16, 0xff}
	slotAddress = field{3, 0, 0xff}
	slotState   = field{3, 27, 0x1f}

	epState     = field{0, 0, 0x7}
	epMult      = field{0, 8, 0x3}
	epStreams   = field{0, 10, 0x1f}
	epLSA       = field{0, 15, 0x1}
	epInterval  = field{0, 16, 0xff}
	epErrCount  = field{1, 1, 0x3}
	epType      = field{1, 3, 0x7}
	epMaxBurst  = field{1, 8, 0xff}
	epMaxPacket = field{1, 16, 0xffff}
	epAvgLength = field{4, 0, 0xffff}
)

// SlotContext is a view over a slot context.
type SlotContext []byte

func (s SlotContext) Speed() Speed             { return Speed(get(s, slotSpeed)) }
func (s SlotContext) SetSpeed(v Speed)         { set(s, slotSpeed, uint32(v)) }
func (s SlotContext) ContextEntries() int      { return int(get(s, slotEntries)) }
func (s SlotContext) SetContextEntries(n int)  { set(s, slotEntries, uint32(n)) }
func (s SlotContext) RootPort() uint8          { return uint8(get(s, slotPort)) }
func (s SlotContext) SetRootPort(p uint8)      { set(s, slotPort, uint32(p)) }
func (s SlotContext) Address() uint8           { return uint8(get(s, slotAddress)) }
func (s SlotContext) SetAddress(a uint8)       { set(s, slotAddress, uint32(a)) }
func (s SlotContext) State() SlotState         { return SlotState(get(s, slotState)) }
func (s SlotContext) SetState(st SlotState)    { set(s, slotState, uint32(st)) }
func (s SlotContext) Clear()                   { clear(s[:ContextSize]) }
func (s SlotContext) CopyFrom(src SlotContext) { copyContext(s, src) }

// EndpointContext is a view over an endpoint context.
type EndpointContext []byte

func (e EndpointContext) State() EndpointContextState     { return EndpointContextState(get(e, epState)) }
func (e EndpointContext) SetState(s EndpointContextState) { set(e, epState, uint32(s)) }
func (e EndpointContext) Mult() uint8                     { return uint8(get(e, epMult)) }
func (e EndpointContext) SetMult(v uint8)                 { set(e, epMult, uint32(v)) }
func (e EndpointContext) MaxPStreams() uint8              { return uint8(get(e, epStreams)) }
func (e EndpointContext) SetMaxPStreams(v uint8)          { set(e, epStreams, uint32(v)) }
func (e EndpointContext) LSA() bool                       { return get(e, epLSA) != 0 }
func (e EndpointContext) Interval() uint8                 { return uint8(get(e, epInterval)) }
func (e EndpointContext) SetInterval(v uint8)             { set(e, epInterval, uint32(v)) }
func (e EndpointContext) ErrorCount() uint8               { return uint8(get(e, epErrCount)) }
func (e EndpointContext) SetErrorCount(v uint8)           { set(e, epErrCount, uint32(v)) }
func (e EndpointContext) Type() EndpointType              { return EndpointType(get(e, epType)) }
func (e EndpointContext) SetType(t EndpointType)          { set(e, epType, uint32(t)) }
func (e EndpointContext) MaxBurst() uint8                 { return uint8(get(e, epMaxBurst)) }
func (e EndpointContext) SetMaxBurst(v uint8)             { set(e, epMaxBurst, uint32(v)) }
func (e EndpointContext) MaxPacket() uint16               { return uint16(get(e, epMaxPacket)) }
func (e EndpointContext) SetMaxPacket(v uint16)           { set(e, epMaxPacket, uint32(v)) }
func (e EndpointContext) AvgTRBLength() uint16            { return uint16(get(e, epAvgLength)) }
func (e EndpointContext) SetAvgTRBLength(v uint16)        { set(e, epAvgLength, uint32(v)) }
func (e EndpointContext) Clear()                          { clear(e[:ContextSize]) }
func (e EndpointContext) CopyFrom(src EndpointContext)    { copyContext(e, src) }

// SetLSA marks the dequeue pointer as addressing a linear stream array.
func (e EndpointContext) SetLSA(on bool) {
	v := uint32(0)
	if on {
		v = 1
	}
	set(e, epLSA, v)
}

// Dequeue returns the TR dequeue pointer and the dequeue cycle state. For a
// stream endpoint the pointer addresses the stream context array.
func (e EndpointContext) Dequeue() (uint64, bool) {
	v := pkg.LoadLE64(e[8:])
	return v &^ 0xf, v&1 != 0
}

// SetDequeue stores the TR dequeue pointer with its cycle state.
func (e EndpointContext) SetDequeue(addr uint64, cycle bool) {
	v := addr &^ 0xf
	if cycle {
		v |= 1
	}
	pkg.StoreLE64(e[8:], v)
}

func copyContext(dst, src []byte) {
	for i := 0; i < ContextSize; i += 4 {
		pkg.StoreLE32(dst[i:], pkg.LoadLE32(src[i:]))
	}
}

// DeviceContext is a view over the output device context the controller
// maintains for a slot.
type DeviceContext []byte

// Slot returns the slot context.
func (d DeviceContext) Slot() SlotContext { return SlotContext(d[:ContextSize]) }

// Endpoint returns the context of endpoint index i.
func (d DeviceContext) Endpoint(i int) EndpointContext {
	off := ContextSize * (1 + i)
	return EndpointContext(d[off : off+ContextSize])
}

// InputContext is a view over an input context: the control context holding
// the drop and add flags, then a slot context and the endpoint contexts.
type InputContext []byte

// DropFlags returns the drop flags of the input control context.
func (c InputContext) DropFlags() uint32 { return pkg.LoadLE32(c[0:]) }

// AddFlags returns the add flags of the input control context.
func (c InputContext) AddFlags() uint32 { return pkg.LoadLE32(c[4:]) }

// SetFlags replaces both flag words.
func (c InputContext) SetFlags(drop, add uint32) {
	pkg.StoreLE32(c[0:], drop)
	pkg.StoreLE32(c[4:], add)
}

// Slot returns the input slot context.
func (c InputContext) Slot() SlotContext {
	return SlotContext(c[ContextSize : 2*ContextSize])
}

// Endpoint returns the input context of endpoint index i.
func (c InputContext) Endpoint(i int) EndpointContext {
	off := ContextSize * (2 + i)
	return EndpointContext(c[off : off+ContextSize])
}
