package trb

import "fmt"

// Size is the size of one TRB in bytes.
const Size = 16

// TRB is one Transfer Request Block in host byte order. Field 3 always holds
// the cycle bit (bit 0) and the type (bits 10-15); the other fields are
// interpreted per type.
type TRB [4]uint32

// Type identifies the variant of a TRB.
type Type uint8

// Transfer ring TRB types.
const (
	TypeNormal    Type = 1
	TypeSetup     Type = 2
	TypeData      Type = 3
	TypeStatus    Type = 4
	TypeIsoch     Type = 5
	TypeLink      Type = 6
	TypeEventData Type = 7
	TypeNoOp      Type = 8
)

// Command ring TRB types.
const (
	TypeEnableSlot      Type = 9
	TypeDisableSlot     Type = 10
	TypeAddressDevice   Type = 11
	TypeConfigureEP     Type = 12
	TypeEvaluateContext Type = 13
	TypeResetEP         Type = 14
	TypeStopRing        Type = 15
	TypeSetDequeue      Type = 16
	TypeResetDevice     Type = 17
	TypeForceEvent      Type = 18
	TypeCommandNoOp     Type = 23
	TypeHaltEP          Type = 24
	TypeFlushEP         Type = 25
)

// Event ring TRB types.
const (
	TypeTransferEvent     Type = 32
	TypeCommandCompletion Type = 33
	TypePortStatusChange  Type = 34
	TypeControllerEvent   Type = 37
	TypeDeviceNotify      Type = 38
	TypeMFIndexWrap       Type = 39
	TypeSetupEvent        Type = 40
)

var typeNames = map[Type]string{
	TypeNormal:            "normal",
	TypeSetup:             "setup",
	TypeData:              "data",
	TypeStatus:            "status",
	TypeIsoch:             "isoch",
	TypeLink:              "link",
	TypeEventData:         "event_data",
	TypeNoOp:              "noop",
	TypeEnableSlot:        "enable_slot",
	TypeDisableSlot:       "disable_slot",
	TypeAddressDevice:     "address_device",
	TypeConfigureEP:       "configure_endpoint",
	TypeEvaluateContext:   "evaluate_context",
	TypeResetEP:           "reset_endpoint",
	TypeStopRing:          "stop_endpoint",
	TypeSetDequeue:        "set_dequeue",
	TypeResetDevice:       "reset_device",
	TypeForceEvent:        "force_event",
	TypeCommandNoOp:       "command_noop",
	TypeHaltEP:            "halt_endpoint",
	TypeFlushEP:           "flush_endpoint",
	TypeTransferEvent:     "transfer_event",
	TypeCommandCompletion: "command_completion",
	TypePortStatusChange:  "port_status_change",
	TypeControllerEvent:   "controller_event",
	TypeDeviceNotify:      "device_notification",
	TypeMFIndexWrap:       "mfindex_wrap",
	TypeSetupEvent:        "setup_event",
}

// String returns the type name.
func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Field 3 control bits.
const (
	Cycle      uint32 = 1 << 0  // ownership
	LinkToggle uint32 = 1 << 1  // link: toggle consumer cycle state
	ENT        uint32 = 1 << 1  // evaluate next TRB
	ISP        uint32 = 1 << 2  // interrupt on short packet
	EventData  uint32 = 1 << 2  // transfer event: pointer is event data
	NoSnoop    uint32 = 1 << 3  // no snoop
	Chain      uint32 = 1 << 4  // TD continues in next TRB
	IOC        uint32 = 1 << 5  // interrupt on completion
	IDT        uint32 = 1 << 6  // immediate data
	BEI        uint32 = 1 << 9  // block event interrupt
	BSR        uint32 = 1 << 9  // address device: block set address request
	DC         uint32 = 1 << 9  // configure endpoint: deconfigure
	TSP        uint32 = 1 << 9  // reset endpoint: transfer state preserve
	DirIn      uint32 = 1 << 16 // data/status stage direction
	Suspend    uint32 = 1 << 23 // stop endpoint: suspend
	SIA        uint32 = 1 << 31 // isoch: start as soon as possible
)

const (
	typeShift   = 10
	typeMask    = 0x3f << typeShift
	epIDShift   = 16
	epIDMask    = 0x1f << epIDShift
	slotShift   = 24
	setupShift  = 8
	setupMask   = 0x3 << setupShift
	codeShift   = 24
	lengthMask  = 0x1ffff
	tdSizeShift = 17
	tdSizeMax   = 31
	intrShift   = 22
	remainMask  = 0xffffff
	streamShift = 16
	portShift   = 24
)

// MaxTRBLength is the largest buffer one TRB can describe without crossing a
// 64 KiB boundary.
const MaxTRBLength = 1 << 16

// Type returns the TRB type.
func (t TRB) Type() Type { return Type((t[3] & typeMask) >> typeShift) }

// SetType replaces the TRB type, keeping the other control bits.
func (t *TRB) SetType(ty Type) {
	t[3] = t[3]&^typeMask | TypeField(ty)
}

// Cycle reports the cycle bit.
func (t TRB) Cycle() bool { return t[3]&Cycle != 0 }

// SetCycle sets or clears the cycle bit.
func (t *TRB) SetCycle(c bool) {
	if c {
		t[3] |= Cycle
	} else {
		t[3] &^= Cycle
	}
}

// Has reports whether all bits of flag are set in field 3.
func (t TRB) Has(flag uint32) bool { return t[3]&flag == flag }

// Pointer returns fields 0 and 1 as a 64-bit address.
func (t TRB) Pointer() uint64 { return uint64(t[0]) | uint64(t[1])<<32 }

// SetPointer stores a 64-bit address in fields 0 and 1.
func (t *TRB) SetPointer(addr uint64) {
	t[0] = uint32(addr)
	t[1] = uint32(addr >> 32)
}

// IsLink reports whether t is a link TRB.
func (t TRB) IsLink() bool { return t.Type() == TypeLink }

// IsNoOp reports whether t is a transfer or command no-op.
func (t TRB) IsNoOp() bool {
	ty := t.Type()
	return ty == TypeNoOp || ty == TypeCommandNoOp
}

// Length returns the transfer length of a transfer TRB.
func (t TRB) Length() int { return int(t[2] & lengthMask) }

// TDSize returns the TD size (packets remaining) field.
func (t TRB) TDSize() int { return int(t[2]>>tdSizeShift) & tdSizeMax }

// EndpointIndex returns the zero-based endpoint index from field 3.
func (t TRB) EndpointIndex() int { return int((t[3]&epIDMask)>>epIDShift) - 1 }

// SlotID returns the slot ID from field 3.
func (t TRB) SlotID() uint8 { return uint8(t[3] >> slotShift) }

// SetupID returns the setup tag of a setup event or control stage TRB.
func (t TRB) SetupID() uint8 { return uint8((t[3] & setupMask) >> setupShift) }

// StreamID returns the stream ID of a Set TR Dequeue command.
func (t TRB) StreamID() uint16 { return uint16(t[2] >> streamShift) }

// CompletionCode returns the completion code of an event TRB.
func (t TRB) CompletionCode() CompletionCode { return CompletionCode(t[2] >> codeShift) }

// Remaining returns the untransferred byte count of a transfer event.
func (t TRB) Remaining() int { return int(t[2] & remainMask) }

// CommandParam returns the completion parameter of a command completion event.
func (t TRB) CommandParam() uint32 { return t[2] & remainMask }

// PortID returns the port number of a port status change event.
func (t TRB) PortID() uint8 { return uint8(t[0] >> portShift) }

// SetupPacket returns the eight setup bytes of a setup event.
func (t TRB) SetupPacket() [8]byte {
	var b [8]byte
	for i := 0; i < 4; i++ {
		b[i] = byte(t[0] >> (8 * i))
		b[4+i] = byte(t[1] >> (8 * i))
	}
	return b
}

// String returns a compact description for logs.
func (t TRB) String() string {
	return fmt.Sprintf("%s [%08x %08x %08x %08x]", t.Type(), t[0], t[1], t[2], t[3])
}

// TypeField encodes ty into its field 3 position.
func TypeField(ty Type) uint32 { return uint32(ty) << typeShift }

// EndpointField encodes a zero-based endpoint index as an endpoint ID.
func EndpointField(epIndex int) uint32 { return (uint32(epIndex+1) << epIDShift) & epIDMask }

// SlotField encodes a slot ID into field 3.
func SlotField(slot uint8) uint32 { return uint32(slot) << slotShift }

// SetupIDField encodes a setup tag into field 3.
func SetupIDField(id uint8) uint32 { return (uint32(id) << setupShift) & setupMask }

// LengthField encodes a transfer length, TD size and interrupter target.
func LengthField(length, tdSize int, intr uint16) uint32 {
	if tdSize > tdSizeMax {
		tdSize = tdSizeMax
	}
	return uint32(length)&lengthMask | uint32(tdSize)<<tdSizeShift | uint32(intr)<<intrShift
}

// StreamField encodes a stream ID into field 2.
func StreamField(id uint16) uint32 { return uint32(id) << streamShift }

// CompletionField encodes a completion code and a 24-bit parameter into field 2.
func CompletionField(code CompletionCode, param uint32) uint32 {
	return uint32(code)<<codeShift | param&remainMask
}
