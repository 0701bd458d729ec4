package cdc

import "encoding/binary"

// Class-specific descriptor types.
const (
	DescriptorTypeCSInterface = 0x24
	DescriptorTypeCSEndpoint  = 0x25
)

// Functional descriptor subtypes.
const (
	SubtypeHeader         = 0x00
	SubtypeCallManagement = 0x01
	SubtypeACM            = 0x02
	SubtypeUnion          = 0x06
)

// Class, subclass and protocol codes.
const (
	ClassCDC     = 0x02
	ClassCDCData = 0x0A
	SubclassACM  = 0x02
	ProtocolNone = 0x00
	ProtocolAT   = 0x01 // V.250 AT commands
)

// ACM requests.
const (
	RequestSendEncapsulatedCommand = 0x00
	RequestGetEncapsulatedResponse = 0x01
	RequestSetLineCoding           = 0x20
	RequestGetLineCoding           = 0x21
	RequestSetControlLineState     = 0x22
	RequestSendBreak               = 0x23
)

// NotificationSerialState reports the UART state bitmap.
const NotificationSerialState = 0x20

// Stop bits of [LineCoding.CharFormat].
const (
	StopBits1   = 0
	StopBits1_5 = 1
	StopBits2   = 2
)

// Parity of [LineCoding.ParityType].
const (
	ParityNone  = 0
	ParityOdd   = 1
	ParityEven  = 2
	ParityMark  = 3
	ParitySpace = 4
)

// SET_CONTROL_LINE_STATE bits.
const (
	ControlLineDTR = 1 << 0
	ControlLineRTS = 1 << 1
)

// SERIAL_STATE bits.
const (
	SerialStateRxCarrier  = 1 << 0 // DCD
	SerialStateTxCarrier  = 1 << 1 // DSR
	SerialStateBreak      = 1 << 2
	SerialStateRingSignal = 1 << 3
	SerialStateFraming    = 1 << 4
	SerialStateParity     = 1 << 5
	SerialStateOverrun    = 1 << 6
)

// ACM functional descriptor capability bits.
const (
	ACMCapCommFeature = 1 << 0
	ACMCapLineCoding  = 1 << 1
	ACMCapSendBreak   = 1 << 2
	ACMCapNetworkConn = 1 << 3
)

// LineCodingSize is the wire size of [LineCoding].
const LineCodingSize = 7

// LineCoding is the serial line configuration the host selects.
type LineCoding struct {
	DTERate    uint32 // baud
	CharFormat uint8  // StopBits*
	ParityType uint8  // Parity*
	DataBits   uint8  // 5, 6, 7, 8 or 16
}

// DefaultLineCoding is 115200 8N1.
var DefaultLineCoding = LineCoding{DTERate: 115200, DataBits: 8}

// MarshalTo writes lc to buf and returns its size, or 0 if buf is too small.
func (lc *LineCoding) MarshalTo(buf []byte) int {
	if len(buf) < LineCodingSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], lc.DTERate)
	buf[4] = lc.CharFormat
	buf[5] = lc.ParityType
	buf[6] = lc.DataBits
	return LineCodingSize
}

// ParseLineCoding parses data into out. It returns false if data is too
// short.
func ParseLineCoding(data []byte, out *LineCoding) bool {
	if len(data) < LineCodingSize {
		return false
	}
	*out = LineCoding{
		DTERate:    binary.LittleEndian.Uint32(data[0:4]),
		CharFormat: data[4],
		ParityType: data[5],
		DataBits:   data[6],
	}
	return true
}

// functionalDescriptors returns the header, call management, ACM and union
// descriptors of a control interface numbered control whose data interface
// follows it.
func functionalDescriptors(control uint8, caps uint8) []byte {
	return []byte{
		5, DescriptorTypeCSInterface, SubtypeHeader, 0x10, 0x01, // CDC 1.10
		5, DescriptorTypeCSInterface, SubtypeCallManagement, 0, control + 1,
		4, DescriptorTypeCSInterface, SubtypeACM, caps,
		5, DescriptorTypeCSInterface, SubtypeUnion, control, control + 1,
	}
}
