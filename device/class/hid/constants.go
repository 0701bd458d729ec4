package hid

import "encoding/binary"

// ClassHID is the interface class code.
const ClassHID = 0x03

// Subclass and boot protocol codes.
const (
	SubclassNone     = 0x00
	SubclassBoot     = 0x01
	ProtocolNone     = 0x00
	ProtocolKeyboard = 0x01
	ProtocolMouse    = 0x02
)

// Class descriptor types.
const (
	DescriptorTypeHID      = 0x21
	DescriptorTypeReport   = 0x22
	DescriptorTypePhysical = 0x23
)

// Class requests.
const (
	RequestGetReport   = 0x01
	RequestGetIdle     = 0x02
	RequestGetProtocol = 0x03
	RequestSetReport   = 0x09
	RequestSetIdle     = 0x0A
	RequestSetProtocol = 0x0B
)

// Report types, the high byte of wValue in GET_REPORT and SET_REPORT.
const (
	ReportTypeInput   = 0x01
	ReportTypeOutput  = 0x02
	ReportTypeFeature = 0x03
)

// Values of GET_PROTOCOL and SET_PROTOCOL.
const (
	ProtocolBoot   = 0x00
	ProtocolReport = 0x01
)

// CountryNone marks hardware not localized.
const CountryNone = 0x00

// HIDDescriptorSize is the size of a HID descriptor naming one report
// descriptor.
const HIDDescriptorSize = 9

// HIDDescriptor is the class descriptor following the interface descriptor.
type HIDDescriptor struct {
	HIDVersion    uint16 // BCD
	CountryCode   uint8
	ReportDescLen uint16
}

// MarshalTo writes d to buf and returns its size, or 0 if buf is too small.
func (d *HIDDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < HIDDescriptorSize {
		return 0
	}
	buf[0] = HIDDescriptorSize
	buf[1] = DescriptorTypeHID
	binary.LittleEndian.PutUint16(buf[2:4], d.HIDVersion)
	buf[4] = d.CountryCode
	buf[5] = 1
	buf[6] = DescriptorTypeReport
	binary.LittleEndian.PutUint16(buf[7:9], d.ReportDescLen)
	return HIDDescriptorSize
}
