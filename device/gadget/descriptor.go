package gadget

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/ardnew/usbssp/pkg"
)

// Descriptor types (USB 3.2 Table 9-6).
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeDeviceQualifier      = 0x06
	DescriptorTypeOtherSpeedConfig     = 0x07
	DescriptorTypeInterfaceAssociation = 0x0B
	DescriptorTypeBOS                  = 0x0F
	DescriptorTypeDeviceCapability     = 0x10
	DescriptorTypeSSEndpointCompanion  = 0x30
)

// Device capability types carried in the BOS descriptor.
const (
	CapabilityUSB2Extension = 0x02
	CapabilitySuperSpeed    = 0x03
)

// Class codes used by this package.
const (
	ClassPerInterface = 0x00
	ClassMisc         = 0xEF
	ClassVendor       = 0xFF
)

// Configuration attribute bits.
const (
	ConfigAttrBusPowered   = 0x80 // Reserved, always set
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// Descriptor sizes in bytes.
const (
	DeviceDescriptorSize        = 18
	DeviceQualifierSize         = 10
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
	CompanionDescriptorSize     = 6
	IADSize                     = 8
	BOSDescriptorSize           = 5
	USB2ExtensionSize           = 7
	SuperSpeedCapabilitySize    = 10
)

// LangIDUSEnglish is the language ID for US English.
const LangIDUSEnglish = 0x0409

// DeviceDescriptor is the standard device descriptor.
type DeviceDescriptor struct {
	USBVersion        uint16 // BCD
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8 // Exponent at SuperSpeed
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16 // BCD
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// MarshalTo writes the descriptor to buf and returns its size, or 0 if buf
// is too small.
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	buf[0] = DeviceDescriptorSize
	buf[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], d.DeviceVersion)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = d.NumConfigurations
	return DeviceDescriptorSize
}

// ParseDeviceDescriptor parses a device descriptor from data into out.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if len(data) < DeviceDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeDevice {
		return pkg.ErrDescriptorTypeMismatch
	}
	*out = DeviceDescriptor{
		USBVersion:        binary.LittleEndian.Uint16(data[2:4]),
		DeviceClass:       data[4],
		DeviceSubClass:    data[5],
		DeviceProtocol:    data[6],
		MaxPacketSize0:    data[7],
		VendorID:          binary.LittleEndian.Uint16(data[8:10]),
		ProductID:         binary.LittleEndian.Uint16(data[10:12]),
		DeviceVersion:     binary.LittleEndian.Uint16(data[12:14]),
		ManufacturerIndex: data[14],
		ProductIndex:      data[15],
		SerialNumberIndex: data[16],
		NumConfigurations: data[17],
	}
	return nil
}

// MarshalQualifierTo writes the device qualifier matching d to buf.
func (d *DeviceDescriptor) MarshalQualifierTo(buf []byte) int {
	if len(buf) < DeviceQualifierSize {
		return 0
	}
	buf[0] = DeviceQualifierSize
	buf[1] = DescriptorTypeDeviceQualifier
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = 64
	buf[8] = d.NumConfigurations
	buf[9] = 0
	return DeviceQualifierSize
}

// ConfigurationDescriptor is the header of a configuration. TotalLength
// covers every descriptor that follows it.
type ConfigurationDescriptor struct {
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8 // 2 mA units, 8 mA at SuperSpeed
}

// MarshalTo writes the descriptor to buf and returns its size, or 0 if buf
// is too small.
func (c *ConfigurationDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < ConfigurationDescriptorSize {
		return 0
	}
	buf[0] = ConfigurationDescriptorSize
	buf[1] = DescriptorTypeConfiguration
	binary.LittleEndian.PutUint16(buf[2:4], c.TotalLength)
	buf[4] = c.NumInterfaces
	buf[5] = c.ConfigurationValue
	buf[6] = c.ConfigurationIndex
	buf[7] = c.Attributes
	buf[8] = c.MaxPower
	return ConfigurationDescriptorSize
}

// ParseConfigurationDescriptor parses a configuration header from data
// into out.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) error {
	if len(data) < ConfigurationDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeConfiguration {
		return pkg.ErrDescriptorTypeMismatch
	}
	*out = ConfigurationDescriptor{
		TotalLength:        binary.LittleEndian.Uint16(data[2:4]),
		NumInterfaces:      data[4],
		ConfigurationValue: data[5],
		ConfigurationIndex: data[6],
		Attributes:         data[7],
		MaxPower:           data[8],
	}
	return nil
}

// InterfaceDescriptor is the standard interface descriptor.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// MarshalTo writes the descriptor to buf and returns its size, or 0 if buf
// is too small.
func (i *InterfaceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < InterfaceDescriptorSize {
		return 0
	}
	buf[0] = InterfaceDescriptorSize
	buf[1] = DescriptorTypeInterface
	buf[2] = i.InterfaceNumber
	buf[3] = i.AlternateSetting
	buf[4] = i.NumEndpoints
	buf[5] = i.InterfaceClass
	buf[6] = i.InterfaceSubClass
	buf[7] = i.InterfaceProtocol
	buf[8] = i.InterfaceIndex
	return InterfaceDescriptorSize
}

// EndpointDescriptor is the standard endpoint descriptor.
type EndpointDescriptor struct {
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// MarshalTo writes the descriptor to buf and returns its size, or 0 if buf
// is too small.
func (e *EndpointDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < EndpointDescriptorSize {
		return 0
	}
	buf[0] = EndpointDescriptorSize
	buf[1] = DescriptorTypeEndpoint
	buf[2] = e.EndpointAddress
	buf[3] = e.Attributes
	binary.LittleEndian.PutUint16(buf[4:6], e.MaxPacketSize)
	buf[6] = e.Interval
	return EndpointDescriptorSize
}

// ParseEndpointDescriptor parses an endpoint descriptor from data into out.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) error {
	if len(data) < EndpointDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeEndpoint {
		return pkg.ErrDescriptorTypeMismatch
	}
	*out = EndpointDescriptor{
		EndpointAddress: data[2],
		Attributes:      data[3],
		MaxPacketSize:   binary.LittleEndian.Uint16(data[4:6]),
		Interval:        data[6],
	}
	return nil
}

// CompanionDescriptor is the SuperSpeed endpoint companion that follows
// every endpoint descriptor at SuperSpeed.
type CompanionDescriptor struct {
	MaxBurst         uint8
	Attributes       uint8 // MaxStreams exponent for bulk, Mult for isochronous
	BytesPerInterval uint16
}

// MarshalTo writes the descriptor to buf and returns its size, or 0 if buf
// is too small.
func (c *CompanionDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < CompanionDescriptorSize {
		return 0
	}
	buf[0] = CompanionDescriptorSize
	buf[1] = DescriptorTypeSSEndpointCompanion
	buf[2] = c.MaxBurst
	buf[3] = c.Attributes
	binary.LittleEndian.PutUint16(buf[4:6], c.BytesPerInterval)
	return CompanionDescriptorSize
}

// InterfaceAssociationDescriptor groups consecutive interfaces into one
// function.
type InterfaceAssociationDescriptor struct {
	FirstInterface   uint8
	InterfaceCount   uint8
	FunctionClass    uint8
	FunctionSubClass uint8
	FunctionProtocol uint8
	FunctionIndex    uint8
}

// MarshalTo writes the descriptor to buf and returns its size, or 0 if buf
// is too small.
func (i *InterfaceAssociationDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < IADSize {
		return 0
	}
	buf[0] = IADSize
	buf[1] = DescriptorTypeInterfaceAssociation
	buf[2] = i.FirstInterface
	buf[3] = i.InterfaceCount
	buf[4] = i.FunctionClass
	buf[5] = i.FunctionSubClass
	buf[6] = i.FunctionProtocol
	buf[7] = i.FunctionIndex
	return IADSize
}

// BOSTo writes a BOS descriptor with a USB 2.0 extension capability and a
// SuperSpeed capability to buf. The U1 and U2 exit latencies are in
// microseconds.
func BOSTo(buf []byte, lpm bool, u1Exit uint8, u2Exit uint16) int {
	const total = BOSDescriptorSize + USB2ExtensionSize + SuperSpeedCapabilitySize
	if len(buf) < total {
		return 0
	}
	buf[0] = BOSDescriptorSize
	buf[1] = DescriptorTypeBOS
	binary.LittleEndian.PutUint16(buf[2:4], total)
	buf[4] = 2

	ext := buf[BOSDescriptorSize:]
	ext[0] = USB2ExtensionSize
	ext[1] = DescriptorTypeDeviceCapability
	ext[2] = CapabilityUSB2Extension
	var attrs uint32
	if lpm {
		attrs = 1 << 1
	}
	binary.LittleEndian.PutUint32(ext[3:7], attrs)

	ss := ext[USB2ExtensionSize:]
	ss[0] = SuperSpeedCapabilitySize
	ss[1] = DescriptorTypeDeviceCapability
	ss[2] = CapabilitySuperSpeed
	ss[3] = 0
	binary.LittleEndian.PutUint16(ss[4:6], 0x000e) // full, high and super speed
	ss[6] = 1                                      // lowest fully functional speed: full
	ss[7] = u1Exit
	binary.LittleEndian.PutUint16(ss[8:10], u2Exit)
	return total
}

// StringDescriptorTo writes s as a UTF-16LE string descriptor to buf. A
// string too long for one descriptor is truncated. It returns 0 if buf is
// too small.
func StringDescriptorTo(buf []byte, s string) int {
	units := utf16.Encode([]rune(s))
	if len(units) > 126 {
		units = units[:126]
	}
	length := 2 + 2*len(units)
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2+2*i:], u)
	}
	return length
}

// LanguageDescriptorTo writes string descriptor zero, the list of
// supported language IDs, to buf.
func LanguageDescriptorTo(buf []byte, langIDs ...uint16) int {
	length := 2 + 2*len(langIDs)
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, id := range langIDs {
		binary.LittleEndian.PutUint16(buf[2+2*i:], id)
	}
	return length
}
