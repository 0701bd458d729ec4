package gadget

import (
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbssp/pkg"
)

func TestDeviceDescriptorRoundTrip(t *testing.T) {
	want := DeviceDescriptor{
		USBVersion:        0x0320,
		DeviceClass:       ClassMisc,
		DeviceSubClass:    0x02,
		DeviceProtocol:    0x01,
		MaxPacketSize0:    9,
		VendorID:          0x1234,
		ProductID:         0x5678,
		DeviceVersion:     0x0101,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		SerialNumberIndex: 3,
		NumConfigurations: 1,
	}
	buf := make([]byte, DeviceDescriptorSize)
	require.Equal(t, DeviceDescriptorSize, want.MarshalTo(buf))
	assert.Equal(t, uint8(DeviceDescriptorSize), buf[0])
	assert.Equal(t, uint8(DescriptorTypeDevice), buf[1])

	var got DeviceDescriptor
	require.NoError(t, ParseDeviceDescriptor(buf, &got))
	assert.Equal(t, want, got)

	assert.Zero(t, want.MarshalTo(buf[:17]))
	assert.ErrorIs(t, ParseDeviceDescriptor(buf[:17], &got), pkg.ErrDescriptorTooShort)
	buf[1] = DescriptorTypeConfiguration
	assert.ErrorIs(t, ParseDeviceDescriptor(buf, &got), pkg.ErrDescriptorTypeMismatch)
}

func TestDeviceQualifier(t *testing.T) {
	d := DeviceDescriptor{USBVersion: 0x0210, DeviceClass: ClassVendor, NumConfigurations: 1}
	buf := make([]byte, DeviceQualifierSize)
	require.Equal(t, DeviceQualifierSize, d.MarshalQualifierTo(buf))
	assert.Equal(t, []byte{10, DescriptorTypeDeviceQualifier, 0x10, 0x02, ClassVendor, 0, 0, 64, 1, 0}, buf)
}

func TestConfigurationDescriptorRoundTrip(t *testing.T) {
	want := ConfigurationDescriptor{
		TotalLength:        57,
		NumInterfaces:      1,
		ConfigurationValue: 1,
		Attributes:         ConfigAttrBusPowered | ConfigAttrRemoteWakeup,
		MaxPower:           50,
	}
	buf := make([]byte, ConfigurationDescriptorSize)
	require.Equal(t, ConfigurationDescriptorSize, want.MarshalTo(buf))

	var got ConfigurationDescriptor
	require.NoError(t, ParseConfigurationDescriptor(buf, &got))
	assert.Equal(t, want, got)
	assert.ErrorIs(t, ParseConfigurationDescriptor(buf[:8], &got), pkg.ErrDescriptorTooShort)
}

func TestEndpointDescriptors(t *testing.T) {
	buf := make([]byte, EndpointDescriptorSize+CompanionDescriptorSize)
	ed := EndpointDescriptor{EndpointAddress: 0x81, Attributes: 0x02, MaxPacketSize: 1024}
	n := ed.MarshalTo(buf)
	cd := CompanionDescriptor{MaxBurst: 15, Attributes: 4}
	n += cd.MarshalTo(buf[n:])
	require.Len(t, buf, n)

	var got EndpointDescriptor
	require.NoError(t, ParseEndpointDescriptor(buf, &got))
	assert.Equal(t, ed, got)
	assert.Equal(t, []byte{6, DescriptorTypeSSEndpointCompanion, 15, 4, 0, 0}, buf[EndpointDescriptorSize:])

	var iface InterfaceDescriptor
	assert.ErrorIs(t, ParseEndpointDescriptor(buf[EndpointDescriptorSize:], &got), pkg.ErrDescriptorTypeMismatch)
	assert.Zero(t, iface.MarshalTo(buf[:8]))
}

func TestInterfaceAssociation(t *testing.T) {
	iad := InterfaceAssociationDescriptor{FirstInterface: 0, InterfaceCount: 2, FunctionClass: 0x02, FunctionSubClass: 0x02}
	buf := make([]byte, IADSize)
	require.Equal(t, IADSize, iad.MarshalTo(buf))
	assert.Equal(t, []byte{8, DescriptorTypeInterfaceAssociation, 0, 2, 2, 2, 0, 0}, buf)
}

func TestStringDescriptor(t *testing.T) {
	buf := make([]byte, 255)
	n := StringDescriptorTo(buf, "usb\U0001F50C")
	require.Equal(t, 2+2*5, n)
	assert.Equal(t, uint8(n), buf[0])
	assert.Equal(t, uint8(DescriptorTypeString), buf[1])

	units := make([]uint16, (n-2)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(buf[2+2*i:])
	}
	assert.Equal(t, "usb\U0001F50C", string(utf16.Decode(units)))

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	assert.Equal(t, 254, StringDescriptorTo(buf, string(long)))
	assert.Zero(t, StringDescriptorTo(buf[:4], "abc"))
}

func TestLanguageDescriptor(t *testing.T) {
	buf := make([]byte, 4)
	require.Equal(t, 4, LanguageDescriptorTo(buf, LangIDUSEnglish))
	assert.Equal(t, []byte{4, DescriptorTypeString, 0x09, 0x04}, buf)
	assert.Zero(t, LanguageDescriptorTo(buf, LangIDUSEnglish, 0x0407))
}

func TestBOS(t *testing.T) {
	buf := make([]byte, 32)
	n := BOSTo(buf, true, 10, 256)
	require.Equal(t, BOSDescriptorSize+USB2ExtensionSize+SuperSpeedCapabilitySize, n)
	assert.Equal(t, uint16(n), binary.LittleEndian.Uint16(buf[2:4]))
	assert.Equal(t, uint8(2), buf[4])

	ext := buf[BOSDescriptorSize:]
	assert.Equal(t, uint8(CapabilityUSB2Extension), ext[2])
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(ext[3:7]))

	ss := ext[USB2ExtensionSize:]
	assert.Equal(t, uint8(CapabilitySuperSpeed), ss[2])
	assert.Equal(t, uint8(10), ss[7])
	assert.Equal(t, uint16(256), binary.LittleEndian.Uint16(ss[8:10]))

	assert.Zero(t, BOSTo(buf[:10], false, 0, 0))
}
