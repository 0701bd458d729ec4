package hal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbssp/pkg"
)

func TestSpeed_String(t *testing.T) {
	tests := []struct {
		speed Speed
		want  string
	}{
		{SpeedUnknown, "Unknown"},
		{SpeedLow, "Low Speed"},
		{SpeedFull, "Full Speed"},
		{SpeedHigh, "High Speed"},
		{SpeedSuper, "SuperSpeed"},
		{SpeedSuperPlus, "SuperSpeedPlus"},
		{Speed(99), "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.speed.String())
	}
}

func TestSpeed_EP0MaxPacket(t *testing.T) {
	assert.Equal(t, uint16(8), SpeedLow.EP0MaxPacket())
	assert.Equal(t, uint16(64), SpeedFull.EP0MaxPacket())
	assert.Equal(t, uint16(64), SpeedHigh.EP0MaxPacket())
	assert.Equal(t, uint16(512), SpeedSuper.EP0MaxPacket())
}

func TestEndpointConfig(t *testing.T) {
	ep := EndpointConfig{Address: 0x81, Attributes: 0x02, MaxPacketSize: 512}
	assert.Equal(t, uint8(1), ep.Number())
	assert.True(t, ep.IsIn())
	assert.Equal(t, uint8(2), ep.TransferType())

	out := EndpointConfig{Address: 0x02, Attributes: 0x03}
	assert.False(t, out.IsIn())
	assert.Equal(t, uint8(3), out.TransferType())
}

func TestSetupPacket(t *testing.T) {
	raw := []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	var s SetupPacket
	require.NoError(t, ParseSetupPacket(raw, &s))
	assert.Equal(t, uint8(0x06), s.Request)
	assert.Equal(t, uint16(0x0100), s.Value)
	assert.Equal(t, uint16(18), s.Length)
	assert.True(t, s.IsDeviceToHost())
	assert.Zero(t, s.Type())
	assert.Zero(t, s.Recipient())

	vendor := SetupPacket{RequestType: 0x42}
	assert.Equal(t, uint8(0x40), vendor.Type())
	assert.Equal(t, uint8(0x02), vendor.Recipient())
	assert.False(t, vendor.IsDeviceToHost())

	buf := make([]byte, SetupPacketSize)
	assert.Equal(t, SetupPacketSize, s.MarshalTo(buf))
	assert.Equal(t, raw, buf)

	assert.ErrorIs(t, ParseSetupPacket(raw[:7], &s), pkg.ErrSetupPacketTooShort)
	assert.Zero(t, s.MarshalTo(buf[:4]))
}

func TestDoorbellValue(t *testing.T) {
	assert.Equal(t, uint32(0x1), DoorbellValue(0, 0))
	assert.Equal(t, uint32(0x0005_0004), DoorbellValue(3, 5))
}
