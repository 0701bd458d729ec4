package hal

import (
	"context"
	"fmt"
	"io"

	"github.com/ardnew/usbssp/pkg"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants, encoded as the port speed ID.
const (
	SpeedUnknown   Speed = iota // Not connected or unknown
	SpeedFull                   // Full Speed (12 Mbit/s)
	SpeedLow                    // Low Speed (1.5 Mbit/s)
	SpeedHigh                   // High Speed (480 Mbit/s)
	SpeedSuper                  // SuperSpeed (5 Gbit/s)
	SpeedSuperPlus              // SuperSpeedPlus (10 Gbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	case SpeedSuper:
		return "SuperSpeed"
	case SpeedSuperPlus:
		return "SuperSpeedPlus"
	default:
		return "Unknown"
	}
}

// EP0MaxPacket returns the default control endpoint packet size for s.
func (s Speed) EP0MaxPacket() uint16 {
	switch s {
	case SpeedLow:
		return 8
	case SpeedSuper, SpeedSuperPlus:
		return 512
	default:
		return 64
	}
}

// EndpointConfig describes an endpoint to be added to the device context.
type EndpointConfig struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
	MaxBurst      uint8  // SuperSpeed companion: bursts per service opportunity minus one
	MaxStreams    uint16 // SuperSpeed companion: requested bulk streams, 0 for none
	Mult          uint8  // SuperSpeed companion: isochronous mult
}

// Number returns the endpoint number (0-15).
func (e *EndpointConfig) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointConfig) IsIn() bool {
	return e.Address&0x80 != 0
}

// TransferType returns the transfer type (control, bulk, interrupt, isochronous).
func (e *EndpointConfig) TransferType() uint8 {
	return e.Attributes & 0x03
}

// SetupPacket represents a USB SETUP packet latched from a setup event.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
func ParseSetupPacket(data []byte, out *SetupPacket) error {
	if len(data) < SetupPacketSize {
		return fmt.Errorf("%d bytes: %w", len(data), pkg.ErrSetupPacketTooShort)
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return nil
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// IsDeviceToHost reports whether the data stage flows to the host.
func (s *SetupPacket) IsDeviceToHost() bool {
	return s.RequestType&0x80 != 0
}

// Type returns the request type bits: standard, class or vendor.
func (s *SetupPacket) Type() uint8 {
	return s.RequestType & 0x60
}

// Recipient returns the recipient bits of the request type.
func (s *SetupPacket) Recipient() uint8 {
	return s.RequestType & 0x1f
}

// Registers is the memory-mapped register window of the controller.
// 64-bit registers are accessed low dword first.
type Registers interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
	Read64(offset uint32) uint64
	Write64(offset uint32, value uint64)
}

// Mem is a region of memory reachable by the controller's DMA engine.
//
// The memory stays valid until Close is called; Close must be called exactly
// once.
type Mem interface {
	io.Closer
	// Bytes returns the CPU view of the region.
	Bytes() []byte
	// DMA returns the bus address of the first byte.
	DMA() uint64
}

// Allocator hands out DMA-capable memory.
type Allocator interface {
	// Alloc returns zeroed memory of at least size bytes whose bus address
	// is a multiple of align.
	Alloc(size, align int) (Mem, error)
}

// DeviceHAL defines the hardware interface the controller core drives.
//
// Platform backends implement it for real silicon; the simulator in
// [github.com/ardnew/usbssp/device/hal/sim] implements it in software.
type DeviceHAL interface {
	Registers
	Allocator

	// Init prepares the backend before the controller is reset.
	Init(ctx context.Context) error

	// Interrupt delivers one value per interrupter assertion. Deliveries may
	// be coalesced; the consumer drains the event ring until empty.
	Interrupt() <-chan struct{}

	// Close releases backend resources.
	Close() error
}
