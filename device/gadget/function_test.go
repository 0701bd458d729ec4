package gadget

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbssp/device"
	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/device/hal/sim"
	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/trb"
)

const waitFor = 2 * time.Second

var errBind = errors.New("bind refused")

// echoDriver sends every OUT transfer back on the IN endpoint.
type echoDriver struct {
	mu       sync.Mutex
	c        *device.Controller
	in, out  *device.Endpoint
	binds    int
	unbinds  int
	failBind bool
}

func (d *echoDriver) Bind(c *device.Controller, eps []*device.Endpoint) error {
	d.mu.Lock()
	if d.failBind {
		d.mu.Unlock()
		return errBind
	}
	d.c, d.in, d.out = c, eps[0], eps[1]
	d.binds++
	d.mu.Unlock()
	return d.read()
}

func (d *echoDriver) Unbind() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unbinds++
}

func (d *echoDriver) Setup(c *device.Controller, s hal.SetupPacket) error {
	if s.Type() != RequestTypeVendor || s.Request != 0x01 || !s.IsDeviceToHost() {
		return pkg.ErrNotSupported
	}
	return c.Enqueue(c.EP0(), &device.Request{Buf: []byte("pong")})
}

func (d *echoDriver) read() error {
	d.mu.Lock()
	c, out := d.c, d.out
	d.mu.Unlock()
	return c.Enqueue(out, &device.Request{Buf: make([]byte, 512), Callback: d.echo})
}

func (d *echoDriver) echo(r *device.Request) {
	if r.Err != nil {
		return
	}
	d.mu.Lock()
	c, in := d.c, d.in
	d.mu.Unlock()
	if err := c.Enqueue(in, &device.Request{Buf: r.Buf[:r.Actual]}); err != nil {
		return
	}
	_ = d.read()
}

func (d *echoDriver) counts() (binds, unbinds int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.binds, d.unbinds
}

func testConfig() Config {
	return Config{
		VendorID:      0x1209,
		ProductID:     0x0001,
		DeviceVersion: 0x0100,
		Manufacturer:  "usbssp",
		Product:       "echo",
		MaxPower:      100,
		RemoteWakeup:  true,
		Interfaces: []Interface{{
			Class: ClassVendor,
			Name:  "echo",
			Endpoints: []Endpoint{
				{Address: 0x81, Type: device.EndpointTypeBulk},
				{Address: 0x02, Type: device.EndpointTypeBulk, MaxBurst: 3},
				{Address: 0x83, Type: device.EndpointTypeInterrupt, MaxPacketSize: 16, Interval: 4},
			},
		}},
	}
}

type bench struct {
	h *sim.HAL
	c *device.Controller
	f *Function
	d *echoDriver
}

func newBench(t *testing.T) *bench {
	t.Helper()
	return newBenchWith(t, testConfig())
}

func newBenchWith(t *testing.T, cfg Config) *bench {
	t.Helper()
	h := sim.New(sim.Config{})
	t.Cleanup(func() { h.Close() })
	d := &echoDriver{}
	f, err := New(cfg, d)
	require.NoError(t, err)
	c, err := device.New(h, f, device.Config{}, nil)
	require.NoError(t, err)
	f.Attach(c)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Stop() })
	return &bench{h: h, c: c, f: f, d: d}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func (b *bench) connect(t *testing.T, speed hal.Speed) {
	t.Helper()
	b.h.Connect(speed)
	require.Eventually(t, func() bool { return b.f.Speed() == speed }, waitFor, time.Millisecond)
}

func (b *bench) control(t *testing.T, s hal.SetupPacket, data []byte) ([]byte, error) {
	t.Helper()
	return b.h.HostControl(testContext(t), s, data)
}

func (b *bench) getDescriptor(t *testing.T, typ, index uint8, length uint16) []byte {
	t.Helper()
	buf, err := b.control(t, hal.SetupPacket{
		RequestType: 0x80,
		Request:     RequestGetDescriptor,
		Value:       uint16(typ)<<8 | uint16(index),
		Index:       LangIDUSEnglish,
		Length:      length,
	}, nil)
	require.NoError(t, err)
	return buf
}

func (b *bench) setConfiguration(t *testing.T, v uint16) error {
	t.Helper()
	_, err := b.control(t, hal.SetupPacket{Request: RequestSetConfiguration, Value: v}, nil)
	return err
}

// enumerate runs the requests a host issues before selecting the
// configuration.
func (b *bench) enumerate(t *testing.T, speed hal.Speed) {
	t.Helper()
	b.connect(t, speed)
	b.getDescriptor(t, DescriptorTypeDevice, 0, 8)
	_, err := b.control(t, hal.SetupPacket{Request: RequestSetAddress, Value: 7}, nil)
	require.NoError(t, err)
	require.Equal(t, device.StateAddress, b.c.State())
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
	}{
		{"no interfaces", func(c *Config) { c.Interfaces = nil }},
		{"endpoint zero", func(c *Config) { c.Interfaces[0].Endpoints[0].Address = 0x80 }},
		{"reserved bits", func(c *Config) { c.Interfaces[0].Endpoints[0].Address = 0x91 }},
		{"duplicate", func(c *Config) { c.Interfaces[0].Endpoints[1].Address = 0x81 }},
		{"control type", func(c *Config) { c.Interfaces[0].Endpoints[0].Type = device.EndpointTypeControl }},
		{"zero packet", func(c *Config) { c.Interfaces[0].Endpoints[2].MaxPacketSize = 0 }},
		{"interrupt streams", func(c *Config) { c.Interfaces[0].Endpoints[2].MaxStreams = 4 }},
		{"odd streams", func(c *Config) { c.Interfaces[0].Endpoints[0].MaxStreams = 3 }},
		{"burst", func(c *Config) { c.Interfaces[0].Endpoints[0].MaxBurst = 16 }},
		{"empty association", func(c *Config) { c.Associations = []Association{{First: 0}} }},
		{"association past end", func(c *Config) { c.Associations = []Association{{First: 0, Count: 2}} }},
		{"overlapping associations", func(c *Config) {
			c.Interfaces = append(c.Interfaces, Interface{}, Interface{})
			c.Associations = []Association{{First: 0, Count: 2}, {First: 1, Count: 2}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.edit(&cfg)
			_, err := New(cfg, &echoDriver{})
			assert.Error(t, err)
		})
	}
	_, err := New(testConfig(), nil)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestSetupBeforeAttach(t *testing.T) {
	f, err := New(testConfig(), &echoDriver{})
	require.NoError(t, err)
	assert.ErrorIs(t, f.Setup(hal.SetupPacket{RequestType: 0x80, Request: RequestGetStatus}), pkg.ErrInvalidState)
}

func TestEnumerateHighSpeed(t *testing.T) {
	b := newBench(t)
	b.enumerate(t, hal.SpeedHigh)

	var dd DeviceDescriptor
	require.NoError(t, ParseDeviceDescriptor(b.getDescriptor(t, DescriptorTypeDevice, 0, 18), &dd))
	assert.Equal(t, uint16(0x0210), dd.USBVersion)
	assert.Equal(t, uint8(64), dd.MaxPacketSize0)
	assert.Equal(t, uint16(0x1209), dd.VendorID)
	assert.Equal(t, uint8(1), dd.ManufacturerIndex)
	assert.Equal(t, uint8(2), dd.ProductIndex)
	assert.Zero(t, dd.SerialNumberIndex)

	var cd ConfigurationDescriptor
	require.NoError(t, ParseConfigurationDescriptor(b.getDescriptor(t, DescriptorTypeConfiguration, 0, 9), &cd))
	require.Equal(t, uint16(9+9+3*7), cd.TotalLength)
	assert.Equal(t, uint8(50), cd.MaxPower)
	assert.Equal(t, uint8(ConfigAttrBusPowered|ConfigAttrRemoteWakeup), cd.Attributes)

	full := b.getDescriptor(t, DescriptorTypeConfiguration, 0, cd.TotalLength)
	require.Len(t, full, int(cd.TotalLength))
	assert.Equal(t, uint8(DescriptorTypeInterface), full[10])
	assert.Equal(t, uint8(2), full[9+8], "interface name is the product string")
	var eds [3]EndpointDescriptor
	for i := range eds {
		require.NoError(t, ParseEndpointDescriptor(full[18+7*i:], &eds[i]))
	}
	assert.Equal(t, EndpointDescriptor{EndpointAddress: 0x81, Attributes: 2, MaxPacketSize: 512}, eds[0])
	assert.Equal(t, EndpointDescriptor{EndpointAddress: 0x02, Attributes: 2, MaxPacketSize: 512}, eds[1])
	assert.Equal(t, EndpointDescriptor{EndpointAddress: 0x83, Attributes: 3, MaxPacketSize: 16, Interval: 4}, eds[2])

	assert.Equal(t, []byte{4, 3, 0x09, 0x04}, b.getDescriptor(t, DescriptorTypeString, 0, 255))
	product := b.getDescriptor(t, DescriptorTypeString, 2, 255)
	assert.Equal(t, []byte{10, 3, 'e', 0, 'c', 0, 'h', 0, 'o', 0}, product)

	q := b.getDescriptor(t, DescriptorTypeDeviceQualifier, 0, 10)
	assert.Equal(t, uint8(64), q[7])
	other := b.getDescriptor(t, DescriptorTypeOtherSpeedConfig, 0, 64)
	require.Len(t, other, 9+9+3*7)
	assert.Equal(t, uint8(DescriptorTypeOtherSpeedConfig), other[1])
	assert.Equal(t, uint16(64), binary.LittleEndian.Uint16(other[18+4:]))

	bos := b.getDescriptor(t, DescriptorTypeBOS, 0, 5)
	assert.Equal(t, uint16(22), binary.LittleEndian.Uint16(bos[2:4]))
}

func TestUnknownDescriptorsStall(t *testing.T) {
	b := newBench(t)
	b.enumerate(t, hal.SpeedHigh)

	for _, v := range []uint16{uint16(DescriptorTypeString)<<8 | 9, uint16(DescriptorTypeConfiguration)<<8 | 1, 0x2200} {
		_, err := b.control(t, hal.SetupPacket{RequestType: 0x80, Request: RequestGetDescriptor, Value: v, Length: 64}, nil)
		assert.ErrorIs(t, err, pkg.ErrStall, "descriptor %#04x", v)
	}
	// The next setup clears the protocol stall.
	assert.Len(t, b.getDescriptor(t, DescriptorTypeDevice, 0, 18), 18)
}

func TestConfigureAndEcho(t *testing.T) {
	b := newBench(t)
	b.enumerate(t, hal.SpeedHigh)

	require.NoError(t, b.setConfiguration(t, 1))
	assert.Equal(t, uint8(1), b.f.Configuration())
	assert.Equal(t, device.StateConfigured, b.c.State())
	require.Len(t, b.f.Endpoints(), 3)
	binds, _ := b.d.counts()
	assert.Equal(t, 1, binds)

	got, err := b.control(t, hal.SetupPacket{RequestType: 0x80, Request: RequestGetConfiguration, Length: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, got)

	require.NoError(t, b.h.HostSend(0x02, []byte("hello")))
	echo, err := b.h.HostReceive(testContext(t), 0x81)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), echo)

	// Selecting the same configuration again changes nothing.
	require.NoError(t, b.setConfiguration(t, 1))
	binds, _ = b.d.counts()
	assert.Equal(t, 1, binds)

	require.NoError(t, b.setConfiguration(t, 0))
	assert.Zero(t, b.f.Configuration())
	assert.Nil(t, b.c.Endpoint(0x81))
	assert.Equal(t, device.StateAddress, b.c.State())
	_, unbinds := b.d.counts()
	assert.Equal(t, 1, unbinds)
}

func TestSetConfigurationInvalid(t *testing.T) {
	b := newBench(t)
	b.connect(t, hal.SpeedHigh)
	assert.ErrorIs(t, b.setConfiguration(t, 1), pkg.ErrStall, "default state")

	_, err := b.control(t, hal.SetupPacket{Request: RequestSetAddress, Value: 7}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, b.setConfiguration(t, 2), pkg.ErrStall)
	assert.Zero(t, b.f.Configuration())
}

func TestConfigureBandwidthFailure(t *testing.T) {
	b := newBench(t)
	b.enumerate(t, hal.SpeedHigh)
	live := b.h.Allocator().Live()

	b.h.FailNextCommand(trb.CodeBandwidth)
	assert.ErrorIs(t, b.setConfiguration(t, 1), pkg.ErrStall)
	assert.Zero(t, b.f.Configuration())
	assert.Nil(t, b.c.Endpoint(0x81))
	assert.Equal(t, live, b.h.Allocator().Live())
	binds, _ := b.d.counts()
	assert.Zero(t, binds)

	require.NoError(t, b.setConfiguration(t, 1))
	assert.Equal(t, uint8(1), b.f.Configuration())
}

func TestBindFailure(t *testing.T) {
	b := newBench(t)
	b.d.failBind = true
	b.enumerate(t, hal.SpeedHigh)

	assert.ErrorIs(t, b.setConfiguration(t, 1), pkg.ErrStall)
	assert.Zero(t, b.f.Configuration())
	assert.Nil(t, b.c.Endpoint(0x02))
	assert.Equal(t, device.StateAddress, b.c.State())
	_, unbinds := b.d.counts()
	assert.Zero(t, unbinds)
}

func TestEndpointHaltFeature(t *testing.T) {
	b := newBench(t)
	b.enumerate(t, hal.SpeedHigh)
	require.NoError(t, b.setConfiguration(t, 1))

	status := func() []byte {
		got, err := b.control(t, hal.SetupPacket{RequestType: 0x82, Request: RequestGetStatus, Index: 0x81, Length: 2}, nil)
		require.NoError(t, err)
		return got
	}
	assert.Equal(t, []byte{0, 0}, status())

	_, err := b.control(t, hal.SetupPacket{RequestType: 0x02, Request: RequestSetFeature, Value: FeatureEndpointHalt, Index: 0x81}, nil)
	require.NoError(t, err)
	assert.Equal(t, device.EndpointHalted, b.c.Endpoint(0x81).State())
	assert.Equal(t, []byte{1, 0}, status())

	_, err = b.control(t, hal.SetupPacket{RequestType: 0x02, Request: RequestClearFeature, Value: FeatureEndpointHalt, Index: 0x81}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, status())

	_, err = b.control(t, hal.SetupPacket{RequestType: 0x82, Request: RequestGetStatus, Index: 0x84, Length: 2}, nil)
	assert.ErrorIs(t, err, pkg.ErrStall, "unknown endpoint")

	require.NoError(t, b.h.HostSend(0x02, []byte("after halt")))
	echo, err := b.h.HostReceive(testContext(t), 0x81)
	require.NoError(t, err)
	assert.Equal(t, []byte("after halt"), echo)
}

func TestDeviceStatusAndRemoteWakeup(t *testing.T) {
	b := newBench(t)
	b.enumerate(t, hal.SpeedHigh)

	status := func() []byte {
		got, err := b.control(t, hal.SetupPacket{RequestType: 0x80, Request: RequestGetStatus, Length: 2}, nil)
		require.NoError(t, err)
		return got
	}
	assert.Equal(t, []byte{0, 0}, status())

	_, err := b.control(t, hal.SetupPacket{Request: RequestSetFeature, Value: FeatureDeviceRemoteWakeup}, nil)
	require.NoError(t, err)
	assert.True(t, b.f.RemoteWakeupEnabled())
	assert.Equal(t, []byte{StatusRemoteWakeup, 0}, status())

	_, err = b.control(t, hal.SetupPacket{Request: RequestSetFeature, Value: FeatureTestMode}, nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
	_, err = b.control(t, hal.SetupPacket{Request: RequestSetFeature, Value: FeatureU1Enable}, nil)
	assert.ErrorIs(t, err, pkg.ErrStall, "U1 below SuperSpeed")

	_, err = b.control(t, hal.SetupPacket{Request: RequestClearFeature, Value: FeatureDeviceRemoteWakeup}, nil)
	require.NoError(t, err)
	assert.False(t, b.f.RemoteWakeupEnabled())
}

func TestInterfaceRequests(t *testing.T) {
	b := newBench(t)
	b.enumerate(t, hal.SpeedHigh)

	_, err := b.control(t, hal.SetupPacket{RequestType: 0x81, Request: RequestGetInterface, Length: 1}, nil)
	assert.ErrorIs(t, err, pkg.ErrStall, "unconfigured")

	require.NoError(t, b.setConfiguration(t, 1))
	got, err := b.control(t, hal.SetupPacket{RequestType: 0x81, Request: RequestGetInterface, Length: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, got)

	_, err = b.control(t, hal.SetupPacket{RequestType: 0x01, Request: RequestSetInterface}, nil)
	require.NoError(t, err)
	_, err = b.control(t, hal.SetupPacket{RequestType: 0x01, Request: RequestSetInterface, Value: 1}, nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
	_, err = b.control(t, hal.SetupPacket{RequestType: 0x81, Request: RequestGetStatus, Index: 1, Length: 2}, nil)
	assert.ErrorIs(t, err, pkg.ErrStall, "no interface 1")
}

func TestVendorRequest(t *testing.T) {
	b := newBench(t)
	b.enumerate(t, hal.SpeedHigh)

	got, err := b.control(t, hal.SetupPacket{RequestType: 0xc0, Request: 0x01, Length: 64}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), got)

	_, err = b.control(t, hal.SetupPacket{RequestType: 0xa1, Request: 0x01, Length: 8}, nil)
	assert.ErrorIs(t, err, pkg.ErrStall, "class request")
}

func TestSuperSpeed(t *testing.T) {
	b := newBench(t)
	b.enumerate(t, hal.SpeedSuper)

	var dd DeviceDescriptor
	require.NoError(t, ParseDeviceDescriptor(b.getDescriptor(t, DescriptorTypeDevice, 0, 18), &dd))
	assert.Equal(t, uint16(0x0320), dd.USBVersion)
	assert.Equal(t, uint8(9), dd.MaxPacketSize0)

	full := b.getDescriptor(t, DescriptorTypeConfiguration, 0, 255)
	require.Len(t, full, 9+9+3*(7+6))
	var cd ConfigurationDescriptor
	require.NoError(t, ParseConfigurationDescriptor(full, &cd))
	assert.Equal(t, uint8(13), cd.MaxPower)
	var ed EndpointDescriptor
	require.NoError(t, ParseEndpointDescriptor(full[18:], &ed))
	assert.Equal(t, uint16(1024), ed.MaxPacketSize)
	assert.Equal(t, []byte{6, DescriptorTypeSSEndpointCompanion, 0, 0, 0, 0}, full[25:31])
	assert.Equal(t, uint8(3), full[31+7+2], "OUT endpoint burst")
	assert.Equal(t, []byte{16, 0}, full[len(full)-2:], "interrupt bytes per interval")

	_, err := b.control(t, hal.SetupPacket{RequestType: 0x80, Request: RequestGetDescriptor, Value: uint16(DescriptorTypeDeviceQualifier) << 8, Length: 10}, nil)
	assert.ErrorIs(t, err, pkg.ErrStall)

	_, err = b.control(t, hal.SetupPacket{Request: RequestSetSEL, Length: 6}, []byte{1, 2, 3, 0, 4, 0})
	require.NoError(t, err)
	_, err = b.control(t, hal.SetupPacket{Request: RequestSetIsochDelay, Value: 40}, nil)
	require.NoError(t, err)

	require.NoError(t, b.setConfiguration(t, 1))
	assert.Equal(t, 1024, b.c.Endpoint(0x81).MaxPacketSize())
	_, err = b.control(t, hal.SetupPacket{Request: RequestSetFeature, Value: FeatureU1Enable}, nil)
	require.NoError(t, err)
	got, err := b.control(t, hal.SetupPacket{RequestType: 0x80, Request: RequestGetStatus, Length: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{StatusU1Enabled, 0}, got)
}

func TestDisconnectUnbinds(t *testing.T) {
	b := newBench(t)
	b.enumerate(t, hal.SpeedHigh)
	require.NoError(t, b.setConfiguration(t, 1))

	b.h.Disconnect()
	require.Eventually(t, func() bool {
		_, unbinds := b.d.counts()
		return unbinds == 1
	}, waitFor, time.Millisecond)
	assert.Zero(t, b.f.Configuration())
	assert.Empty(t, b.f.Endpoints())
	assert.Equal(t, hal.SpeedUnknown, b.f.Speed())
}

func TestBusResetUnbinds(t *testing.T) {
	b := newBench(t)
	b.enumerate(t, hal.SpeedHigh)
	require.NoError(t, b.setConfiguration(t, 1))

	b.h.BusReset()
	require.Eventually(t, func() bool {
		_, unbinds := b.d.counts()
		return unbinds == 1
	}, waitFor, time.Millisecond)
	assert.Zero(t, b.f.Configuration())
	assert.False(t, b.f.RemoteWakeupEnabled())
}
