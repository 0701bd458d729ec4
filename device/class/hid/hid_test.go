package hid

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbssp/device"
	"github.com/ardnew/usbssp/device/gadget"
	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/device/hal/sim"
	"github.com/ardnew/usbssp/pkg"
)

const waitFor = 2 * time.Second

type bench struct {
	h   *sim.HAL
	hid *HID
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

// newKeyboard configures a device whose only function is a boot keyboard.
func newKeyboard(t *testing.T) *bench {
	t.Helper()
	kbd := NewKeyboard(Config{In: 0x81, Out: 0x01, Name: "keyboard"})
	f, err := gadget.New(gadget.Config{
		VendorID:   0x1209,
		ProductID:  0x0003,
		Product:    "keyboard",
		Interfaces: []gadget.Interface{kbd.Interface()},
	}, kbd)
	require.NoError(t, err)

	h := sim.New(sim.Config{})
	t.Cleanup(func() { h.Close() })
	c, err := device.New(h, f, device.Config{}, nil)
	require.NoError(t, err)
	f.Attach(c)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Stop() })

	h.Connect(hal.SpeedHigh)
	require.Eventually(t, func() bool { return f.Speed() == hal.SpeedHigh }, waitFor, time.Millisecond)
	b := &bench{h: h, hid: kbd}
	_, err = b.control(t, hal.SetupPacket{Request: gadget.RequestSetAddress, Value: 7}, nil)
	require.NoError(t, err)
	_, err = b.control(t, hal.SetupPacket{Request: gadget.RequestSetConfiguration, Value: 1}, nil)
	require.NoError(t, err)
	return b
}

func (b *bench) control(t *testing.T, s hal.SetupPacket, data []byte) ([]byte, error) {
	t.Helper()
	return b.h.HostControl(testContext(t), s, data)
}

func classRequest(req uint8, in bool, value, length uint16) hal.SetupPacket {
	s := hal.SetupPacket{
		RequestType: gadget.RequestTypeClass | gadget.RecipientInterface,
		Request:     req,
		Value:       value,
		Length:      length,
	}
	if in {
		s.RequestType |= 0x80
	}
	return s
}

func TestDescriptors(t *testing.T) {
	b := newKeyboard(t)

	cfg, err := b.control(t, hal.SetupPacket{
		RequestType: 0x80, Request: gadget.RequestGetDescriptor,
		Value: gadget.DescriptorTypeConfiguration << 8, Length: 255,
	}, nil)
	require.NoError(t, err)
	require.Len(t, cfg, 41)
	assert.Equal(t, []byte{9, gadget.DescriptorTypeInterface, 0, 0, 2, ClassHID, SubclassBoot, ProtocolKeyboard}, cfg[9:17])
	assert.Equal(t, []byte{9, DescriptorTypeHID, 0x11, 0x01, CountryNone, 1, DescriptorTypeReport,
		byte(len(KeyboardReportDescriptor)), 0}, cfg[18:27])
	assert.Equal(t, []byte{7, gadget.DescriptorTypeEndpoint, 0x81, device.EndpointTypeInterrupt, 8, 0}, cfg[27:33])

	getClass := func(typ uint8) ([]byte, error) {
		return b.control(t, hal.SetupPacket{
			RequestType: 0x80 | gadget.RecipientInterface, Request: gadget.RequestGetDescriptor,
			Value: uint16(typ) << 8, Length: 255,
		}, nil)
	}
	report, err := getClass(DescriptorTypeReport)
	require.NoError(t, err)
	assert.Equal(t, KeyboardReportDescriptor, report)
	desc, err := getClass(DescriptorTypeHID)
	require.NoError(t, err)
	assert.Equal(t, cfg[18:27], desc)
	_, err = getClass(DescriptorTypePhysical)
	assert.ErrorIs(t, err, pkg.ErrStall)
}

func TestSendKeyboard(t *testing.T) {
	b := newKeyboard(t)

	var r KeyboardReport
	r.Modifiers = ModLeftShift
	require.True(t, r.Press(0x04))
	require.NoError(t, b.hid.SendKeyboard(testContext(t), &r))
	got, err := b.h.HostReceive(testContext(t), 0x81)
	require.NoError(t, err)
	assert.Equal(t, []byte{ModLeftShift, 0, 0x04, 0, 0, 0, 0, 0}, got)

	assert.ErrorIs(t, b.hid.SendReport(testContext(t), make([]byte, 9)), pkg.ErrInvalidParameter)
}

func TestSendCancelled(t *testing.T) {
	b := newKeyboard(t)
	require.NoError(t, b.h.Hold(0x81, true))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.hid.SendReport(ctx, []byte{0, 0, 4, 0, 0, 0, 0, 0})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOutputReports(t *testing.T) {
	b := newKeyboard(t)
	var (
		mu  sync.Mutex
		got [][]byte
	)
	b.hid.SetOnOutputReport(func(typ uint8, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, append([]byte{typ}, data...))
	})
	received := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(got)
	}

	require.NoError(t, b.h.HostSend(0x01, []byte{LEDCapsLock}))
	require.Eventually(t, func() bool { return received() == 1 }, waitFor, time.Millisecond)

	_, err := b.control(t, classRequest(RequestSetReport, false, ReportTypeOutput<<8, 1), []byte{LEDNumLock})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return received() == 2 }, waitFor, time.Millisecond)

	require.NoError(t, b.h.HostSend(0x01, []byte{LEDScrollLock}))
	require.Eventually(t, func() bool { return received() == 3 }, waitFor, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]byte{
		{ReportTypeOutput, LEDCapsLock},
		{ReportTypeOutput, LEDNumLock},
		{ReportTypeOutput, LEDScrollLock},
	}, got)
}

func TestGetReport(t *testing.T) {
	b := newKeyboard(t)

	got, err := b.control(t, classRequest(RequestGetReport, true, ReportTypeInput<<8, 8), nil)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), got, "zeros without a callback")

	b.hid.SetOnGetReport(func(typ, id uint8) []byte { return []byte{typ, id, 0xAA} })
	got, err = b.control(t, classRequest(RequestGetReport, true, ReportTypeFeature<<8|2, 8), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{ReportTypeFeature, 2, 0xAA}, got)
}

func TestIdleAndProtocol(t *testing.T) {
	b := newKeyboard(t)
	var rate, proto atomic.Int32
	proto.Store(-1)
	b.hid.SetOnSetIdle(func(r, _ uint8) { rate.Store(int32(r)) })
	b.hid.SetOnSetProtocol(func(p uint8) { proto.Store(int32(p)) })

	_, err := b.control(t, classRequest(RequestSetIdle, false, 125<<8, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(125), rate.Load())
	got, err := b.control(t, classRequest(RequestGetIdle, true, 0, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{125}, got)

	got, err = b.control(t, classRequest(RequestGetProtocol, true, 0, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{ProtocolReport}, got)
	_, err = b.control(t, classRequest(RequestSetProtocol, false, ProtocolBoot, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(ProtocolBoot), proto.Load())
	assert.Equal(t, uint8(ProtocolBoot), b.hid.Protocol())

	_, err = b.control(t, classRequest(RequestSetProtocol, false, 2, 0), nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
	_, err = b.control(t, classRequest(0x7F, false, 0, 0), nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
}

func TestInterfaceWithoutOut(t *testing.T) {
	h := New(Config{In: 0x81}, MouseReportDescriptor, MouseReportSize)
	iface := h.Interface()
	assert.Equal(t, uint8(SubclassNone), iface.SubClass)
	require.Len(t, iface.Endpoints, 1, "no OUT endpoint")
	assert.Equal(t, uint16(MouseReportSize), iface.Endpoints[0].MaxPacketSize)
}

func TestNotConfigured(t *testing.T) {
	m := NewMouse(Config{In: 0x81})
	err := m.SendMouse(context.Background(), &MouseReport{Buttons: MouseButtonLeft})
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
}

func TestReports(t *testing.T) {
	var k KeyboardReport
	for key := uint8(4); key < 10; key++ {
		require.True(t, k.Press(key))
	}
	assert.False(t, k.Press(10), "seventh key")
	assert.True(t, k.Press(5), "already down")
	k.Release(6)
	assert.Equal(t, []byte{0, 0, 4, 5, 7, 8, 9, 0}, k.Bytes())
	assert.True(t, k.Press(10))
	assert.Equal(t, []byte{0, 0, 4, 5, 7, 8, 9, 10}, k.Bytes())

	m := MouseReport{Buttons: MouseButtonRight, X: -1, Y: 5, Wheel: -127}
	assert.Equal(t, []byte{MouseButtonRight, 0xFF, 5, 0x81}, m.Bytes())
}
