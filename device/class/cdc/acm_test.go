package cdc

import (
	"context"
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

type port struct {
	h   *sim.HAL
	c   *device.Controller
	acm *ACM
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

// newPort enumerates and configures a composite device holding one ACM
// function at high speed.
func newPort(t *testing.T) *port {
	t.Helper()
	acm := NewACM(DefaultConfig())
	f, err := gadget.New(gadget.Config{
		VendorID:     0x1209,
		ProductID:    0x0002,
		Product:      "serial",
		Interfaces:   acm.Interfaces(),
		Associations: []gadget.Association{acm.Association()},
	}, acm)
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
	p := &port{h: h, c: c, acm: acm}
	_, err = p.control(t, hal.SetupPacket{Request: gadget.RequestSetAddress, Value: 3}, nil)
	require.NoError(t, err)
	_, err = p.control(t, hal.SetupPacket{Request: gadget.RequestSetConfiguration, Value: 1}, nil)
	require.NoError(t, err)
	return p
}

func (p *port) control(t *testing.T, s hal.SetupPacket, data []byte) ([]byte, error) {
	t.Helper()
	return p.h.HostControl(testContext(t), s, data)
}

// classRequest addresses the control interface.
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
	p := newPort(t)

	dev, err := p.control(t, hal.SetupPacket{
		RequestType: 0x80, Request: gadget.RequestGetDescriptor,
		Value: gadget.DescriptorTypeDevice << 8, Length: 18,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{gadget.ClassMisc, 0x02, 0x01}, dev[4:7], "composite device class")

	cfg, err := p.control(t, hal.SetupPacket{
		RequestType: 0x80, Request: gadget.RequestGetDescriptor,
		Value: gadget.DescriptorTypeConfiguration << 8, Length: 255,
	}, nil)
	require.NoError(t, err)
	require.Len(t, cfg, 75)
	assert.Equal(t, byte(2), cfg[4], "interfaces")
	assert.Equal(t, []byte{8, gadget.DescriptorTypeInterfaceAssociation, 0, 2, ClassCDC, SubclassACM, ProtocolAT}, cfg[9:16])
	assert.Equal(t, []byte{9, gadget.DescriptorTypeInterface, 0, 0, 1, ClassCDC, SubclassACM, ProtocolAT}, cfg[17:25])
	assert.Equal(t, []byte{5, DescriptorTypeCSInterface, SubtypeHeader, 0x10, 0x01}, cfg[26:31])
	assert.Equal(t, []byte{5, DescriptorTypeCSInterface, SubtypeUnion, 0, 1}, cfg[40:45])
	assert.Equal(t, []byte{9, gadget.DescriptorTypeInterface, 1, 0, 2, ClassCDCData}, cfg[52:58])
}

func TestLineCoding(t *testing.T) {
	p := newPort(t)
	var changed atomic.Value
	p.acm.SetOnLineCodingChange(func(lc LineCoding) { changed.Store(lc) })

	got, err := p.control(t, classRequest(RequestGetLineCoding, true, 0, LineCodingSize), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xc2, 0x01, 0x00, 0, 0, 8}, got, "115200 8N1")

	want := LineCoding{DTERate: 9600, CharFormat: StopBits2, ParityType: ParityEven, DataBits: 7}
	buf := make([]byte, LineCodingSize)
	want.MarshalTo(buf)
	_, err = p.control(t, classRequest(RequestSetLineCoding, false, 0, LineCodingSize), buf)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return changed.Load() == any(want) }, waitFor, time.Millisecond)
	assert.Equal(t, want, p.acm.LineCoding())

	got, err = p.control(t, classRequest(RequestGetLineCoding, true, 0, LineCodingSize), nil)
	require.NoError(t, err)
	assert.Equal(t, buf, got)

	_, err = p.control(t, classRequest(RequestSetLineCoding, false, 0, 3), []byte{1, 2, 3})
	assert.ErrorIs(t, err, pkg.ErrStall, "short line coding")
}

func TestControlLines(t *testing.T) {
	p := newPort(t)
	var dtr, rts atomic.Bool
	p.acm.SetOnControlStateChange(func(d, r bool) { dtr.Store(d); rts.Store(r) })
	var brk atomic.Int32
	p.acm.SetOnBreak(func(ms uint16) { brk.Store(int32(ms)) })

	_, err := p.control(t, classRequest(RequestSetControlLineState, false, ControlLineDTR|ControlLineRTS, 0), nil)
	require.NoError(t, err)
	assert.True(t, p.acm.DTR())
	assert.True(t, p.acm.RTS())
	assert.True(t, dtr.Load())
	assert.True(t, rts.Load())

	_, err = p.control(t, classRequest(RequestSetControlLineState, false, ControlLineDTR, 0), nil)
	require.NoError(t, err)
	assert.True(t, p.acm.DTR())
	assert.False(t, p.acm.RTS())

	_, err = p.control(t, classRequest(RequestSendBreak, false, 250, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(250), brk.Load())

	other := classRequest(RequestSetControlLineState, false, 0, 0)
	other.Index = 1
	_, err = p.control(t, other, nil)
	assert.ErrorIs(t, err, pkg.ErrStall, "data interface takes no class requests")
}

func TestReadWrite(t *testing.T) {
	p := newPort(t)

	require.NoError(t, p.h.HostSend(0x02, []byte("hello, port")))
	buf := make([]byte, 5)
	n, err := p.acm.Read(testContext(t), buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	big := make([]byte, 64)
	n, err = p.acm.Read(testContext(t), big)
	require.NoError(t, err)
	assert.Equal(t, ", port", string(big[:n]), "rest of the same transfer")

	n, err = p.acm.Write(testContext(t), []byte("world"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	got, err := p.h.HostReceive(testContext(t), 0x82)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)
}

func TestReadCancelled(t *testing.T) {
	p := newPort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.acm.Read(ctx, make([]byte, 8))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, p.h.HostSend(0x02, []byte("late")))
	buf := make([]byte, 8)
	n, err := p.acm.Read(testContext(t), buf)
	require.NoError(t, err)
	assert.Equal(t, "late", string(buf[:n]))
}

func TestSerialState(t *testing.T) {
	p := newPort(t)

	require.NoError(t, p.acm.SendSerialState(testContext(t), SerialStateRxCarrier|SerialStateTxCarrier))
	got, err := p.h.HostReceive(testContext(t), 0x81)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA1, NotificationSerialState, 0, 0, 0, 0, 2, 0, 0x03, 0}, got)
}

func TestNotConfigured(t *testing.T) {
	acm := NewACM(DefaultConfig())
	_, err := acm.Read(context.Background(), make([]byte, 1))
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
	_, err = acm.Write(context.Background(), []byte{1})
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
	assert.ErrorIs(t, acm.SendSerialState(context.Background(), 0), pkg.ErrInvalidState)
}

func TestLineCodingParse(t *testing.T) {
	var lc LineCoding
	assert.False(t, ParseLineCoding([]byte{1, 2}, &lc))
	assert.Zero(t, lc.MarshalTo(make([]byte, 3)))
	require.True(t, ParseLineCoding([]byte{0x80, 0x25, 0, 0, StopBits1_5, ParityOdd, 5}, &lc))
	assert.Equal(t, LineCoding{DTERate: 9600, CharFormat: StopBits1_5, ParityType: ParityOdd, DataBits: 5}, lc)
}
