package cdc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ardnew/usbssp/device"
	"github.com/ardnew/usbssp/device/gadget"
	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
)

// MaxRxBufferSize is the size of each OUT request. It is a multiple of every
// bulk max packet size.
const MaxRxBufferSize = 4096

// Config places the ACM function in the device.
type Config struct {
	// Interface is the number of the control interface. The data interface
	// is the next one.
	Interface uint8  `yaml:"interface"`
	Notify    uint8  `yaml:"notify"` // interrupt IN
	In        uint8  `yaml:"in"`     // bulk IN
	Out       uint8  `yaml:"out"`    // bulk OUT
	Name      string `yaml:"name"`
}

// DefaultConfig returns the layout of a device whose only function is
// the ACM port.
func DefaultConfig() Config {
	return Config{Notify: 0x81, In: 0x82, Out: 0x02, Name: "ACM"}
}

// ACM is a CDC Abstract Control Model serial port. It implements
// [gadget.Driver] and [gadget.SetupHandler].
type ACM struct {
	cfg Config

	mu           sync.Mutex
	c            *device.Controller
	notify       *device.Endpoint
	in, out      *device.Endpoint
	lineCoding   LineCoding
	controlState uint16

	onLineCoding   func(LineCoding)
	onControlState func(dtr, rts bool)
	onBreak        func(millis uint16)

	readMu sync.Mutex
	rxBuf  [MaxRxBufferSize]byte
	rx     []byte // received, not yet read
}

var (
	_ gadget.Driver       = (*ACM)(nil)
	_ gadget.SetupHandler = (*ACM)(nil)
)

// NewACM returns a port laid out by cfg.
func NewACM(cfg Config) *ACM {
	return &ACM{cfg: cfg, lineCoding: DefaultLineCoding}
}

// Interfaces returns the control and data interfaces to declare in
// [gadget.Config.Interfaces], at index cfg.Interface.
func (a *ACM) Interfaces() []gadget.Interface {
	return []gadget.Interface{{
		Class:       ClassCDC,
		SubClass:    SubclassACM,
		Protocol:    ProtocolAT,
		Name:        a.cfg.Name,
		Descriptors: functionalDescriptors(a.cfg.Interface, ACMCapLineCoding|ACMCapSendBreak),
		Endpoints: []gadget.Endpoint{
			{Address: a.cfg.Notify, Type: device.EndpointTypeInterrupt, MaxPacketSize: 16, Interval: 8},
		},
	}, {
		Class: ClassCDCData,
		Endpoints: []gadget.Endpoint{
			{Address: a.cfg.In, Type: device.EndpointTypeBulk},
			{Address: a.cfg.Out, Type: device.EndpointTypeBulk},
		},
	}}
}

// Association groups the two interfaces for composite devices.
func (a *ACM) Association() gadget.Association {
	return gadget.Association{
		First:    a.cfg.Interface,
		Count:    2,
		Class:    ClassCDC,
		SubClass: SubclassACM,
		Protocol: ProtocolAT,
		Name:     a.cfg.Name,
	}
}

// SetOnLineCodingChange sets the callback for SET_LINE_CODING.
func (a *ACM) SetOnLineCodingChange(cb func(LineCoding)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onLineCoding = cb
}

// SetOnControlStateChange sets the callback for SET_CONTROL_LINE_STATE.
func (a *ACM) SetOnControlStateChange(cb func(dtr, rts bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onControlState = cb
}

// SetOnBreak sets the callback for SEND_BREAK.
func (a *ACM) SetOnBreak(cb func(millis uint16)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onBreak = cb
}

func (a *ACM) LineCoding() LineCoding {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lineCoding
}

func (a *ACM) DTR() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controlState&ControlLineDTR != 0
}

func (a *ACM) RTS() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controlState&ControlLineRTS != 0
}

// Bind picks the port's endpoints out of eps.
func (a *ACM) Bind(c *device.Controller, eps []*device.Endpoint) error {
	var notify, in, out *device.Endpoint
	for _, ep := range eps {
		switch ep.Address() {
		case a.cfg.Notify:
			notify = ep
		case a.cfg.In:
			in = ep
		case a.cfg.Out:
			out = ep
		}
	}
	if notify == nil || in == nil || out == nil {
		return fmt.Errorf("cdc: acm endpoints not enabled: %w", pkg.ErrInvalidEndpoint)
	}
	a.mu.Lock()
	a.c, a.notify, a.in, a.out = c, notify, in, out
	a.mu.Unlock()
	pkg.LogDebug(pkg.ComponentGadget, "acm bound",
		"notify", notify, "in", in, "out", out)
	return nil
}

func (a *ACM) Unbind() {
	a.mu.Lock()
	a.c, a.notify, a.in, a.out = nil, nil, nil, nil
	a.controlState = 0
	a.mu.Unlock()
}

// Setup answers the ACM class requests addressed to the control interface.
func (a *ACM) Setup(c *device.Controller, s hal.SetupPacket) error {
	if s.Type() != gadget.RequestTypeClass || s.Recipient() != gadget.RecipientInterface ||
		uint8(s.Index) != a.cfg.Interface {
		return fmt.Errorf("cdc: request %#02x: %w", s.Request, pkg.ErrNotSupported)
	}
	switch s.Request {
	case RequestSetLineCoding:
		if s.Length != LineCodingSize || s.IsDeviceToHost() {
			return fmt.Errorf("cdc: set line coding of %d bytes: %w", s.Length, pkg.ErrInvalidRequest)
		}
		return c.Enqueue(c.EP0(), &device.Request{
			Buf:      make([]byte, LineCodingSize),
			Callback: a.setLineCoding,
		})
	case RequestGetLineCoding:
		buf := make([]byte, LineCodingSize)
		a.mu.Lock()
		a.lineCoding.MarshalTo(buf)
		a.mu.Unlock()
		return c.Enqueue(c.EP0(), &device.Request{Buf: buf})
	case RequestSetControlLineState:
		a.mu.Lock()
		a.controlState = s.Value
		cb := a.onControlState
		a.mu.Unlock()
		dtr, rts := s.Value&ControlLineDTR != 0, s.Value&ControlLineRTS != 0
		pkg.LogDebug(pkg.ComponentGadget, "acm control lines", "dtr", dtr, "rts", rts)
		if cb != nil {
			cb(dtr, rts)
		}
		return c.Enqueue(c.EP0(), &device.Request{})
	case RequestSendBreak:
		a.mu.Lock()
		cb := a.onBreak
		a.mu.Unlock()
		if cb != nil {
			cb(s.Value)
		}
		return c.Enqueue(c.EP0(), &device.Request{})
	default:
		return fmt.Errorf("cdc: request %#02x: %w", s.Request, pkg.ErrNotSupported)
	}
}

// setLineCoding completes the data stage of SET_LINE_CODING.
func (a *ACM) setLineCoding(r *device.Request) {
	var lc LineCoding
	if r.Err != nil || !ParseLineCoding(r.Buf[:r.Actual], &lc) {
		return
	}
	a.mu.Lock()
	a.lineCoding = lc
	cb := a.onLineCoding
	a.mu.Unlock()
	pkg.LogDebug(pkg.ComponentGadget, "acm line coding",
		"baud", lc.DTERate, "data_bits", lc.DataBits, "parity", lc.ParityType, "stop", lc.CharFormat)
	if cb != nil {
		cb(lc)
	}
}

func (a *ACM) endpoints() (c *device.Controller, notify, in, out *device.Endpoint, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.c == nil {
		return nil, nil, nil, nil, fmt.Errorf("cdc: port not configured: %w", pkg.ErrInvalidState)
	}
	return a.c, a.notify, a.in, a.out, nil
}

// Read reads what the host sent, blocking until some data arrives or ctx
// is done.
func (a *ACM) Read(ctx context.Context, buf []byte) (int, error) {
	a.readMu.Lock()
	defer a.readMu.Unlock()
	if len(a.rx) == 0 {
		c, _, _, out, err := a.endpoints()
		if err != nil {
			return 0, err
		}
		n, err := gadget.Transfer(ctx, c, out, a.rxBuf[:])
		if err != nil {
			return 0, err
		}
		a.rx = a.rxBuf[:n]
	}
	n := copy(buf, a.rx)
	a.rx = a.rx[n:]
	return n, nil
}

// Write sends data to the host and waits until it has been taken.
func (a *ACM) Write(ctx context.Context, data []byte) (int, error) {
	c, _, in, _, err := a.endpoints()
	if err != nil {
		return 0, err
	}
	return gadget.Transfer(ctx, c, in, data)
}

// SendSerialState sends a SERIAL_STATE notification with the SerialState*
// bits in state.
func (a *ACM) SendSerialState(ctx context.Context, state uint16) error {
	c, notify, _, _, err := a.endpoints()
	if err != nil {
		return err
	}
	buf := []byte{
		0xA1, NotificationSerialState, // class, interface, device to host
		0, 0,
		a.cfg.Interface, 0,
		2, 0,
	}
	buf = binary.LittleEndian.AppendUint16(buf, state)
	_, err = gadget.Transfer(ctx, c, notify, buf)
	return err
}
