package hid

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/usbssp/device"
	"github.com/ardnew/usbssp/device/gadget"
	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
)

// MaxReportSize bounds reports moved through the control endpoint.
const MaxReportSize = 64

// Config places the HID function in the device.
type Config struct {
	Interface uint8  `yaml:"interface"`
	In        uint8  `yaml:"in"`  // interrupt IN
	Out       uint8  `yaml:"out"` // interrupt OUT, 0 for none
	SubClass  uint8  `yaml:"subclass"`
	Protocol  uint8  `yaml:"protocol"`
	Interval  uint8  `yaml:"interval"` // bInterval of the endpoints
	Name      string `yaml:"name"`
}

// HID is a human interface device function. It implements
// [gadget.Driver] and [gadget.SetupHandler].
type HID struct {
	cfg    Config
	report []byte
	size   int // largest input report

	mu       sync.Mutex
	c        *device.Controller
	in, out  *device.Endpoint
	protocol uint8
	idle     uint8 // 4 ms units, 0 for indefinite

	onOutput      func(typ uint8, data []byte)
	onGetReport   func(typ, id uint8) []byte
	onSetProtocol func(protocol uint8)
	onSetIdle     func(rate, id uint8)
}

var (
	_ gadget.Driver       = (*HID)(nil)
	_ gadget.SetupHandler = (*HID)(nil)
)

// New returns a function with the given report descriptor whose input
// reports are at most reportSize bytes.
func New(cfg Config, reportDescriptor []byte, reportSize int) *HID {
	if cfg.Interval == 0 {
		cfg.Interval = 4
	}
	return &HID{
		cfg:      cfg,
		report:   reportDescriptor,
		size:     min(max(reportSize, 1), MaxReportSize),
		protocol: ProtocolReport,
	}
}

// NewKeyboard returns a boot keyboard.
func NewKeyboard(cfg Config) *HID {
	cfg.SubClass, cfg.Protocol = SubclassBoot, ProtocolKeyboard
	return New(cfg, KeyboardReportDescriptor, KeyboardReportSize)
}

// NewMouse returns a boot mouse.
func NewMouse(cfg Config) *HID {
	cfg.SubClass, cfg.Protocol = SubclassBoot, ProtocolMouse
	return New(cfg, MouseReportDescriptor, MouseReportSize)
}

// Interface returns the interface to declare in
// [gadget.Config.Interfaces], at index cfg.Interface.
func (h *HID) Interface() gadget.Interface {
	desc := make([]byte, HIDDescriptorSize)
	d := HIDDescriptor{HIDVersion: 0x0111, CountryCode: CountryNone, ReportDescLen: uint16(len(h.report))}
	d.MarshalTo(desc)
	eps := []gadget.Endpoint{{
		Address:       h.cfg.In,
		Type:          device.EndpointTypeInterrupt,
		MaxPacketSize: uint16(h.size),
		Interval:      h.cfg.Interval,
	}}
	if h.cfg.Out != 0 {
		eps = append(eps, gadget.Endpoint{
			Address:       h.cfg.Out,
			Type:          device.EndpointTypeInterrupt,
			MaxPacketSize: uint16(h.size),
			Interval:      h.cfg.Interval,
		})
	}
	return gadget.Interface{
		Class:       ClassHID,
		SubClass:    h.cfg.SubClass,
		Protocol:    h.cfg.Protocol,
		Name:        h.cfg.Name,
		Descriptors: desc,
		Endpoints:   eps,
	}
}

// SetOnOutputReport sets the callback for output and feature reports the
// host sends, through SET_REPORT or the OUT endpoint.
func (h *HID) SetOnOutputReport(cb func(typ uint8, data []byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onOutput = cb
}

// SetOnGetReport sets the callback answering GET_REPORT. Without one the
// host reads zeros.
func (h *HID) SetOnGetReport(cb func(typ, id uint8) []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onGetReport = cb
}

func (h *HID) SetOnSetProtocol(cb func(protocol uint8)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSetProtocol = cb
}

func (h *HID) SetOnSetIdle(cb func(rate, id uint8)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSetIdle = cb
}

// Protocol returns ProtocolBoot or ProtocolReport.
func (h *HID) Protocol() uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.protocol
}

// IdleRate returns the idle rate in 4 ms units.
func (h *HID) IdleRate() uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.idle
}

func (h *HID) Bind(c *device.Controller, eps []*device.Endpoint) error {
	var in, out *device.Endpoint
	for _, ep := range eps {
		switch ep.Address() {
		case h.cfg.In:
			in = ep
		case h.cfg.Out:
			out = ep
		}
	}
	if in == nil || h.cfg.Out != 0 && out == nil {
		return fmt.Errorf("hid: endpoints not enabled: %w", pkg.ErrInvalidEndpoint)
	}
	h.mu.Lock()
	h.c, h.in, h.out = c, in, out
	h.protocol, h.idle = ProtocolReport, 0
	h.mu.Unlock()
	if out != nil {
		return h.read()
	}
	return nil
}

func (h *HID) Unbind() {
	h.mu.Lock()
	h.c, h.in, h.out = nil, nil, nil
	h.mu.Unlock()
}

// read keeps one request queued on the OUT endpoint.
func (h *HID) read() error {
	h.mu.Lock()
	c, out := h.c, h.out
	h.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Enqueue(out, &device.Request{Buf: make([]byte, h.size), Callback: h.received})
}

func (h *HID) received(r *device.Request) {
	if r.Err != nil {
		return
	}
	h.output(ReportTypeOutput, r.Buf[:r.Actual])
	if err := h.read(); err != nil {
		pkg.LogWarn(pkg.ComponentGadget, "hid: queue output read", "error", err)
	}
}

func (h *HID) output(typ uint8, data []byte) {
	h.mu.Lock()
	cb := h.onOutput
	h.mu.Unlock()
	if cb != nil {
		cb(typ, data)
	}
}

// Setup answers the class descriptor requests and the HID class requests
// addressed to the interface.
func (h *HID) Setup(c *device.Controller, s hal.SetupPacket) error {
	if s.Recipient() != gadget.RecipientInterface || uint8(s.Index) != h.cfg.Interface {
		return fmt.Errorf("hid: request %#02x: %w", s.Request, pkg.ErrNotSupported)
	}
	if s.Type() == gadget.RequestTypeStandard {
		return h.classDescriptor(c, s)
	}
	if s.Type() != gadget.RequestTypeClass {
		return fmt.Errorf("hid: request %#02x: %w", s.Request, pkg.ErrNotSupported)
	}

	typ, id := uint8(s.Value>>8), uint8(s.Value)
	switch s.Request {
	case RequestGetReport:
		h.mu.Lock()
		cb := h.onGetReport
		h.mu.Unlock()
		var buf []byte
		if cb != nil {
			buf = cb(typ, id)
		}
		if buf == nil {
			buf = make([]byte, min(int(s.Length), h.size))
		}
		return c.Enqueue(c.EP0(), &device.Request{Buf: buf})
	case RequestSetReport:
		if s.IsDeviceToHost() || s.Length > MaxReportSize {
			return fmt.Errorf("hid: set report of %d bytes: %w", s.Length, pkg.ErrInvalidRequest)
		}
		return c.Enqueue(c.EP0(), &device.Request{
			Buf: make([]byte, s.Length),
			Callback: func(r *device.Request) {
				if r.Err == nil {
					h.output(typ, r.Buf[:r.Actual])
				}
			},
		})
	case RequestGetIdle:
		return c.Enqueue(c.EP0(), &device.Request{Buf: []byte{h.IdleRate()}})
	case RequestSetIdle:
		h.mu.Lock()
		h.idle = typ
		cb := h.onSetIdle
		h.mu.Unlock()
		if cb != nil {
			cb(typ, id)
		}
		return c.Enqueue(c.EP0(), &device.Request{})
	case RequestGetProtocol:
		return c.Enqueue(c.EP0(), &device.Request{Buf: []byte{h.Protocol()}})
	case RequestSetProtocol:
		if s.Value > ProtocolReport || h.cfg.SubClass != SubclassBoot {
			return fmt.Errorf("hid: protocol %d: %w", s.Value, pkg.ErrInvalidRequest)
		}
		h.mu.Lock()
		h.protocol = uint8(s.Value)
		cb := h.onSetProtocol
		h.mu.Unlock()
		pkg.LogDebug(pkg.ComponentGadget, "hid protocol", "protocol", s.Value)
		if cb != nil {
			cb(uint8(s.Value))
		}
		return c.Enqueue(c.EP0(), &device.Request{})
	default:
		return fmt.Errorf("hid: request %#02x: %w", s.Request, pkg.ErrNotSupported)
	}
}

// classDescriptor answers GET_DESCRIPTOR for the HID and report
// descriptors.
func (h *HID) classDescriptor(c *device.Controller, s hal.SetupPacket) error {
	if s.Request != gadget.RequestGetDescriptor {
		return fmt.Errorf("hid: request %#02x: %w", s.Request, pkg.ErrNotSupported)
	}
	switch uint8(s.Value >> 8) {
	case DescriptorTypeHID:
		buf := make([]byte, HIDDescriptorSize)
		d := HIDDescriptor{HIDVersion: 0x0111, CountryCode: CountryNone, ReportDescLen: uint16(len(h.report))}
		d.MarshalTo(buf)
		return c.Enqueue(c.EP0(), &device.Request{Buf: buf})
	case DescriptorTypeReport:
		return c.Enqueue(c.EP0(), &device.Request{Buf: h.report})
	default:
		return fmt.Errorf("hid: descriptor %#02x: %w", s.Value>>8, pkg.ErrNotSupported)
	}
}

// SendReport sends an input report and waits until the host has read it.
func (h *HID) SendReport(ctx context.Context, report []byte) error {
	h.mu.Lock()
	c, in := h.c, h.in
	h.mu.Unlock()
	if c == nil {
		return fmt.Errorf("hid: not configured: %w", pkg.ErrInvalidState)
	}
	if len(report) > h.size {
		return fmt.Errorf("hid: report of %d bytes: %w", len(report), pkg.ErrInvalidParameter)
	}
	_, err := gadget.Transfer(ctx, c, in, report)
	return err
}

func (h *HID) SendKeyboard(ctx context.Context, r *KeyboardReport) error {
	return h.SendReport(ctx, r.Bytes())
}

func (h *HID) SendMouse(ctx context.Context, r *MouseReport) error {
	return h.SendReport(ctx, r.Bytes())
}
