package gadget

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/ardnew/usbssp/device"
	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
)

// Exit latencies advertised in the SuperSpeed capability, in microseconds.
const (
	u1ExitLatency = 10
	u2ExitLatency = 256
)

func (f *Function) standard(c *device.Controller, s hal.SetupPacket) error {
	switch s.Recipient() {
	case RecipientDevice:
		return f.deviceRequest(c, s)
	case RecipientInterface:
		return f.interfaceRequest(c, s)
	case RecipientEndpoint:
		return f.endpointRequest(c, s)
	default:
		return fmt.Errorf("recipient %#02x: %w", s.Recipient(), pkg.ErrInvalidRequest)
	}
}

func (f *Function) deviceRequest(c *device.Controller, s hal.SetupPacket) error {
	switch s.Request {
	case RequestGetStatus:
		return reply(c, f.deviceStatus())
	case RequestClearFeature, RequestSetFeature:
		if err := f.deviceFeature(s.Value, s.Request == RequestSetFeature); err != nil {
			return err
		}
		return reply(c, nil)
	case RequestGetDescriptor:
		buf, err := f.descriptor(uint8(s.Value>>8), uint8(s.Value), s.Index)
		if err != nil {
			return err
		}
		return reply(c, buf)
	case RequestGetConfiguration:
		return reply(c, []byte{f.Configuration()})
	case RequestSetConfiguration:
		return f.setConfiguration(c, s.Value)
	case RequestSetSEL:
		if s.Length != setSELLength || f.Speed() < hal.SpeedSuper {
			return fmt.Errorf("set SEL: %w", pkg.ErrInvalidRequest)
		}
		return c.Enqueue(c.EP0(), &device.Request{
			Buf: make([]byte, setSELLength),
			Callback: func(r *device.Request) {
				if r.Err == nil && r.Actual == setSELLength {
					pkg.LogDebug(pkg.ComponentGadget, "exit latencies",
						"u1sel", r.Buf[0], "u1pel", r.Buf[1],
						"u2sel", binary.LittleEndian.Uint16(r.Buf[2:4]),
						"u2pel", binary.LittleEndian.Uint16(r.Buf[4:6]))
				}
			},
		})
	case RequestSetIsochDelay:
		return reply(c, nil)
	default:
		return fmt.Errorf("device request %#02x: %w", s.Request, pkg.ErrInvalidRequest)
	}
}

func (f *Function) deviceStatus() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var st uint16
	if f.cfg.SelfPowered {
		st |= StatusSelfPowered
	}
	if f.remoteWakeup {
		st |= StatusRemoteWakeup
	}
	if f.u1 {
		st |= StatusU1Enabled
	}
	if f.u2 {
		st |= StatusU2Enabled
	}
	return binary.LittleEndian.AppendUint16(nil, st)
}

func (f *Function) deviceFeature(sel uint16, set bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch sel {
	case FeatureDeviceRemoteWakeup:
		if set && !f.cfg.RemoteWakeup {
			return fmt.Errorf("remote wakeup: %w", pkg.ErrNotSupported)
		}
		f.remoteWakeup = set
	case FeatureU1Enable, FeatureU2Enable:
		if f.speed < hal.SpeedSuper || f.config == 0 {
			return fmt.Errorf("feature %d: %w", sel, pkg.ErrInvalidState)
		}
		if sel == FeatureU1Enable {
			f.u1 = set
		} else {
			f.u2 = set
		}
	default:
		return fmt.Errorf("device feature %d: %w", sel, pkg.ErrNotSupported)
	}
	return nil
}

func (f *Function) setConfiguration(c *device.Controller, v uint16) error {
	if v > 1 {
		return fmt.Errorf("set configuration %d: %w", v, pkg.ErrInvalidRequest)
	}
	switch st := c.State(); st {
	case device.StateAddress, device.StateConfigured:
	default:
		return fmt.Errorf("set configuration in %s state: %w", st, pkg.ErrInvalidState)
	}
	if cur := f.Configuration(); uint8(v) != cur {
		if cur != 0 {
			if err := f.unconfigure(c); err != nil {
				return err
			}
		}
		if v != 0 {
			if err := f.configure(c); err != nil {
				return err
			}
		}
	}
	return reply(c, nil)
}

func (f *Function) interfaceRequest(c *device.Controller, s hal.SetupPacket) error {
	if n := int(s.Index & 0xff); f.Configuration() == 0 || n >= len(f.cfg.Interfaces) {
		return fmt.Errorf("interface %d: %w", n, pkg.ErrInvalidRequest)
	}
	switch s.Request {
	case RequestGetStatus:
		return reply(c, []byte{0, 0})
	case RequestGetInterface:
		return reply(c, []byte{0})
	case RequestSetInterface:
		if s.Value != 0 {
			return fmt.Errorf("alternate setting %d: %w", s.Value, pkg.ErrNotSupported)
		}
		return reply(c, nil)
	case RequestClearFeature, RequestSetFeature:
		if s.Value != FeatureFunctionSuspend {
			return fmt.Errorf("interface feature %d: %w", s.Value, pkg.ErrNotSupported)
		}
		return reply(c, nil)
	case RequestGetDescriptor:
		// Class descriptors such as HID report descriptors.
		if h, ok := f.driver.(SetupHandler); ok {
			return h.Setup(c, s)
		}
		return fmt.Errorf("interface descriptor %#04x: %w", s.Value, pkg.ErrNotSupported)
	default:
		return fmt.Errorf("interface request %#02x: %w", s.Request, pkg.ErrInvalidRequest)
	}
}

func (f *Function) endpointRequest(c *device.Controller, s hal.SetupPacket) error {
	ep := c.Endpoint(uint8(s.Index))
	if ep == nil {
		return fmt.Errorf("endpoint %#02x: %w", uint8(s.Index), pkg.ErrInvalidEndpoint)
	}
	switch s.Request {
	case RequestGetStatus:
		var st uint16
		if ep.State() == device.EndpointHalted {
			st |= StatusEndpointHalt
		}
		return reply(c, binary.LittleEndian.AppendUint16(nil, st))
	case RequestClearFeature, RequestSetFeature:
		if s.Value != FeatureEndpointHalt {
			return fmt.Errorf("endpoint feature %d: %w", s.Value, pkg.ErrNotSupported)
		}
		if ep.Index() != 0 {
			var err error
			if s.Request == RequestSetFeature {
				err = c.SetHalt(ep, true)
			} else {
				err = c.ClearHaltFromHost(ep)
			}
			if err != nil {
				return err
			}
		}
		return reply(c, nil)
	default:
		return fmt.Errorf("endpoint request %#02x: %w", s.Request, pkg.ErrInvalidRequest)
	}
}

// descriptor returns the descriptor GET_DESCRIPTOR asks for.
func (f *Function) descriptor(typ, index uint8, lang uint16) ([]byte, error) {
	speed := f.Speed()
	var buf []byte
	switch typ {
	case DescriptorTypeDevice:
		buf = make([]byte, DeviceDescriptorSize)
		d := f.deviceDescriptor(speed)
		d.MarshalTo(buf)
	case DescriptorTypeConfiguration:
		if index != 0 {
			return nil, fmt.Errorf("configuration %d: %w", index, pkg.ErrNotFound)
		}
		buf = f.configurationDescriptor(speed)
	case DescriptorTypeOtherSpeedConfig, DescriptorTypeDeviceQualifier:
		other := hal.SpeedFull
		switch speed {
		case hal.SpeedFull:
			other = hal.SpeedHigh
		case hal.SpeedHigh:
		default:
			return nil, fmt.Errorf("descriptor %#02x at %s: %w", typ, speed, pkg.ErrNotSupported)
		}
		if typ == DescriptorTypeDeviceQualifier {
			buf = make([]byte, DeviceQualifierSize)
			d := f.deviceDescriptor(other)
			d.MarshalQualifierTo(buf)
		} else {
			buf = f.configurationDescriptor(other)
			buf[1] = DescriptorTypeOtherSpeedConfig
		}
	case DescriptorTypeString:
		if index == 0 {
			buf = make([]byte, 4)
			LanguageDescriptorTo(buf, LangIDUSEnglish)
			break
		}
		if int(index) > len(f.strings) || lang != LangIDUSEnglish && lang != 0 {
			return nil, fmt.Errorf("string %d lang %#04x: %w", index, lang, pkg.ErrNotFound)
		}
		buf = make([]byte, 255)
		buf = buf[:StringDescriptorTo(buf, f.strings[index-1])]
	case DescriptorTypeBOS:
		buf = make([]byte, BOSDescriptorSize+USB2ExtensionSize+SuperSpeedCapabilitySize)
		BOSTo(buf, speed == hal.SpeedHigh, u1ExitLatency, u2ExitLatency)
	default:
		return nil, fmt.Errorf("descriptor %#02x: %w", typ, pkg.ErrNotSupported)
	}
	return buf, nil
}

func (f *Function) deviceDescriptor(speed hal.Speed) DeviceDescriptor {
	d := DeviceDescriptor{
		USBVersion:        0x0210,
		MaxPacketSize0:    uint8(speed.EP0MaxPacket()),
		VendorID:          f.cfg.VendorID,
		ProductID:         f.cfg.ProductID,
		DeviceVersion:     f.cfg.DeviceVersion,
		ManufacturerIndex: f.stringIndex(f.cfg.Manufacturer),
		ProductIndex:      f.stringIndex(f.cfg.Product),
		SerialNumberIndex: f.stringIndex(f.cfg.Serial),
		NumConfigurations: 1,
	}
	if len(f.cfg.Associations) > 0 {
		d.DeviceClass, d.DeviceSubClass, d.DeviceProtocol = ClassMisc, 0x02, 0x01
	}
	if speed >= hal.SpeedSuper {
		d.USBVersion = 0x0320
		d.MaxPacketSize0 = uint8(bits.TrailingZeros16(speed.EP0MaxPacket()))
	}
	return d
}

// configurationDescriptor returns the configuration and every interface
// and endpoint descriptor under it, as seen at speed.
func (f *Function) configurationDescriptor(speed hal.Speed) []byte {
	super := speed >= hal.SpeedSuper
	size := ConfigurationDescriptorSize + len(f.cfg.Associations)*IADSize
	for _, iface := range f.cfg.Interfaces {
		size += InterfaceDescriptorSize + len(iface.Descriptors) + len(iface.Endpoints)*EndpointDescriptorSize
		if super {
			size += len(iface.Endpoints) * CompanionDescriptorSize
		}
	}
	buf := make([]byte, size)

	unit := uint16(2)
	if super {
		unit = 8
	}
	hdr := ConfigurationDescriptor{
		TotalLength:        uint16(size),
		NumInterfaces:      uint8(len(f.cfg.Interfaces)),
		ConfigurationValue: 1,
		Attributes:         ConfigAttrBusPowered,
		MaxPower:           uint8(min((f.cfg.MaxPower+unit-1)/unit, 255)),
	}
	if f.cfg.SelfPowered {
		hdr.Attributes |= ConfigAttrSelfPowered
	}
	if f.cfg.RemoteWakeup {
		hdr.Attributes |= ConfigAttrRemoteWakeup
	}
	n := hdr.MarshalTo(buf)

	assoc := f.cfg.Associations
	for i, iface := range f.cfg.Interfaces {
		if len(assoc) > 0 && int(assoc[0].First) == i {
			iad := InterfaceAssociationDescriptor{
				FirstInterface:   assoc[0].First,
				InterfaceCount:   assoc[0].Count,
				FunctionClass:    assoc[0].Class,
				FunctionSubClass: assoc[0].SubClass,
				FunctionProtocol: assoc[0].Protocol,
				FunctionIndex:    f.stringIndex(assoc[0].Name),
			}
			n += iad.MarshalTo(buf[n:])
			assoc = assoc[1:]
		}
		id := InterfaceDescriptor{
			InterfaceNumber:   uint8(i),
			NumEndpoints:      uint8(len(iface.Endpoints)),
			InterfaceClass:    iface.Class,
			InterfaceSubClass: iface.SubClass,
			InterfaceProtocol: iface.Protocol,
			InterfaceIndex:    f.stringIndex(iface.Name),
		}
		n += id.MarshalTo(buf[n:])
		n += copy(buf[n:], iface.Descriptors)
		for _, e := range iface.Endpoints {
			ed := EndpointDescriptor{
				EndpointAddress: e.Address,
				Attributes:      e.Type,
				MaxPacketSize:   e.packetSize(speed),
				Interval:        e.Interval,
			}
			if e.Type == device.EndpointTypeBulk {
				ed.Interval = 0
			}
			n += ed.MarshalTo(buf[n:])
			if super {
				cd := e.companion(speed)
				n += cd.MarshalTo(buf[n:])
			}
		}
	}
	return buf
}

// packetSize returns the max packet size of e at speed. Bulk endpoints
// always use the largest size the speed allows.
func (e *Endpoint) packetSize(speed hal.Speed) uint16 {
	switch {
	case e.Type == device.EndpointTypeBulk && speed >= hal.SpeedSuper:
		return 1024
	case e.Type == device.EndpointTypeBulk && speed == hal.SpeedHigh:
		return 512
	case e.Type == device.EndpointTypeBulk:
		return 64
	case speed >= hal.SpeedHigh:
		return min(e.MaxPacketSize, 1024)
	case e.Type == device.EndpointTypeIsochronous:
		return min(e.MaxPacketSize, 1023)
	default:
		return min(e.MaxPacketSize, 64)
	}
}

func (e *Endpoint) companion(speed hal.Speed) CompanionDescriptor {
	cd := CompanionDescriptor{MaxBurst: e.MaxBurst}
	switch e.Type {
	case device.EndpointTypeBulk:
		if e.MaxStreams > 1 {
			cd.Attributes = uint8(bits.Len16(e.MaxStreams) - 1)
		}
	default:
		cd.BytesPerInterval = e.packetSize(speed) * uint16(e.MaxBurst+1)
	}
	return cd
}

// contextInterval converts bInterval to the exponent the endpoint context
// takes, in 125 us units.
func (e *Endpoint) contextInterval(speed hal.Speed) uint8 {
	switch {
	case e.Type == device.EndpointTypeBulk || e.Interval == 0:
		return 0
	case speed >= hal.SpeedHigh:
		return min(e.Interval, 16) - 1
	case e.Type == device.EndpointTypeIsochronous:
		return min(e.Interval, 16) + 2
	default:
		return uint8(bits.Len8(e.Interval)) + 2
	}
}

// config returns the endpoint configuration for [device.Controller.AddEndpoint].
func (e *Endpoint) config(speed hal.Speed) hal.EndpointConfig {
	cfg := hal.EndpointConfig{
		Address:       e.Address,
		Attributes:    e.Type,
		MaxPacketSize: e.packetSize(speed),
		Interval:      e.contextInterval(speed),
	}
	if speed >= hal.SpeedSuper {
		cfg.MaxBurst = e.MaxBurst
		if e.Type == device.EndpointTypeBulk {
			cfg.MaxStreams = e.MaxStreams
		}
	}
	return cfg
}
