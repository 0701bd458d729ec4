package gadget

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ardnew/usbssp/device"
	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
)

// Endpoint declares one endpoint of an interface.
type Endpoint struct {
	Address       uint8  `yaml:"address"`
	Type          uint8  `yaml:"type"`            // device.EndpointType*
	MaxPacketSize uint16 `yaml:"max_packet_size"` // interrupt and isochronous only
	Interval      uint8  `yaml:"interval"`        // bInterval
	MaxBurst      uint8  `yaml:"max_burst"`
	MaxStreams    uint16 `yaml:"max_streams"` // bulk only, a power of two
}

// Interface declares an interface with a single alternate setting.
type Interface struct {
	Class     uint8      `yaml:"class"`
	SubClass  uint8      `yaml:"subclass"`
	Protocol  uint8      `yaml:"protocol"`
	Name      string     `yaml:"name"`
	Endpoints []Endpoint `yaml:"endpoints"`
	// Descriptors holds class-specific descriptors, written right after
	// the interface descriptor.
	Descriptors []byte `yaml:"-"`
}

// Association groups Count interfaces starting at First into one function.
type Association struct {
	First    uint8  `yaml:"first"`
	Count    uint8  `yaml:"count"`
	Class    uint8  `yaml:"class"`
	SubClass uint8  `yaml:"subclass"`
	Protocol uint8  `yaml:"protocol"`
	Name     string `yaml:"name"`
}

// Config describes a device with one configuration.
type Config struct {
	VendorID      uint16      `yaml:"vendor_id"`
	ProductID     uint16      `yaml:"product_id"`
	DeviceVersion uint16      `yaml:"device_version"`
	Manufacturer  string      `yaml:"manufacturer"`
	Product       string      `yaml:"product"`
	Serial        string      `yaml:"serial"`
	MaxPower      uint16      `yaml:"max_power"` // mA
	SelfPowered   bool        `yaml:"self_powered"`
	RemoteWakeup  bool        `yaml:"remote_wakeup"`
	Interfaces    []Interface `yaml:"interfaces"`
	// Associations makes the device composite. The device descriptor then
	// announces interface association descriptors.
	Associations []Association `yaml:"associations"`
}

// Driver moves the data of the configured function.
type Driver interface {
	// Bind runs when the host selects the configuration. eps holds the
	// enabled endpoints in declaration order.
	Bind(c *device.Controller, eps []*device.Endpoint) error
	// Unbind runs when the configuration is gone. Requests queued on its
	// endpoints have been given back.
	Unbind()
}

// SetupHandler is implemented by drivers that answer class or vendor
// requests. It follows the contract of [device.Gadget.Setup].
type SetupHandler interface {
	Setup(c *device.Controller, setup hal.SetupPacket) error
}

// Function is a [device.Gadget] serving one configuration.
type Function struct {
	cfg     Config
	driver  Driver
	strings []string // string descriptor i is strings[i-1]

	mu           sync.Mutex
	c            *device.Controller
	speed        hal.Speed
	config       uint8
	eps          []*device.Endpoint
	remoteWakeup bool
	u1, u2       bool
}

// New validates cfg and returns a function driven by d.
func New(cfg Config, d Driver) (*Function, error) {
	if d == nil {
		return nil, fmt.Errorf("gadget: nil driver: %w", pkg.ErrInvalidParameter)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	f := &Function{cfg: cfg, driver: d}
	for _, s := range []string{cfg.Manufacturer, cfg.Product, cfg.Serial} {
		f.addString(s)
	}
	for _, iface := range cfg.Interfaces {
		f.addString(iface.Name)
	}
	for _, a := range cfg.Associations {
		f.addString(a.Name)
	}
	return f, nil
}

func (cfg *Config) validate() error {
	if len(cfg.Interfaces) == 0 || len(cfg.Interfaces) > 32 {
		return fmt.Errorf("gadget: %d interfaces: %w", len(cfg.Interfaces), pkg.ErrInvalidParameter)
	}
	var seen [32]bool
	for _, iface := range cfg.Interfaces {
		for _, e := range iface.Endpoints {
			idx := hal.EndpointIndex(e.Address)
			switch {
			case e.Address&0x70 != 0 || e.Address&0x0f == 0:
				return fmt.Errorf("gadget: endpoint %#02x: %w", e.Address, pkg.ErrInvalidEndpoint)
			case seen[idx]:
				return fmt.Errorf("gadget: endpoint %#02x declared twice: %w", e.Address, pkg.ErrInvalidEndpoint)
			case e.Type == device.EndpointTypeControl || e.Type > device.EndpointTypeInterrupt:
				return fmt.Errorf("gadget: endpoint %#02x: type %d: %w", e.Address, e.Type, pkg.ErrInvalidParameter)
			case e.Type != device.EndpointTypeBulk && e.MaxPacketSize == 0:
				return fmt.Errorf("gadget: endpoint %#02x: zero max packet size: %w", e.Address, pkg.ErrInvalidParameter)
			case e.MaxStreams != 0 && (e.Type != device.EndpointTypeBulk || e.MaxStreams&(e.MaxStreams-1) != 0):
				return fmt.Errorf("gadget: endpoint %#02x: %d streams: %w", e.Address, e.MaxStreams, pkg.ErrInvalidParameter)
			case e.MaxBurst > 15:
				return fmt.Errorf("gadget: endpoint %#02x: burst %d: %w", e.Address, e.MaxBurst, pkg.ErrInvalidParameter)
			}
			seen[idx] = true
		}
	}
	next := 0
	for _, a := range cfg.Associations {
		if a.Count == 0 || int(a.First) < next || int(a.First)+int(a.Count) > len(cfg.Interfaces) {
			return fmt.Errorf("gadget: association of %d interfaces at %d: %w", a.Count, a.First, pkg.ErrInvalidParameter)
		}
		next = int(a.First) + int(a.Count)
	}
	return nil
}

func (f *Function) addString(s string) {
	if s != "" && !slices.Contains(f.strings, s) {
		f.strings = append(f.strings, s)
	}
}

func (f *Function) stringIndex(s string) uint8 {
	if s == "" {
		return 0
	}
	return uint8(slices.Index(f.strings, s) + 1)
}

// Attach binds f to the controller it serves. It must be called before the
// controller starts.
func (f *Function) Attach(c *device.Controller) {
	f.mu.Lock()
	f.c = c
	f.mu.Unlock()
}

// Configuration returns the selected configuration value, 0 when
// unconfigured.
func (f *Function) Configuration() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}

// Speed returns the speed of the current connection.
func (f *Function) Speed() hal.Speed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speed
}

// RemoteWakeupEnabled reports whether the host armed remote wakeup.
func (f *Function) RemoteWakeupEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteWakeup
}

// Endpoints returns the enabled endpoints of the configuration.
func (f *Function) Endpoints() []*device.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.eps)
}

func (f *Function) Connect(speed hal.Speed) {
	f.mu.Lock()
	f.speed = speed
	f.mu.Unlock()
	pkg.LogInfo(pkg.ComponentGadget, "host connected", "speed", speed)
}

func (f *Function) Disconnect() {
	f.leave(hal.SpeedUnknown)
	pkg.LogInfo(pkg.ComponentGadget, "host disconnected")
}

func (f *Function) Reset(speed hal.Speed) {
	f.leave(speed)
	pkg.LogInfo(pkg.ComponentGadget, "bus reset", "speed", speed)
}

func (f *Function) Suspend() { pkg.LogDebug(pkg.ComponentGadget, "suspended") }
func (f *Function) Resume()  { pkg.LogDebug(pkg.ComponentGadget, "resumed") }

// leave forgets the configuration after the controller dropped its
// endpoints.
func (f *Function) leave(speed hal.Speed) {
	f.mu.Lock()
	configured := f.config != 0
	f.speed, f.config, f.eps = speed, 0, nil
	f.remoteWakeup, f.u1, f.u2 = false, false, false
	f.mu.Unlock()
	if configured {
		f.driver.Unbind()
	}
}

// Setup answers standard requests and hands class and vendor requests to
// the driver.
func (f *Function) Setup(setup hal.SetupPacket) error {
	f.mu.Lock()
	c := f.c
	f.mu.Unlock()
	if c == nil {
		return fmt.Errorf("gadget: not attached: %w", pkg.ErrInvalidState)
	}
	switch setup.Type() {
	case RequestTypeStandard:
		return f.standard(c, setup)
	case RequestTypeClass, RequestTypeVendor:
		if h, ok := f.driver.(SetupHandler); ok {
			return h.Setup(c, setup)
		}
		return fmt.Errorf("request %#02x: %w", setup.Request, pkg.ErrNotSupported)
	default:
		return fmt.Errorf("request type %#02x: %w", setup.RequestType, pkg.ErrInvalidRequest)
	}
}

// reply queues the data stage, if any, and the status stage of the
// request being handled.
func reply(c *device.Controller, buf []byte) error {
	return c.Enqueue(c.EP0(), &device.Request{Buf: buf})
}

// configure enables the endpoints of every interface and binds the driver.
func (f *Function) configure(c *device.Controller) error {
	speed := f.Speed()
	eps := make([]*device.Endpoint, 0, 4)
	for _, iface := range f.cfg.Interfaces {
		for _, e := range iface.Endpoints {
			ep, err := c.AddEndpoint(e.config(speed))
			if err != nil {
				if rerr := c.ResetBandwidth(); rerr != nil {
					pkg.LogError(pkg.ComponentGadget, "discard staged endpoints", "error", rerr)
				}
				return err
			}
			eps = append(eps, ep)
		}
	}
	if err := c.CheckBandwidth(); err != nil {
		return err
	}
	f.mu.Lock()
	f.config, f.eps = 1, eps
	f.mu.Unlock()

	if err := f.driver.Bind(c, eps); err != nil {
		pkg.LogError(pkg.ComponentGadget, "bind driver", "error", err)
		if derr := f.drop(c, f.take()); derr != nil {
			pkg.LogError(pkg.ComponentGadget, "drop endpoints", "error", derr)
		}
		return err
	}
	pkg.LogInfo(pkg.ComponentGadget, "configured", "endpoints", len(eps), "speed", speed)
	return nil
}

// unconfigure disables the endpoints and unbinds the driver.
func (f *Function) unconfigure(c *device.Controller) error {
	err := f.drop(c, f.take())
	f.driver.Unbind()
	pkg.LogInfo(pkg.ComponentGadget, "unconfigured")
	return err
}

func (f *Function) take() []*device.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	eps := f.eps
	f.config, f.eps = 0, nil
	f.u1, f.u2 = false, false
	return eps
}

func (f *Function) drop(c *device.Controller, eps []*device.Endpoint) error {
	for _, ep := range eps {
		if err := c.DropEndpoint(ep.Address()); err != nil {
			return err
		}
	}
	return c.CheckBandwidth()
}
