// Package device implements the driver core for a USB device controller
// with an xHCI-style register interface.
//
// It is platform-agnostic and drives hardware through the [hal.DeviceHAL]
// interface defined in the [github.com/ardnew/usbssp/device/hal] package.
// Backends exist for a software model of the controller
// ([github.com/ardnew/usbssp/device/hal/sim]) and for controllers exposed
// through UIO ([github.com/ardnew/usbssp/device/hal/uio]).
//
// # Architecture
//
//   - [Controller] owns the command ring, the event ring and the device slot
//   - [Endpoint] is one endpoint context with its transfer ring or stream rings
//   - [Request] is one transfer queued on an endpoint
//   - [Gadget] is the function layer the controller reports bus events to
//
// # Concurrency
//
// All ring and device state is guarded by one mutex per controller. An
// interrupt task drains the event ring; a worker handles connect, bus reset,
// disconnect, link changes and setup packets. Both run under the mutex; the
// worker drops it while it waits for a command to complete, and so do the
// exported methods that issue commands. Request callbacks and [Gadget]
// methods always run without the mutex held.
//
// # Device States
//
// The controller follows the USB 2.0 device state machine:
//
//	Attached → Powered → Default → Address → Configured
//	                                    ↓
//	                               Suspended
//
// [StateDefault] is entered when the host connects or resets the bus,
// [StateAddress] after SET_ADDRESS and [StateConfigured] once a
// Configure Endpoint command commits a non-control endpoint.
//
// # Example Usage
//
//	h := sim.New(sim.Config{})
//	c, err := device.New(h, myGadget, device.Config{}, prometheus.DefaultRegisterer)
//	if err != nil {
//	    return err
//	}
//	if err := c.Start(ctx); err != nil {
//	    return err
//	}
//	defer c.Stop()
package device
