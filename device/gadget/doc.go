// Package gadget answers the standard USB requests of a single
// configuration device on top of a [device.Controller].
//
// A [Function] describes the device and its interfaces, serves the
// device, configuration, string and BOS descriptors, and turns
// SET_CONFIGURATION into Configure Endpoint commands. Once the host selects
// the configuration, the [Driver] receives the enabled endpoints and moves
// the data.
//
//	f, _ := gadget.New(cfg, drv)
//	c, _ := device.New(h, f, device.DefaultConfig(), nil)
//	f.Attach(c)
//	c.Start(ctx)
//
// Descriptors serialize with MarshalTo into caller buffers, as the
// controller maps request buffers for DMA.
//
// Several functions can share the configuration: [Config.Associations]
// groups their interfaces with interface association descriptors, and
// [Interface.Descriptors] carries each class's own descriptors. Drivers
// that prefer blocking I/O over completion callbacks use [Transfer].
package gadget
