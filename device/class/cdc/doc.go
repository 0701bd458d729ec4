// Package cdc implements a CDC-ACM serial port on top of the gadget layer.
//
// The port is two interfaces: a communications interface carrying the
// class requests (SET_LINE_CODING, SET_CONTROL_LINE_STATE, SEND_BREAK)
// and the SERIAL_STATE notification endpoint, and a data interface with
// a bulk pair.
//
//	acm := cdc.NewACM(cdc.DefaultConfig())
//	f, err := gadget.New(gadget.Config{
//		VendorID:   0x1209,
//		ProductID:  0x0002,
//		Product:    "serial",
//		Interfaces: acm.Interfaces(),
//	}, acm)
//	...
//	n, err := acm.Read(ctx, buf)
//
// Composite devices add [ACM.Association] to the gadget configuration so
// hosts bind one driver to both interfaces.
package cdc
