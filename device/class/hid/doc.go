// Package hid implements a Human Interface Device function for
// [gadget.Function].
//
// A function is built from a report descriptor, or as a boot keyboard or
// mouse:
//
//	kbd := hid.NewKeyboard(hid.Config{In: 0x81, Out: 0x01, Name: "keyboard"})
//	f, err := gadget.New(gadget.Config{
//		VendorID:   0x1209,
//		ProductID:  0x0003,
//		Interfaces: []gadget.Interface{kbd.Interface()},
//	}, kbd)
//
// Once the host configures the device, input reports go out with
// [HID.SendReport] and output reports arrive through the callback set by
// [HID.SetOnOutputReport], from the interrupt OUT endpoint or SET_REPORT.
package hid
