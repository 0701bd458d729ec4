// Package uio drives a device controller exposed to user space by the Linux
// UIO framework.
//
// The register window is the UIO memory map the platform driver publishes
// (usually uio_pdrv_genirq bound from the device tree), mapped with mmap.
// Interrupts arrive as reads on the /dev/uioN node and are re-armed by
// writing 1 to it. DMA memory comes from physically contiguous locked pages
// allocated with periph's pmem package, which needs root.
//
//	h, err := uio.Open(uio.Config{Name: "dwc3-device"})
//	if err != nil {
//		return err
//	}
//	defer h.Close()
//	c, err := device.New(h, gadget, device.DefaultConfig(), nil)
package uio
