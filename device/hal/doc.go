// Package hal defines the boundary between the controller core and the
// hardware it drives.
//
// A backend exposes three things: a register window ([Registers]), memory
// the controller can reach by DMA ([Allocator] and [Mem]) and an interrupt
// line ([DeviceHAL.Interrupt]). Everything above this package is written
// against those interfaces only, so the same core runs on memory-mapped
// silicon and on the software model in
// [github.com/ardnew/usbssp/device/hal/sim].
//
// # Register Map
//
// The register offsets and bit names in this package follow the layout of
// the device controller: a capability block at offset zero, an operational
// block at the capability length, runtime registers holding the interrupter
// sets, and a doorbell array. Offsets inside a block are relative to the
// start of that block.
//
// # Shared Memory
//
// [Mem] regions are zeroed on allocation and released exactly once with
// Close. [MmapAllocator] backs regions with anonymous mappings and assigns
// synthetic bus addresses that a software controller can translate back with
// [MmapAllocator.Resolve].
//
// # Polling
//
// [Handshake] waits for a register bit pattern with a bounded deadline and
// reports a vanished controller (all-ones reads) as [pkg.ErrNoDevice].
//
// [pkg.ErrNoDevice]: https://pkg.go.dev/github.com/ardnew/usbssp/pkg#ErrNoDevice
package hal
