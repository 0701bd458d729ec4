// Package sim is a software model of the device controller.
//
// [HAL] implements [hal.DeviceHAL] on top of [hal.MmapAllocator]: the
// register window is decoded in Go, and the command and transfer rings the
// driver builds in DMA memory are consumed by following their cycle bits
// and link TRBs exactly as hardware does. Events are written to the event
// ring described by the segment table and signalled on the interrupt
// channel.
//
// Register writes take effect before they return. Ringing a doorbell runs
// the addressed ring until it is empty or waits on the modelled host, so
// tests are deterministic without sleeping.
//
// The host side of the single port is driven with [HAL.Connect],
// [HAL.BusReset], [HAL.HostControl], [HAL.HostSend] and [HAL.HostReceive].
// Faults are injected with [HAL.HangNextCommand], [HAL.IgnoreAbort],
// [HAL.FailNextCommand], [HAL.InjectTransferError] and [HAL.Remove]; an
// endpoint can be held with [HAL.Hold] so its TRBs are consumed one
// [HAL.Step] at a time.
package sim
