// Package trb defines the Transfer Request Block, the 16-byte record that the
// driver and the device controller exchange through shared memory.
//
// A TRB is four little-endian 32-bit fields. Field 3 carries the cycle bit
// (bit 0) and the six-bit type (bits 10-15) on every variant; the remaining
// bits are interpreted per type. [TRB] holds the fields in host byte order;
// [Load] and [Store] move a TRB in and out of shared memory, writing field 3
// last so that ownership changes hands only after the payload is visible.
//
// Builders such as [Normal], [Link], [StopEndpoint] and [TransferEvent]
// return TRBs with the cycle bit clear; the ring that queues a TRB decides
// its cycle bit.
package trb
