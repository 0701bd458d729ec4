// Package ring implements the segmented TRB rings shared between software
// and the device controller.
//
// A [Ring] is a cycle of fixed-length [Segment]s kept in an arena and linked
// by index. On every ring type except the event ring, the last slot of each
// segment is a link TRB pointing at the next segment, and the link in the
// last segment carries the toggle flag that flips the consumer's cycle state.
//
// Ownership of a slot is decided only by its cycle bit: a TRB belongs to the
// consumer when its cycle bit equals the consumer's cycle state. The
// producer side ([Ring.Queue], [Ring.Write], [Ring.AdvanceEnqueue],
// [Ring.HandOverLink]) and the consumer side ([Ring.Peek],
// [Ring.AdvanceDequeue]) follow the same link and toggle rules, so both
// agree on ownership across any number of wraps.
//
// One slot is always left empty: a ring is empty exactly when its enqueue
// and dequeue cursors are equal.
//
// Transfer rings grow on demand with [Ring.Expand]; the command ring has a
// fixed size. [StreamInfo] holds the per-stream rings of a stream-capable
// endpoint, and [ERST] is the segment table that describes the event ring
// to the controller.
package ring
