// Package envelope implements the Frame Buffer primitive and the three wire
// framings transmitted with every fabric message: the routing envelope, the
// router framing, and the request/reply framing (spec §3, §4.1).
//
// Wire convention: a transmitted datagram is zero or more length-prefixed
// (uint32, little-endian) frames — in order, routing envelope, router
// framing, request/reply framing, each present only when that layer applies
// — followed by the opaque application payload running to the end of the
// datagram with no length prefix of its own. This mirrors core/codec's
// convention of a length-prefixed path segment followed by an un-prefixed
// payload tail (core/codec/packet.go's ReadFrom/WriteTo).
//
// Buffer models this as a movable stack: PushFrame adds a new frame and
// makes it current; PopFrame removes the current frame without discarding
// the ones below it; Trim discards any frames sitting above the current
// index. Every Encode/Decode helper in this package pushes at most one
// frame and pops it again on any error path, so FrameIndex is unchanged
// across a failing call (spec §8 invariant 1).
package envelope
