// Package frame encodes and decodes the buffer's wire framing.
//
// Every frame is a uvarint length followed by one kind byte and a
// kind-specific body:
//
//	uvarint(len) | kind | body
//
// ResetWindow carries base_seconds and BeginWindow/EndWindow carry a
// sequence, both as big-endian uint32. The absolute window id of a frame is
// (base_seconds << 32) | sequence, with base_seconds implied by the most
// recent ResetWindow. Payload frames carry a big-endian int32 partition
// followed by opaque data.
//
// Decode never reads past the slice it is given and reports a frame that is
// still being written as ErrIncomplete rather than an error condition.
package frame
