package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind tags a frame. It is the first byte after the length prefix.
type Kind byte

const (
	NoMessage Kind = iota
	Payload
	ResetWindow
	BeginWindow
	EndWindow
	EndStream
	Checkpoint
	maxKind
)

func (k Kind) String() string {
	switch k {
	case NoMessage:
		return "NO_MESSAGE"
	case Payload:
		return "PAYLOAD"
	case ResetWindow:
		return "RESET_WINDOW"
	case BeginWindow:
		return "BEGIN_WINDOW"
	case EndWindow:
		return "END_WINDOW"
	case EndStream:
		return "END_STREAM"
	case Checkpoint:
		return "CHECKPOINT"
	default:
		return fmt.Sprintf("KIND(%d)", byte(k))
	}
}

var (
	// ErrIncomplete means the frame at the offset is not fully written yet.
	// Readers racing the writer see it routinely; it is retryable.
	ErrIncomplete = errors.New("frame: incomplete")
	// ErrCorrupt means the length prefix or kind byte is structurally invalid.
	ErrCorrupt = errors.New("frame: corrupt framing")
)

const (
	// ResetWindowSize is the canonical encoded size of a ResetWindow frame.
	// A non-minimal length prefix makes a decoded one longer.
	ResetWindowSize = 1 + 1 + 4
	// windowBodySize is the body size of kinds carrying a sequence.
	windowBodySize = 4
	// partitionSize prefixes payload data.
	partitionSize = 4
)

// WindowID composes an absolute window id.
func WindowID(baseSeconds, sequence uint32) uint64 {
	return uint64(baseSeconds)<<32 | uint64(sequence)
}

// BaseSeconds returns the high half of a window id.
func BaseSeconds(window uint64) uint32 { return uint32(window >> 32) }

// Sequence returns the low half of a window id.
func Sequence(window uint64) uint32 { return uint32(window) }

// FormatWindow renders a window id as base:sequence, matching how operators
// read them in logs.
func FormatWindow(window uint64) string {
	return fmt.Sprintf("%08x:%d", BaseSeconds(window), Sequence(window))
}

// View is a decoded frame located inside a buffer. Data and Raw alias the
// buffer they were decoded from.
type View struct {
	Kind Kind
	// Offset is where the length prefix starts.
	Offset int
	// Size covers the prefix, the kind byte and the body.
	Size int
	// Raw is the whole encoded frame, prefix included.
	Raw []byte
	// Body excludes prefix and kind byte.
	Body []byte
}

// End is the offset right after the frame.
func (v View) End() int { return v.Offset + v.Size }

// BaseSeconds decodes the body of a ResetWindow frame.
func (v View) BaseSeconds() uint32 { return binary.BigEndian.Uint32(v.Body) }

// Sequence decodes the body of a window-carrying frame.
func (v View) Sequence() uint32 { return binary.BigEndian.Uint32(v.Body) }

// Partition decodes the partition of a Payload frame.
func (v View) Partition() int32 { return int32(binary.BigEndian.Uint32(v.Body)) }

// Data is the opaque application data of a Payload frame.
func (v View) Data() []byte { return v.Body[partitionSize:] }

// Decode reads the frame starting at off. buf must end at the first byte
// not yet committed by the writer.
func Decode(buf []byte, off int) (View, error) {
	if off >= len(buf) {
		return View{}, ErrIncomplete
	}
	length, n := binary.Uvarint(buf[off:])
	if n == 0 {
		return View{}, ErrIncomplete
	}
	if n < 0 {
		return View{}, errors.Wrapf(ErrCorrupt, "varint overflow at offset %d", off)
	}
	if length == 0 {
		return View{}, errors.Wrapf(ErrCorrupt, "zero length frame at offset %d", off)
	}
	start := off + n
	if length > uint64(len(buf)-start) {
		return View{}, ErrIncomplete
	}
	end := start + int(length)
	kind := Kind(buf[start])
	if kind >= maxKind {
		return View{}, errors.Wrapf(ErrCorrupt, "unknown kind %d at offset %d", byte(kind), off)
	}
	v := View{Kind: kind, Offset: off, Size: end - off, Raw: buf[off:end], Body: buf[start+1 : end]}
	if err := checkBody(v); err != nil {
		return View{}, err
	}
	return v, nil
}

// checkBody rejects bodies that do not fit their kind. Window kinds carry
// exactly one 32-bit value; payloads carry at least a partition.
func checkBody(v View) error {
	switch v.Kind {
	case ResetWindow, BeginWindow, EndWindow, EndStream, Checkpoint:
		if len(v.Body) != windowBodySize {
			return errors.Wrapf(ErrCorrupt, "%s body of %d bytes at offset %d", v.Kind, len(v.Body), v.Offset)
		}
	case Payload:
		if len(v.Body) < partitionSize {
			return errors.Wrapf(ErrCorrupt, "%s body of %d bytes at offset %d", v.Kind, len(v.Body), v.Offset)
		}
	}
	return nil
}

// Split walks a run of complete frames and calls fn for each. It is used to
// validate spans handed over by the transport before they are committed.
func Split(buf []byte, fn func(View) error) error {
	for off := 0; off < len(buf); {
		v, err := Decode(buf, off)
		if err != nil {
			return err
		}
		if fn != nil {
			if err := fn(v); err != nil {
				return err
			}
		}
		off = v.End()
	}
	return nil
}

func appendFrame(dst []byte, kind Kind, body ...[]byte) []byte {
	size := 1
	for _, b := range body {
		size += len(b)
	}
	dst = binary.AppendUvarint(dst, uint64(size))
	dst = append(dst, byte(kind))
	for _, b := range body {
		dst = append(dst, b...)
	}
	return dst
}

func be32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// AppendResetWindow appends a ResetWindow frame establishing baseSeconds.
func AppendResetWindow(dst []byte, baseSeconds uint32) []byte {
	return appendFrame(dst, ResetWindow, be32(baseSeconds))
}

// AppendBeginWindow appends a BeginWindow frame for sequence.
func AppendBeginWindow(dst []byte, sequence uint32) []byte {
	return appendFrame(dst, BeginWindow, be32(sequence))
}

// AppendEndWindow appends an EndWindow frame for sequence.
func AppendEndWindow(dst []byte, sequence uint32) []byte {
	return appendFrame(dst, EndWindow, be32(sequence))
}

// AppendEndStream appends an EndStream frame for sequence.
func AppendEndStream(dst []byte, sequence uint32) []byte {
	return appendFrame(dst, EndStream, be32(sequence))
}

// AppendCheckpoint appends a Checkpoint frame for sequence.
func AppendCheckpoint(dst []byte, sequence uint32) []byte {
	return appendFrame(dst, Checkpoint, be32(sequence))
}

// AppendPayload appends a Payload frame carrying data for partition.
func AppendPayload(dst []byte, partition int32, data []byte) []byte {
	return appendFrame(dst, Payload, be32(uint32(partition)), data)
}

// UvarintLen is the number of bytes binary.PutUvarint uses for v.
func UvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// WriteFiller overwrites dst with one NoMessage frame of exactly len(dst)
// bytes. It returns false when dst is too short to hold a frame.
func WriteFiller(dst []byte) bool {
	total := len(dst)
	i := 1
	for i < total && UvarintLen(uint64(total-i)) > i {
		i++
	}
	if i >= total {
		return false
	}
	putUvarintWidth(dst, uint64(total-i), i)
	dst[i] = byte(NoMessage)
	return true
}

// putUvarintWidth writes v using exactly width bytes, padding with
// continuation bytes when v needs fewer.
func putUvarintWidth(dst []byte, v uint64, width int) {
	for j := 0; j < width-1; j++ {
		dst[j] = byte(v) | 0x80
		v >>= 7
	}
	dst[width-1] = byte(v)
}
