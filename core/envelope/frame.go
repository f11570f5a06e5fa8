package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrTruncated is returned when a length-prefixed frame cannot be read
// because fewer bytes remain than its declared length requires.
var ErrTruncated = errors.New("envelope: truncated frame")

// Frame is one entry in a Buffer's frame stack. Its payload is read and
// written through OpenStream.
type Frame struct {
	buf *bytes.Buffer
}

// OpenStream returns the frame's payload stream. When overrideContent is
// true the existing content is discarded first, so the caller writes a
// fresh payload; otherwise the stream continues from whatever bytes the
// frame already holds (e.g. freshly read from the wire).
func (f *Frame) OpenStream(overrideContent bool) *bytes.Buffer {
	if overrideContent {
		f.buf.Reset()
	}
	return f.buf
}

// Bytes returns the frame's current content without consuming it.
func (f *Frame) Bytes() []byte { return f.buf.Bytes() }

// Len returns the number of bytes currently held by the frame.
func (f *Frame) Len() int { return f.buf.Len() }

// Buffer is a stack of length-prefixed frames with a movable frame index
// (spec §4.1). The zero value is not usable; construct with NewBuffer.
type Buffer struct {
	frames []*Frame
	index  int
}

// NewBuffer returns an empty frame buffer (FrameIndex == -1, FrameCount == 0).
func NewBuffer() *Buffer {
	return &Buffer{index: -1}
}

// PushFrame reserves a new frame, makes it current, and returns it. Any
// frames above the previous current index (left behind by an earlier
// PopFrame without a following Trim) are discarded first.
func (b *Buffer) PushFrame() *Frame {
	if b.index+1 < len(b.frames) {
		b.frames = b.frames[:b.index+1]
	}
	f := &Frame{buf: &bytes.Buffer{}}
	b.frames = append(b.frames, f)
	b.index++
	return f
}

// PopFrame hides the current frame, restoring the previous one (if any) as
// current, and returns the popped frame. Returns nil if the buffer is
// empty. The popped frame's bytes are retained in the stack until the next
// PushFrame or an explicit Trim discards them.
func (b *Buffer) PopFrame() *Frame {
	if b.index < 0 {
		return nil
	}
	f := b.frames[b.index]
	b.index--
	return f
}

// FrameIndex returns the index of the current frame, or -1 if empty.
func (b *Buffer) FrameIndex() int { return b.index }

// FrameCount returns the total number of frames held, including any above
// the current index left behind by PopFrame.
func (b *Buffer) FrameCount() int { return len(b.frames) }

// Current returns the current frame, or nil if the buffer is empty.
func (b *Buffer) Current() *Frame {
	if b.index < 0 {
		return nil
	}
	return b.frames[b.index]
}

// Trim discards any frames above the current frame index. Used to strip
// other protocol layers before re-framing a message for dispatch.
func (b *Buffer) Trim() {
	if b.index+1 < len(b.frames) {
		b.frames = b.frames[:b.index+1]
	}
}

// WriteTo serializes frames[0..FrameIndex] as length-prefixed segments
// followed by payload with no length prefix, producing the bytes to hand
// to a transport's Send.
func (b *Buffer) WriteTo(payload []byte) []byte {
	out := make([]byte, 0, 4*(b.index+1)+len(payload))
	var lenBuf [4]byte
	for i := 0; i <= b.index; i++ {
		data := b.frames[i].Bytes()
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
		out = append(out, lenBuf[:]...)
		out = append(out, data...)
	}
	out = append(out, payload...)
	return out
}

// ReadFrame reads one length-prefixed frame off the front of data, pushes
// it onto the buffer as the new current frame, and returns the unconsumed
// remainder of data.
func (b *Buffer) ReadFrame(data []byte) (rest []byte, err error) {
	if len(data) < 4 {
		return nil, ErrTruncated
	}
	n := binary.LittleEndian.Uint32(data[:4])
	if uint64(len(data)-4) < uint64(n) {
		return nil, ErrTruncated
	}
	f := b.PushFrame()
	f.OpenStream(true).Write(data[4 : 4+n])
	return data[4+n:], nil
}
