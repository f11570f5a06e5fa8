package envelope

import "encoding/binary"

// ReqReplyMessageType distinguishes the four kinds of request/reply traffic
// carried over the wire (spec §3, §4.5).
type ReqReplyMessageType int32

const (
	// ReqReplyRequest is an initial request awaiting a Response.
	ReqReplyRequest ReqReplyMessageType = iota
	// ReqReplyResponse answers a prior Request with the same CorrId.
	ReqReplyResponse
	// ReqReplyCancellationRequest asks the request's handler to abandon
	// work for the named CorrId.
	ReqReplyCancellationRequest
	// ReqReplyCancellationResponse acknowledges a CancellationRequest.
	ReqReplyCancellationResponse
)

func (t ReqReplyMessageType) String() string {
	switch t {
	case ReqReplyRequest:
		return "Request"
	case ReqReplyResponse:
		return "Response"
	case ReqReplyCancellationRequest:
		return "CancellationRequest"
	case ReqReplyCancellationResponse:
		return "CancellationResponse"
	default:
		return "Unknown"
	}
}

// ReqReplyFrame is the request/reply correlation framing (spec §4.5): a
// monotonically increasing sequence number, the message kind, and the
// correlation id tying a Response/Cancellation back to its originating
// Request.
type ReqReplyFrame struct {
	SeqNum      int32
	MessageType ReqReplyMessageType
	CorrId      int32
}

// EncodeReqReplyFrame pushes a new frame onto buf and writes the frame's
// fixed int32 x3 little-endian layout. The pushed frame is popped again if
// any write fails, leaving buf.FrameIndex() unchanged (spec §8 invariant 1).
func EncodeReqReplyFrame(buf *Buffer, rrf ReqReplyFrame) (err error) {
	f := buf.PushFrame()
	defer func() {
		if err != nil {
			buf.PopFrame()
		}
	}()

	w := f.OpenStream(true)
	var fields [12]byte
	binary.LittleEndian.PutUint32(fields[0:4], uint32(rrf.SeqNum))
	binary.LittleEndian.PutUint32(fields[4:8], uint32(rrf.MessageType))
	binary.LittleEndian.PutUint32(fields[8:12], uint32(rrf.CorrId))
	_, err = w.Write(fields[:])
	return err
}

// DecodeReqReplyFrame reads one length-prefixed frame off the front of
// data, pushes it onto buf, and parses the frame's fixed fields from it.
func DecodeReqReplyFrame(buf *Buffer, data []byte) (rrf ReqReplyFrame, rest []byte, err error) {
	rest, err = buf.ReadFrame(data)
	if err != nil {
		return ReqReplyFrame{}, nil, err
	}

	f := buf.Current()
	r := f.OpenStream(false)

	var fields [12]byte
	if _, err = readFull(r, fields[:]); err != nil {
		buf.PopFrame()
		return ReqReplyFrame{}, nil, err
	}
	rrf.SeqNum = int32(binary.LittleEndian.Uint32(fields[0:4]))
	rrf.MessageType = ReqReplyMessageType(binary.LittleEndian.Uint32(fields[4:8]))
	rrf.CorrId = int32(binary.LittleEndian.Uint32(fields[8:12]))

	return rrf, rest, nil
}
