package envelope

import "testing"

func TestReqReplyFrameRoundTrip(t *testing.T) {
	cases := []ReqReplyFrame{
		{SeqNum: 1, MessageType: ReqReplyRequest, CorrId: 42},
		{SeqNum: 2, MessageType: ReqReplyResponse, CorrId: 42},
		{SeqNum: 3, MessageType: ReqReplyCancellationRequest, CorrId: 42},
		{SeqNum: 4, MessageType: ReqReplyCancellationResponse, CorrId: 42},
	}

	for _, want := range cases {
		buf := NewBuffer()
		if err := EncodeReqReplyFrame(buf, want); err != nil {
			t.Fatalf("EncodeReqReplyFrame(%+v): %v", want, err)
		}
		wire := buf.WriteTo([]byte("tail"))

		rbuf := NewBuffer()
		got, rest, err := DecodeReqReplyFrame(rbuf, wire)
		if err != nil {
			t.Fatalf("DecodeReqReplyFrame(%+v): %v", want, err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
		if string(rest) != "tail" {
			t.Fatalf("rest = %q, want %q", rest, "tail")
		}
	}
}

func TestReqReplyFrameMessageTypeString(t *testing.T) {
	cases := map[ReqReplyMessageType]string{
		ReqReplyRequest:              "Request",
		ReqReplyResponse:             "Response",
		ReqReplyCancellationRequest:  "CancellationRequest",
		ReqReplyCancellationResponse: "CancellationResponse",
		ReqReplyMessageType(99):      "Unknown",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("MessageType(%d).String() = %q, want %q", typ, got, want)
		}
	}
}

func TestReqReplyFrameDecodeUnwindsOnError(t *testing.T) {
	buf := NewBuffer()
	before := buf.FrameIndex()
	if _, _, err := DecodeReqReplyFrame(buf, []byte{0x04, 0x00, 0x00, 0x00, 0x01, 0x02}); err == nil {
		t.Fatal("expected error decoding reqreply frame whose declared length exceeds the data")
	}
	if buf.FrameIndex() != before {
		t.Fatalf("FrameIndex changed across failing decode: before=%d after=%d", before, buf.FrameIndex())
	}
	if buf.FrameCount() != 0 {
		t.Fatalf("FrameCount = %d, want 0 (truncated frame is rejected before any push)", buf.FrameCount())
	}
}
