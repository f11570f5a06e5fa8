package serial

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/meshfabric/fabric/core"
)

func frameBytes(payload []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	return append(lenBuf[:], payload...)
}

func TestProcessFramesSingleFrame(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	frame := frameBytes(payload)

	var received [][]byte
	var mu sync.Mutex

	tr := &Transport{cfg: Config{Port: "/dev/ttyTEST"}}
	tr.handler = func(addr core.TAddress, p []byte) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, p)
		if addr.Scheme() != Scheme {
			t.Errorf("expected scheme %q, got %q", Scheme, addr.Scheme())
		}
	}

	remaining := tr.processFrames(frame)
	if len(remaining) != 0 {
		t.Errorf("expected no remaining bytes, got %d", len(remaining))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(received))
	}
	if string(received[0]) != string(payload) {
		t.Errorf("payload mismatch: got %v, want %v", received[0], payload)
	}
}

func TestProcessFramesMultipleFrames(t *testing.T) {
	a := []byte{0xAA}
	b := []byte{0xBB, 0xBB}
	combined := append(frameBytes(a), frameBytes(b)...)

	var received [][]byte
	tr := &Transport{cfg: Config{Port: "/dev/ttyTEST"}}
	tr.handler = func(_ core.TAddress, p []byte) {
		received = append(received, append([]byte{}, p...))
	}

	remaining := tr.processFrames(combined)
	if len(remaining) != 0 {
		t.Fatalf("expected no remaining bytes, got %d", len(remaining))
	}
	if len(received) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(received))
	}
	if string(received[0]) != string(a) || string(received[1]) != string(b) {
		t.Fatalf("payload mismatch: got %v", received)
	}
}

func TestProcessFramesIncompleteFrameWaitsForMoreData(t *testing.T) {
	full := frameBytes([]byte{0x01, 0x02, 0x03})
	partial := full[:len(full)-1]

	var calls int
	tr := &Transport{cfg: Config{Port: "/dev/ttyTEST"}}
	tr.handler = func(_ core.TAddress, _ []byte) { calls++ }

	remaining := tr.processFrames(partial)
	if len(remaining) != len(partial) {
		t.Fatalf("expected processFrames to hold the partial frame, got %d bytes remaining", len(remaining))
	}
	if calls != 0 {
		t.Fatalf("handler should not fire on an incomplete frame, got %d calls", calls)
	}

	remaining = tr.processFrames(append(remaining, full[len(full)-1]))
	if len(remaining) != 0 {
		t.Fatalf("expected no remaining bytes after completing the frame, got %d", len(remaining))
	}
	if calls != 1 {
		t.Fatalf("expected handler to fire once the frame completed, got %d calls", calls)
	}
}

func TestProcessFramesOversizedLengthDiscardsBuffer(t *testing.T) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(maxFrameSize)+1)
	data := append(lenBuf[:], []byte{0x01, 0x02, 0x03}...)

	tr := &Transport{cfg: Config{Port: "/dev/ttyTEST"}}
	tr.handler = func(_ core.TAddress, _ []byte) {
		t.Fatal("handler should not fire for an oversized frame length")
	}

	remaining := tr.processFrames(data)
	if remaining != nil {
		t.Fatalf("expected nil remaining buffer after discarding oversized frame, got %d bytes", len(remaining))
	}
}

func TestSendRejectsMismatchedScheme(t *testing.T) {
	tr := &Transport{cfg: Config{Port: "/dev/ttyTEST"}, connected: true}
	err := tr.Send(nil, core.NewTAddress("mqtt", "somewhere"), []byte("x"))
	if err == nil {
		t.Fatal("expected error sending to a non-serial address")
	}
}

func TestSendRejectsWhenNotConnected(t *testing.T) {
	tr := &Transport{cfg: Config{Port: "/dev/ttyTEST"}}
	err := tr.Send(nil, core.NewTAddress(Scheme, "/dev/ttyTEST"), []byte("x"))
	if err == nil {
		t.Fatal("expected error sending while not connected")
	}
}
