package envelope

import (
	"bytes"
	"testing"

	"github.com/meshfabric/fabric/core"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	local, err := core.NewEndPointAddress("orders")
	if err != nil {
		t.Fatalf("NewEndPointAddress: %v", err)
	}
	remote, err := core.NewEndPointAddress("billing")
	if err != nil {
		t.Fatalf("NewEndPointAddress: %v", err)
	}
	want := Envelope{
		Type:       TypeMessage,
		LocalEP:    local,
		LocalAddr:  core.NewTAddress("mqtt", "node-a"),
		RemoteEP:   remote,
		RemoteAddr: core.NewTAddress("mqtt", "node-b"),
	}

	buf := NewBuffer()
	if err := Encode(buf, want, core.GenericConverter); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	wire := buf.WriteTo([]byte("payload"))

	rbuf := NewBuffer()
	got, rest, err := Decode(rbuf, wire, core.GenericConverter)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if !bytes.Equal(rest, []byte("payload")) {
		t.Fatalf("rest = %q, want %q", rest, "payload")
	}
}

func TestEnvelopeDecodeUnwindsOnMalformedAddress(t *testing.T) {
	local, _ := core.NewEndPointAddress("orders")
	remote, _ := core.NewEndPointAddress("billing")
	env := Envelope{
		Type:       TypeMessage,
		LocalEP:    local,
		LocalAddr:  core.NewTAddress("mqtt", "node-a"),
		RemoteEP:   remote,
		RemoteAddr: core.NewTAddress("mqtt", "node-b"),
	}

	buf := NewBuffer()
	if err := Encode(buf, env, core.GenericConverter); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	wire := buf.WriteTo(nil)

	rbuf := NewBuffer()
	before := rbuf.FrameIndex()
	_, _, err := Decode(rbuf, wire, failingConverter{})
	if err == nil {
		t.Fatal("expected error from failing converter")
	}
	if rbuf.FrameIndex() != before {
		t.Fatalf("FrameIndex changed across failing Decode: before=%d after=%d", before, rbuf.FrameIndex())
	}
}

func TestEnvelopeDecodeTruncated(t *testing.T) {
	buf := NewBuffer()
	before := buf.FrameIndex()

	_, _, err := Decode(buf, []byte{0x01, 0x00}, core.GenericConverter)
	if err == nil {
		t.Fatal("expected error decoding truncated data")
	}
	if buf.FrameIndex() != before {
		t.Fatalf("FrameIndex changed across failing Decode: before=%d after=%d", before, buf.FrameIndex())
	}
}

func TestEnvelopeSwapped(t *testing.T) {
	local, _ := core.NewEndPointAddress("orders")
	remote, _ := core.NewEndPointAddress("billing")
	env := Envelope{
		Type:       TypeMessage,
		LocalEP:    local,
		LocalAddr:  core.NewTAddress("mqtt", "node-a"),
		RemoteEP:   remote,
		RemoteAddr: core.NewTAddress("mqtt", "node-b"),
	}

	swapped := env.Swapped()
	if swapped.Type != TypeMisrouted {
		t.Fatalf("swapped.Type = %v, want TypeMisrouted", swapped.Type)
	}
	if swapped.LocalEP != env.RemoteEP || swapped.RemoteEP != env.LocalEP {
		t.Fatalf("Swapped did not exchange endpoint identities: %+v", swapped)
	}
	if swapped.LocalAddr != env.RemoteAddr || swapped.RemoteAddr != env.LocalAddr {
		t.Fatalf("Swapped did not exchange transport addresses: %+v", swapped)
	}
}

// failingConverter marshals every address to nothing and always fails to
// unmarshal, used to exercise Decode's unwind-on-error path.
type failingConverter struct{}

func (failingConverter) Marshal(addr core.TAddress) []byte {
	return nil
}

func (failingConverter) Unmarshal(data []byte) (core.TAddress, error) {
	return core.TAddress{}, ErrTruncated
}
