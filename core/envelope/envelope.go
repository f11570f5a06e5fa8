package envelope

import (
	"encoding/binary"

	"github.com/meshfabric/fabric/core"
)

// MessageType identifies the kind of routing envelope carried on the wire
// (spec §3).
type MessageType int32

const (
	// TypeMessage is an ordinary application message.
	TypeMessage MessageType = iota
	// TypeMisrouted is a diagnostic reply sent back to a sender whose
	// envelope named a recipient other than the receiver.
	TypeMisrouted
	// TypeEndPointNotPresent reports that the named local endpoint does
	// not exist at the receiver. Emitted only when endpoint.Config's
	// StrictLocalDispatch is set (see DESIGN.md open question 2).
	TypeEndPointNotPresent
	// TypeProtocolNotSupported reports an envelope the receiver could not
	// decode or whose version it does not support.
	TypeProtocolNotSupported
	// TypeUnknown is any other/unrecognized message type.
	TypeUnknown
)

func (t MessageType) String() string {
	switch t {
	case TypeMessage:
		return "Message"
	case TypeMisrouted:
		return "Misrouted"
	case TypeEndPointNotPresent:
		return "EndPointNotPresent"
	case TypeProtocolNotSupported:
		return "ProtocolNotSupported"
	default:
		return "Unknown"
	}
}

// Envelope is the routing envelope prefixed to every transmitted message
// (spec §3): sender and intended-recipient identity, plus the message type.
type Envelope struct {
	Type       MessageType
	LocalEP    core.EndPointAddress
	LocalAddr  core.TAddress
	RemoteEP   core.EndPointAddress
	RemoteAddr core.TAddress
}

// Encode pushes a new frame onto buf, writes the envelope's fixed
// little-endian layout into it, and leaves the frame current. On any
// error the pushed frame is popped before the error is returned, so
// buf.FrameIndex() is unchanged (spec §8 invariant 1).
func Encode(buf *Buffer, env Envelope, conv core.TAddressConverter) (err error) {
	f := buf.PushFrame()
	defer func() {
		if err != nil {
			buf.PopFrame()
		}
	}()

	w := f.OpenStream(true)
	var typeBuf [4]byte
	binary.LittleEndian.PutUint32(typeBuf[:], uint32(env.Type))
	if _, err = w.Write(typeBuf[:]); err != nil {
		return err
	}
	if err = writeLP(w, env.LocalEP.Bytes()); err != nil {
		return err
	}
	if err = writeLP(w, conv.Marshal(env.LocalAddr)); err != nil {
		return err
	}
	if err = writeLP(w, env.RemoteEP.Bytes()); err != nil {
		return err
	}
	if err = writeLP(w, conv.Marshal(env.RemoteAddr)); err != nil {
		return err
	}
	return nil
}

// Decode reads one length-prefixed frame off the front of data, pushes it
// onto buf, and parses the envelope's fixed fields from it. It returns the
// decoded envelope and the unconsumed remainder of data (the bytes for the
// next protocol layer, or the opaque payload if no further layer applies).
func Decode(buf *Buffer, data []byte, conv core.TAddressConverter) (env Envelope, rest []byte, err error) {
	rest, err = buf.ReadFrame(data)
	if err != nil {
		return Envelope{}, nil, err
	}

	f := buf.Current()
	r := f.OpenStream(false)

	var typeBuf [4]byte
	if _, err = readFull(r, typeBuf[:]); err != nil {
		buf.PopFrame()
		return Envelope{}, nil, err
	}
	env.Type = MessageType(binary.LittleEndian.Uint32(typeBuf[:]))

	localEP, err := readLP(r)
	if err != nil {
		buf.PopFrame()
		return Envelope{}, nil, err
	}
	env.LocalEP = core.EndPointAddress(localEP)

	localAddr, err := readLP(r)
	if err != nil {
		buf.PopFrame()
		return Envelope{}, nil, err
	}
	if env.LocalAddr, err = conv.Unmarshal(localAddr); err != nil {
		buf.PopFrame()
		return Envelope{}, nil, err
	}

	remoteEP, err := readLP(r)
	if err != nil {
		buf.PopFrame()
		return Envelope{}, nil, err
	}
	env.RemoteEP = core.EndPointAddress(remoteEP)

	remoteAddr, err := readLP(r)
	if err != nil {
		buf.PopFrame()
		return Envelope{}, nil, err
	}
	if env.RemoteAddr, err = conv.Unmarshal(remoteAddr); err != nil {
		buf.PopFrame()
		return Envelope{}, nil, err
	}

	return env, rest, nil
}

// Swapped returns a copy of env with the sender and recipient identities
// exchanged, as required when reflecting a Misrouted reply (spec §3's
// invariant on received misrouted messages).
func (env Envelope) Swapped() Envelope {
	return Envelope{
		Type:       TypeMisrouted,
		LocalEP:    env.RemoteEP,
		LocalAddr:  env.RemoteAddr,
		RemoteEP:   env.LocalEP,
		RemoteAddr: env.LocalAddr,
	}
}

func readFull(r interface{ Read([]byte) (int, error) }, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := r.Read(b[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, ErrTruncated
		}
	}
	return total, nil
}
