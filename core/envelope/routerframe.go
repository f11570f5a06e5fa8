package envelope

import (
	"github.com/meshfabric/fabric/core"
)

// RouterFrame is the MessageRouter's framing layer (spec §3): whether the
// message is a publish or a point-to-point send, whether it is restricted to
// local (in-process) dispatch, and the route key used for handler lookup.
type RouterFrame struct {
	Publish       bool
	LocalDispatch bool
	Route         core.Route
}

// EncodeRouterFrame pushes a new frame onto buf and writes the router frame's fixed
// layout: bool publish, bool localDispatch, int16 padding, then the
// length-prefixed route string. The pushed frame is popped again if any
// write fails, leaving buf.FrameIndex() unchanged (spec §8 invariant 1).
func EncodeRouterFrame(buf *Buffer, rf RouterFrame) (err error) {
	f := buf.PushFrame()
	defer func() {
		if err != nil {
			buf.PopFrame()
		}
	}()

	w := f.OpenStream(true)
	var flags [4]byte
	if rf.Publish {
		flags[0] = 1
	}
	if rf.LocalDispatch {
		flags[1] = 1
	}
	// flags[2:4] is reserved padding, left zero.
	if _, err = w.Write(flags[:]); err != nil {
		return err
	}
	if err = writeLP(w, []byte(rf.Route)); err != nil {
		return err
	}
	return nil
}

// DecodeRouterFrame reads one length-prefixed frame off the front of data, pushes it
// onto buf, and parses the router frame's fixed fields from it.
func DecodeRouterFrame(buf *Buffer, data []byte) (rf RouterFrame, rest []byte, err error) {
	rest, err = buf.ReadFrame(data)
	if err != nil {
		return RouterFrame{}, nil, err
	}

	f := buf.Current()
	r := f.OpenStream(false)

	var flags [4]byte
	if _, err = readFull(r, flags[:]); err != nil {
		buf.PopFrame()
		return RouterFrame{}, nil, err
	}
	rf.Publish = flags[0] != 0
	rf.LocalDispatch = flags[1] != 0

	route, err := readLP(r)
	if err != nil {
		buf.PopFrame()
		return RouterFrame{}, nil, err
	}
	rf.Route = core.Route(route)

	return rf, rest, nil
}
