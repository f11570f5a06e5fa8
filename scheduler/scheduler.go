// Package scheduler implements the Address Scheduler (spec §4.4): a pure
// function ordering a set of candidate transport addresses into the
// sequence a send loop should try them in. Grounded on transport/mqtt's
// randomString helper, which reaches for math/rand/v2 for non-cryptographic
// randomness; no shuffling library fits better, so this stays on the
// standard library by design (see DESIGN.md).
package scheduler

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/meshfabric/fabric/core"
)

// Order schedules candidates into the sequence a send loop should attempt
// them in. Implementations must not mutate candidates.
type Order func(candidates []core.TAddress) []core.TAddress

// Random is the default Order: a uniform random shuffle, independent
// across calls.
func Random(candidates []core.TAddress) []core.TAddress {
	out := make([]core.TAddress, len(candidates))
	copy(out, candidates)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// RoundRobin returns an Order that rotates its starting point by one
// candidate on every call, wrapping around. Useful for evenly spreading
// load across replicas without the randomness of Random.
func RoundRobin() Order {
	var cursor atomic.Uint64

	return func(candidates []core.TAddress) []core.TAddress {
		n := len(candidates)
		if n == 0 {
			return nil
		}
		start := int(cursor.Add(1)-1) % n
		out := make([]core.TAddress, n)
		for i := 0; i < n; i++ {
			out[i] = candidates[(start+i)%n]
		}
		return out
	}
}
