// Package fragment splits oversized messages into wire-sized pieces and
// reassembles them on the receiving side, spec.md §4.3.
package fragment

import (
	"github.com/riftnet/transport/packet"
)

// Fragment is one piece of a split message, ready to be carried as the
// payload of a normal packet.Header with packet.FlagIsFragment set.
type Fragment struct {
	// Sequence packs the group id (upper 16 bits) and 1-based index
	// (lower 16 bits); see packet.FragmentSequence.
	Sequence uint32
	// Last is true for the final fragment in the group, signaling
	// LAST_FRAGMENT on the wire.
	Last bool
	Data []byte
}

// Split divides payload into pieces of at most fragmentSize bytes,
// tagging each with group and a 1-based index as spec.md §4.3 requires.
// Split does not cap the number of pieces; a fragment whose index
// exceeds packet.MaxFragmentIndex is rejected later by packet.Encode,
// which makes conn's send path return an error.
func Split(group uint16, payload []byte, fragmentSize int) []Fragment {
	if fragmentSize <= 0 {
		fragmentSize = len(payload)
	}
	count := (len(payload) + fragmentSize - 1) / fragmentSize
	if count == 0 {
		count = 1
	}
	frags := make([]Fragment, 0, count)
	for i := 0; i < count; i++ {
		start := i * fragmentSize
		end := start + fragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		index := uint16(i + 1)
		frags = append(frags, Fragment{
			Sequence: packet.FragmentSequence(group, index),
			Last:     i == count-1,
			Data:     payload[start:end],
		})
	}
	return frags
}
