package conn

import (
	"time"

	"github.com/riftnet/transport/fragment"
	"github.com/riftnet/transport/packet"
	"github.com/riftnet/transport/qos"
)

// Send allocates a sequence, fragments payload if profile requires it,
// and returns the wire-ready packets to transmit. Sends at or above
// Reliable are additionally enqueued in the reliable queue with
// attempts=0 and nextAttemptAt=now, per spec.md §4.4.
//
// Send neither compresses nor encrypts payload: a caller that has
// already transformed it passes the matching COMPRESSED/ENCRYPTED bits
// in flags, which are set in the header before the checksum is
// computed.
func (c *Connection) Send(payload []byte, profile qos.Profile, flags packet.Flags, now time.Time) ([][]byte, error) {
	group := uint16(c.allocateSequence())

	var frags []fragment.Fragment
	if profile.ShouldFragment(len(payload)) {
		frags = fragment.Split(group, payload, profile.FragmentSize)
	} else {
		frags = []fragment.Fragment{{Sequence: packet.FragmentSequence(group, 1), Last: true, Data: payload}}
	}

	wire := make([][]byte, 0, len(frags))
	for _, f := range frags {
		h := headerFor(profile, f.Sequence)
		h.Flags = flags
		if len(frags) > 1 {
			h.Flags |= packet.FlagIsFragment
			if f.Last {
				h.Flags |= packet.FlagLastFragment
			}
		}

		encoded, err := packet.Encode(h, f.Data, now)
		if err != nil {
			return nil, err
		}
		wire = append(wire, encoded)

		if profile.Reliability.AtLeastReliable() {
			c.reliableQueue = append(c.reliableQueue, &reliableEntry{
				sequence:      f.Sequence,
				wire:          encoded,
				profile:       profile,
				attempts:      0,
				sentAt:        now,
				nextAttemptAt: now,
			})
		}
	}

	c.Counters.PacketsSent += uint64(len(wire))
	for _, w := range wire {
		c.Counters.BytesSent += uint64(len(w))
	}
	return wire, nil
}

// Ack builds the empty HAS_ACKS reply packet the RELIABLE and above
// policies emit in the receive path (spec.md §4.4), carried under the
// SYSTEM profile's priority as the spec specifies. Its own wire
// reliability class is forced to Unreliable regardless of the SYSTEM
// profile's class: an ack is never itself ack-tracked, or acking it
// would recurse forever. Like any outbound packet it consumes its own
// sequence from the connection's counter, so repeated acks are never
// mistaken for replays by the peer's replay window.
func (c *Connection) Ack(ackSequence uint32, systemProfile qos.Profile, now time.Time) ([]byte, error) {
	h := packet.Header{
		Sequence:    c.allocateSequence(),
		AckSequence: ackSequence,
		Flags:       packet.FlagHasAcks,
		Reliability: packet.ReliabilityClass(qos.Unreliable),
		Priority:    packet.Priority(systemProfile.Priority),
	}
	return packet.Encode(h, nil, now)
}
