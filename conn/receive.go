package conn

import (
	"time"

	"github.com/riftnet/transport/packet"
	"github.com/riftnet/transport/qos"
)

// Delivery is one application-visible message produced by Receive,
// together with any reply packets (acks, keep-alives) that must be
// transmitted back to the peer as a side effect of receiving it.
type Delivery struct {
	Payload []byte
	Replies [][]byte
}

// Receive processes one decoded, replay-checked, non-fragment-pending
// packet through the reliability policy of spec.md §4.4. Fragment
// reassembly is handled by the caller (dispatcher), which feeds
// completed groups back through Receive as ordinary packets — Receive
// itself only ever sees whole messages. The returned RTT sample is the
// time between this ack and the matching reliable send's sentAt; ok is
// false when the packet carried no ack or the ack matched nothing
// still queued, so the dispatcher only feeds real samples into its
// latency metric.
func (c *Connection) Receive(h packet.Header, payload []byte, systemProfile qos.Profile, now time.Time) ([]Delivery, time.Duration, bool, error) {
	c.LastActivity = now
	c.Counters.BytesReceived += uint64(packet.HeaderSize + len(payload))

	var rtt time.Duration
	var rttOK bool
	if h.Flags.Has(packet.FlagHasAcks) {
		rtt, rttOK = c.acknowledge(h.AckSequence, now)
	}

	reliability := qos.Reliability(h.Reliability)
	switch reliability {
	case qos.Unreliable:
		return []Delivery{{Payload: payload}}, rtt, rttOK, nil

	case qos.UnreliableSequenced:
		if h.Sequence <= c.lastDelivered {
			return nil, rtt, rttOK, nil
		}
		c.lastDelivered = h.Sequence
		return []Delivery{{Payload: payload}}, rtt, rttOK, nil

	case qos.Reliable:
		ack, err := c.Ack(h.Sequence, systemProfile, now)
		if err != nil {
			return nil, rtt, rttOK, err
		}
		return []Delivery{{Payload: payload, Replies: [][]byte{ack}}}, rtt, rttOK, nil

	case qos.ReliableOrdered:
		ack, err := c.Ack(h.Sequence, systemProfile, now)
		if err != nil {
			return nil, rtt, rttOK, err
		}
		deliveries := c.deliverOrdered(h.Sequence, payload)
		if len(deliveries) > 0 {
			deliveries[0].Replies = [][]byte{ack}
		} else {
			// Nothing to deliver yet (duplicate-before-window or
			// buffered), but the ack must still go out.
			deliveries = []Delivery{{Replies: [][]byte{ack}}}
		}
		return deliveries, rtt, rttOK, nil

	case qos.ReliableSequenced:
		ack, err := c.Ack(h.Sequence, systemProfile, now)
		if err != nil {
			return nil, rtt, rttOK, err
		}
		if h.Sequence <= c.lastDelivered {
			return []Delivery{{Replies: [][]byte{ack}}}, rtt, rttOK, nil
		}
		c.lastDelivered = h.Sequence
		return []Delivery{{Payload: payload, Replies: [][]byte{ack}}}, rtt, rttOK, nil

	default:
		return []Delivery{{Payload: payload}}, rtt, rttOK, nil
	}
}

// acknowledge scans the reliable queue for the entry matching ackSequence,
// samples RTT against its sentAt, removes it, and returns the sample.
func (c *Connection) acknowledge(ackSequence uint32, now time.Time) (time.Duration, bool) {
	for i, e := range c.reliableQueue {
		if e.sequence == ackSequence {
			sample := now.Sub(e.sentAt)
			c.sampleRTT(float64(sample) / float64(time.Millisecond))
			c.reliableQueue = append(c.reliableQueue[:i], c.reliableQueue[i+1:]...)
			return sample, true
		}
	}
	return 0, false
}

// deliverOrdered implements RELIABLE_ORDERED: deliver in sequence,
// buffering out-of-order arrivals and draining successive successors
// once the gap closes.
func (c *Connection) deliverOrdered(seq uint32, payload []byte) []Delivery {
	if seq <= c.lastDelivered {
		return nil // duplicate, already delivered
	}
	if seq != c.lastDelivered+1 {
		c.outOfOrder[seq] = payload
		return nil
	}

	deliveries := []Delivery{{Payload: payload}}
	c.lastDelivered = seq
	for {
		next, ok := c.outOfOrder[c.lastDelivered+1]
		if !ok {
			break
		}
		delete(c.outOfOrder, c.lastDelivered+1)
		c.lastDelivered++
		deliveries = append(deliveries, Delivery{Payload: next})
	}
	return deliveries
}
