package conn

import (
	"time"

	"github.com/riftnet/transport/packet"
	"github.com/riftnet/transport/qos"
)

// KeepAliveInterval is the default spacing between keep-alive packets
// for a connection with no other outbound traffic, spec.md §4.4.
const KeepAliveInterval = 1 * time.Second

// Retransmit drives the reliable queue for one tick: entries whose
// nextAttemptAt has arrived are resent with exponential backoff; entries
// that have exhausted profile.MaxRetries are dropped and counted as
// loss. Returns the wire bytes that must be re-transmitted.
func (c *Connection) Retransmit(now time.Time) [][]byte {
	var resend [][]byte
	kept := c.reliableQueue[:0]
	totalPackets := c.Counters.PacketsSent

	for _, e := range c.reliableQueue {
		if now.Before(e.nextAttemptAt) {
			kept = append(kept, e)
			continue
		}

		e.attempts++
		if e.attempts > e.profile.MaxRetries {
			c.Counters.PacketsLost++
			if totalPackets > 0 {
				c.Counters.LossRate = float64(c.Counters.PacketsLost) / float64(totalPackets)
			}
			continue // dropped, not kept
		}

		resend = append(resend, e.wire)
		delayMs := e.profile.RetryDelay(e.attempts)
		e.nextAttemptAt = now.Add(time.Duration(delayMs) * time.Millisecond)
		kept = append(kept, e)
	}
	c.reliableQueue = kept
	return resend
}

// NeedsKeepAlive reports whether this connection has had no outbound
// activity for at least KeepAliveInterval and should emit a keep-alive.
func (c *Connection) NeedsKeepAlive(now time.Time, lastOutbound time.Time, interval time.Duration) bool {
	if interval <= 0 {
		interval = KeepAliveInterval
	}
	return c.State == Connected && now.Sub(lastOutbound) >= interval
}

// KeepAlive builds an unreliable, lowest-priority keep-alive packet.
func (c *Connection) KeepAlive(now time.Time) ([]byte, error) {
	h := packet.Header{
		Sequence:    c.allocateSequence(),
		Reliability: packet.ReliabilityClass(qos.Unreliable),
		Priority:    packet.Priority(qos.Lowest),
	}
	return packet.Encode(h, nil, now)
}

// TimedOut reports whether the connection has had no inbound activity
// for longer than timeout, per spec.md §4.4's "Connection timeout" rule.
func (c *Connection) TimedOut(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.LastActivity) > timeout
}
