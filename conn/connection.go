package conn

import (
	"time"

	"github.com/riftnet/transport/fragment"
	"github.com/riftnet/transport/packet"
	"github.com/riftnet/transport/qos"
	"github.com/riftnet/transport/replay"
)

// rttAlpha/rttBeta are the EWMA weights spec.md §4.4 mandates for RTT
// smoothing: avg <- 0.875*avg + 0.125*sample.
const (
	rttAlpha = 0.875
	rttBeta  = 0.125
)

// reliableEntry is one outstanding send awaiting acknowledgement.
type reliableEntry struct {
	sequence      uint32
	wire          []byte
	profile       qos.Profile
	attempts      int
	sentAt        time.Time
	nextAttemptAt time.Time
}

// Counters tracks per-connection traffic and loss statistics, spec.md §3.1.
type Counters struct {
	BytesSent     uint64
	BytesReceived uint64
	PacketsSent   uint64
	PacketsLost   uint64
	LossRate      float64
}

// Connection is the per-peer state machine described in spec.md §4.4.
// The dispatcher creates one when a peer's first packet is admitted and
// destroys it on timeout, on HWID rejection, or on an integrity-failure
// ban; other admission bans leave it in place until it times out.
// Exclusively owned by its dispatcher entry: no other connection or
// admission table mutates its fields.
type Connection struct {
	ID    string // "ip:port", the connection identity (DESIGN.md Open Question resolution)
	State State

	nextSequence  uint32
	lastDelivered uint32

	reliableQueue []*reliableEntry
	outOfOrder    map[uint32][]byte
	fragments     *fragment.Assembler
	replayWindow  replay.Window

	rttAvgMs  float64
	rttLastMs float64

	Counters Counters

	LastActivity   time.Time
	connectStarted time.Time
}

// QueuedPacketCount returns the number of reliable sends currently
// awaiting acknowledgement, for the admission layer's per-connection
// queue cap (spec.md §4.6 step 5).
func (c *Connection) QueuedPacketCount() int {
	return len(c.reliableQueue)
}

// NewConnection returns a Connection in the Connecting state, ready to
// receive the ack that moves it to Connected.
func NewConnection(id string, now time.Time, fragmentTimeout time.Duration) *Connection {
	return &Connection{
		ID:             id,
		State:          Connecting,
		outOfOrder:     make(map[uint32][]byte),
		fragments:      fragment.NewAssembler(fragmentTimeout),
		LastActivity:   now,
		connectStarted: now,
	}
}

// transition moves the connection to next, returning false if the move
// is not legal from the current state.
func (c *Connection) transition(next State) bool {
	if !c.State.canTransitionTo(next) {
		return false
	}
	c.State = next
	return true
}

// Confirm moves CONNECTING -> CONNECTED on receipt of the ack of CONNECT.
func (c *Connection) Confirm() bool {
	return c.transition(Connected)
}

// BeginDisconnect moves CONNECTED -> DISCONNECTING.
func (c *Connection) BeginDisconnect() bool {
	return c.transition(Disconnecting)
}

// Finish moves DISCONNECTING -> DISCONNECTED.
func (c *Connection) Finish() bool {
	return c.transition(Disconnected)
}

// ConnectTimedOut reports whether a peer stuck in CONNECTING has
// exceeded timeout.
func (c *Connection) ConnectTimedOut(now time.Time, timeout time.Duration) bool {
	return c.State == Connecting && now.Sub(c.connectStarted) > timeout
}

// Fragments returns the connection's fragment reassembly table, for the
// dispatcher to feed incoming IS_FRAGMENT packets through and sweep on
// its tick.
func (c *Connection) Fragments() *fragment.Assembler {
	return c.fragments
}

// RTT returns the current smoothed round-trip estimate.
func (c *Connection) RTT() time.Duration {
	return time.Duration(c.rttAvgMs * float64(time.Millisecond))
}

func (c *Connection) sampleRTT(sampleMs float64) {
	c.rttLastMs = sampleMs
	if c.rttAvgMs == 0 {
		c.rttAvgMs = sampleMs
		return
	}
	c.rttAvgMs = rttAlpha*c.rttAvgMs + rttBeta*sampleMs
}

// allocateSequence returns the next outbound sequence, wrapping modulo 2^32.
func (c *Connection) allocateSequence() uint32 {
	c.nextSequence++
	if c.nextSequence == 0 {
		c.nextSequence = 1 // 0 is reserved: packet.Header requires a nonzero sequence
	}
	return c.nextSequence
}

func headerFor(profile qos.Profile, sequence uint32) packet.Header {
	return packet.Header{
		Sequence:    sequence,
		Reliability: packet.ReliabilityClass(profile.Reliability),
		Priority:    packet.Priority(profile.Priority),
	}
}
