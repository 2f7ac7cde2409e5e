package conn

import (
	"testing"
	"time"

	"github.com/riftnet/transport/packet"
	"github.com/riftnet/transport/qos"
)

func testSystemProfile() qos.Profile {
	return qos.Profile{Name: "SYSTEM", Reliability: qos.ReliableOrdered, Priority: qos.System, MaxRetries: 5, RetryDelayMs: 250}
}

func TestStateTransitions(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewConnection("10.0.0.1:9000", now, 5*time.Second)
	if c.State != Connecting {
		t.Fatalf("expected initial state Connecting, got %v", c.State)
	}
	if !c.Confirm() {
		t.Fatalf("expected Connecting -> Connected to succeed")
	}
	if c.State != Connected {
		t.Fatalf("expected Connected, got %v", c.State)
	}
	if c.Confirm() {
		t.Fatalf("expected Connected -> Connected (via Confirm) to be rejected")
	}
	if !c.BeginDisconnect() {
		t.Fatalf("expected Connected -> Disconnecting to succeed")
	}
	if !c.Finish() {
		t.Fatalf("expected Disconnecting -> Disconnected to succeed")
	}
}

func TestConnectTimeout(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewConnection("10.0.0.1:9000", now, 5*time.Second)
	if c.ConnectTimedOut(now.Add(1*time.Second), 30*time.Second) {
		t.Fatalf("expected not timed out yet")
	}
	if !c.ConnectTimedOut(now.Add(31*time.Second), 30*time.Second) {
		t.Fatalf("expected timed out")
	}
}

func TestUnreliableDelivers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewConnection("p", now, 5*time.Second)
	h := packet.Header{Sequence: 1, Reliability: packet.ReliabilityClass(qos.Unreliable)}
	deliveries, _, _, err := c.Receive(h, []byte("x"), testSystemProfile(), now)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(deliveries) != 1 || string(deliveries[0].Payload) != "x" {
		t.Fatalf("expected one delivery of %q, got %+v", "x", deliveries)
	}
}

func TestUnreliableSequencedDropsOutOfOrder(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewConnection("p", now, 5*time.Second)
	rel := packet.ReliabilityClass(qos.UnreliableSequenced)

	d1, _, _, _ := c.Receive(packet.Header{Sequence: 5, Reliability: rel}, []byte("a"), testSystemProfile(), now)
	if len(d1) != 1 {
		t.Fatalf("expected sequence 5 delivered")
	}
	d2, _, _, _ := c.Receive(packet.Header{Sequence: 3, Reliability: rel}, []byte("b"), testSystemProfile(), now)
	if len(d2) != 0 {
		t.Fatalf("expected stale sequence 3 dropped, got %+v", d2)
	}
	d3, _, _, _ := c.Receive(packet.Header{Sequence: 8, Reliability: rel}, []byte("c"), testSystemProfile(), now)
	if len(d3) != 1 || string(d3[0].Payload) != "c" {
		t.Fatalf("expected sequence 8 delivered")
	}
}

func TestReliableAcksAndDelivers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewConnection("p", now, 5*time.Second)
	h := packet.Header{Sequence: 42, Reliability: packet.ReliabilityClass(qos.Reliable)}
	deliveries, _, _, err := c.Receive(h, []byte("payload"), testSystemProfile(), now)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(deliveries) != 1 || string(deliveries[0].Payload) != "payload" {
		t.Fatalf("expected payload delivered, got %+v", deliveries)
	}
	if len(deliveries[0].Replies) != 1 {
		t.Fatalf("expected one ack reply")
	}
	ackHeader, _, err := packet.Decode(deliveries[0].Replies[0], now)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ackHeader.Flags.Has(packet.FlagHasAcks) || ackHeader.AckSequence != 42 {
		t.Fatalf("expected ack of sequence 42, got %+v", ackHeader)
	}
}

func TestReliableOrderedBuffersAndDrains(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewConnection("p", now, 5*time.Second)
	rel := packet.ReliabilityClass(qos.ReliableOrdered)
	sys := testSystemProfile()

	// Sequence 1 must be delivered first for lastDelivered to advance.
	d1, _, _, err := c.Receive(packet.Header{Sequence: 1, Reliability: rel}, []byte("one"), sys, now)
	if err != nil || len(d1) != 1 || string(d1[0].Payload) != "one" {
		t.Fatalf("expected sequence 1 delivered immediately, got %+v err=%v", d1, err)
	}

	// Sequence 3 arrives before 2: buffered, nothing delivered besides the ack.
	d3, _, _, err := c.Receive(packet.Header{Sequence: 3, Reliability: rel}, []byte("three"), sys, now)
	if err != nil {
		t.Fatalf("receive seq 3: %v", err)
	}
	for _, d := range d3 {
		if len(d.Payload) != 0 {
			t.Fatalf("expected no payload delivered while seq 2 is missing, got %+v", d3)
		}
	}

	// Sequence 2 arrives: both 2 and the buffered 3 drain in order.
	d2, _, _, err := c.Receive(packet.Header{Sequence: 2, Reliability: rel}, []byte("two"), sys, now)
	if err != nil {
		t.Fatalf("receive seq 2: %v", err)
	}
	var payloads []string
	for _, d := range d2 {
		if len(d.Payload) > 0 {
			payloads = append(payloads, string(d.Payload))
		}
	}
	if len(payloads) != 2 || payloads[0] != "two" || payloads[1] != "three" {
		t.Fatalf("expected [two three] drained in order, got %v", payloads)
	}
}

func TestReliableSequencedDropsStaleButStillAcks(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewConnection("p", now, 5*time.Second)
	rel := packet.ReliabilityClass(qos.ReliableSequenced)
	sys := testSystemProfile()

	c.Receive(packet.Header{Sequence: 10, Reliability: rel}, []byte("a"), sys, now)
	deliveries, _, _, err := c.Receive(packet.Header{Sequence: 4, Reliability: rel}, []byte("b"), sys, now)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(deliveries) != 1 || len(deliveries[0].Payload) != 0 || len(deliveries[0].Replies) != 1 {
		t.Fatalf("expected stale sequence acked but not delivered, got %+v", deliveries)
	}
}

func TestSendEnqueuesReliableEntryAndAckRemovesIt(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewConnection("p", now, 5*time.Second)
	profile := qos.Profile{Name: "X", Reliability: qos.Reliable, MaxRetries: 3, RetryDelayMs: 100, FragmentSize: 1024}

	wire, err := c.Send([]byte("hello"), profile, 0, now)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(wire) != 1 {
		t.Fatalf("expected one packet (no fragmentation needed), got %d", len(wire))
	}
	if len(c.reliableQueue) != 1 {
		t.Fatalf("expected one reliable queue entry, got %d", len(c.reliableQueue))
	}

	h, _, err := packet.Decode(wire[0], now)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	later := now.Add(50 * time.Millisecond)
	sample, ok := c.acknowledge(h.Sequence, later)
	if !ok {
		t.Fatalf("expected ack to match the queued entry")
	}
	if sample != 50*time.Millisecond {
		t.Fatalf("expected a 50ms RTT sample, got %v", sample)
	}
	if len(c.reliableQueue) != 0 {
		t.Fatalf("expected ack to clear the reliable queue, got %d entries", len(c.reliableQueue))
	}
	if c.RTT() <= 0 {
		t.Fatalf("expected a positive RTT sample after ack")
	}
}

func TestRetransmitBackoffAndLoss(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewConnection("p", now, 5*time.Second)
	profile := qos.Profile{Name: "X", Reliability: qos.Reliable, MaxRetries: 2, RetryDelayMs: 100, FragmentSize: 1024}

	if _, err := c.Send([]byte("hi"), profile, 0, now); err != nil {
		t.Fatalf("send: %v", err)
	}

	// First retransmit attempt (attempts becomes 1, within MaxRetries).
	resend := c.Retransmit(now)
	if len(resend) != 1 {
		t.Fatalf("expected first retransmit to resend the packet, got %d", len(resend))
	}
	if len(c.reliableQueue) != 1 {
		t.Fatalf("expected entry retained after first retry")
	}

	entry := c.reliableQueue[0]
	// Not yet due: no resend.
	if resend2 := c.Retransmit(now); len(resend2) != 0 {
		t.Fatalf("expected no resend before nextAttemptAt, got %d", len(resend2))
	}

	// Drive past MaxRetries.
	later := entry.nextAttemptAt.Add(time.Millisecond)
	c.Retransmit(later) // attempts=2
	entry = c.reliableQueue[0]
	later2 := entry.nextAttemptAt.Add(time.Millisecond)
	resendFinal := c.Retransmit(later2) // attempts=3 > MaxRetries(2): dropped
	if len(resendFinal) != 0 {
		t.Fatalf("expected no resend once retries exhausted")
	}
	if len(c.reliableQueue) != 0 {
		t.Fatalf("expected entry evicted after exhausting retries")
	}
	if c.Counters.PacketsLost != 1 {
		t.Fatalf("expected PacketsLost=1, got %d", c.Counters.PacketsLost)
	}
}

func TestTimedOutAndKeepAlive(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewConnection("p", now, 5*time.Second)
	c.Confirm()
	c.LastActivity = now

	if c.TimedOut(now.Add(10*time.Second), 30*time.Second) {
		t.Fatalf("expected not timed out yet")
	}
	if !c.TimedOut(now.Add(31*time.Second), 30*time.Second) {
		t.Fatalf("expected timed out")
	}

	if !c.NeedsKeepAlive(now.Add(2*time.Second), now, time.Second) {
		t.Fatalf("expected keep-alive due")
	}
	if _, err := c.KeepAlive(now); err != nil {
		t.Fatalf("keepalive: %v", err)
	}
}
