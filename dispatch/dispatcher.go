// Package dispatch implements the socket pump of spec.md §4.8: the
// single-threaded tick loop that owns the UDP socket, the connection
// table, and every admission table, converting raw datagrams into
// application deliveries. It has no application send path: the only
// datagrams it emits are acks, keep-alives, integrity challenges and
// their retransmissions.
package dispatch

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/riftnet/transport/admission"
	"github.com/riftnet/transport/conn"
	"github.com/riftnet/transport/fragment"
	"github.com/riftnet/transport/integrity"
	"github.com/riftnet/transport/internal/logger"
	"github.com/riftnet/transport/packet"
	"github.com/riftnet/transport/qos"
	"github.com/riftnet/transport/replay"
)

const (
	replaySweepInterval = 60 * time.Second
	banSweepInterval    = 300 * time.Second

	// integrityChallengeTag/integrityResponseTag prefix the one
	// internal-only payload type spec.md §3/§4.7 never assigns a wire
	// flag bit to (INTEGRITY_CHALLENGE/INTEGRITY_RESPONSE are listed as
	// "internal, never transmitted"). The dispatcher tags these
	// payloads with a leading byte instead, strips them before they
	// reach the application, and swallows the first real payload from a
	// connection as its HWID when HWID gating is enabled. See
	// DESIGN.md "Open Question resolutions".
	integrityChallengeTag byte = 0x01
	integrityResponseTag  byte = 0x02
)

// Message is one application-visible payload delivered by a tick,
// spec.md §6's onMessage callback contract.
type Message struct {
	Payload  []byte
	PeerAddr netip.AddrPort
	ClientID string
	Header   packet.Header
}

// Dispatcher owns the non-blocking UDP socket, the connection table,
// and all admission tables, per spec.md §3's ownership rule. Not safe
// for concurrent use: every method must be called from the same
// goroutine driving Tick, matching spec.md §5's single-threaded model.
type Dispatcher struct {
	cfg     Config
	sock    *socket
	catalog *qos.Catalog
	gate    *admission.Gate
	replays *replay.Set

	integrityTracker *integrity.Tracker
	hwidTracker      *integrity.HWIDTracker

	connections map[string]*conn.Connection

	onMessage func(Message)

	inboundSim  Simulator
	outboundSim Simulator

	metrics *metricsSet

	lastReplaySweep time.Time
	lastBanSweep    time.Time
	lastOutbound    map[string]time.Time

	recvBuf []byte
}

// New validates cfg and returns a Dispatcher bound to a fresh UDP
// socket. challenger and hwidGate may be nil: a nil hwidGate disables
// HWID gating regardless of cfg.EnableHwidBan.
func New(cfg Config, catalog *qos.Catalog, challenger integrity.Challenger, hwidGate integrity.HWIDGate, onMessage func(Message)) (*Dispatcher, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	logger.Setup(cfg.LogLevel)

	sock, err := newSocket(fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, err
	}

	if catalog == nil {
		catalog = qos.NewCatalog()
	}

	var hwidTracker *integrity.HWIDTracker
	if cfg.EnableHwidBan && hwidGate != nil {
		hwidTracker = integrity.NewHWIDTracker(hwidGate, nil, cfg.AllowVirtualMachine)
	}

	var integrityTracker *integrity.Tracker
	if challenger != nil {
		integrityTracker = integrity.NewTracker(challenger, cfg.MaxIntegrityFailures, cfg.ConnectionTimeout.Duration, cfg.IntegrityCheckInterval.Duration)
	}

	return &Dispatcher{
		cfg:              cfg,
		sock:             sock,
		catalog:          catalog,
		gate:             admission.NewGate(admissionConfig(cfg)),
		replays:          replay.NewSet(),
		integrityTracker: integrityTracker,
		hwidTracker:      hwidTracker,
		connections:      make(map[string]*conn.Connection),
		onMessage:        onMessage,
		metrics:          newMetricsSet(),
		lastOutbound:     make(map[string]time.Time),
		recvBuf:          make([]byte, packet.MaxSize),
	}, nil
}

// SetSimulators installs optional network-condition interposers for the
// inbound and/or outbound direction, spec.md §4.8. Either may be nil.
func (d *Dispatcher) SetSimulators(inbound, outbound Simulator) {
	d.inboundSim = inbound
	d.outboundSim = outbound
}

// Addr returns the socket's bound local address.
func (d *Dispatcher) Addr() string {
	return d.sock.localAddr().String()
}

// Close releases the underlying socket.
func (d *Dispatcher) Close() error {
	return d.sock.close()
}

// Tick drains pending datagrams (bounded by cfg.BufferSize datagrams),
// routes each through admission then the packet/connection layers,
// drives per-connection retransmit and keep-alive, and runs periodic
// sweeps. It is the sole entry point mutating dispatcher state, per
// spec.md §5's cooperative single-threaded model.
func (d *Dispatcher) Tick(now time.Time) {
	for i := 0; i < d.cfg.BufferSize; i++ {
		if !d.drainOne(now) {
			break
		}
	}

	for id, c := range d.connections {
		d.driveConnection(id, c, now)
	}

	d.sweep(now)
}

func (d *Dispatcher) drainOne(now time.Time) bool {
	n, addr, ok, err := d.sock.recv(d.recvBuf, now)
	if err != nil || !ok {
		return false
	}
	d.metrics.PacketsReceived.Add(1)
	d.metrics.BytesReceived.Add(int64(n))

	raw := append([]byte(nil), d.recvBuf[:n]...)
	if d.inboundSim != nil {
		outs, drop, _ := d.inboundSim.Process(raw, now)
		if drop {
			d.metrics.PacketsDropped.Add(1)
			return true
		}
		for _, out := range outs {
			d.handleDatagram(out, addr, now)
		}
		return true
	}
	d.handleDatagram(raw, addr, now)
	return true
}

func (d *Dispatcher) handleDatagram(raw []byte, addr netip.AddrPort, now time.Time) {
	start := time.Now()
	id := addr.String()
	ip := addr.Addr()

	if d.gate.CheckBan(id, now) {
		d.metrics.PacketsDropped.Add(1)
		return
	}
	if d.gate.CheckSize(len(raw)) {
		d.gate.Ban(id, admission.DropOversizedPacket, now)
		d.metrics.BansIssued.Add(1)
		d.metrics.PacketsDropped.Add(1)
		return
	}
	_, isKnown := d.connections[id]
	if !isKnown {
		if d.gate.ConnectionCount(ip) >= d.cfg.MaxConnectionsPerIP {
			d.metrics.PacketsDropped.Add(1)
			return
		}
		if d.gate.CheckConnectionCooldown(ip, now) {
			d.metrics.PacketsDropped.Add(1)
			return
		}
		if d.gate.CheckConnectionBurst(ip, now) {
			d.gate.Ban(id, admission.DropConnectionBurst, now)
			d.metrics.BansIssued.Add(1)
			d.metrics.PacketsDropped.Add(1)
			return
		}
	}
	if d.gate.CheckPacketRate(ip, id, now) {
		d.gate.Ban(id, admission.DropRateLimitExceeded, now)
		d.metrics.BansIssued.Add(1)
		d.metrics.PacketsDropped.Add(1)
		return
	}

	h, payload, err := packet.Decode(raw, now)
	if err != nil {
		d.metrics.DecodeFailures.Add(1)
		return
	}

	c, exists := d.connections[id]
	if !exists {
		c = conn.NewConnection(id, now, d.cfg.FragmentTimeout.Duration)
		d.connections[id] = c
		d.gate.AddConnection(ip)
		d.metrics.ConnectedClients.Set(int64(len(d.connections)))
		d.issueChallengeIfNeeded(c, addr, now)
	} else if d.gate.CheckQueueOverflow(c.QueuedPacketCount()) {
		d.gate.Ban(id, admission.DropQueueOverflow, now)
		d.metrics.BansIssued.Add(1)
		d.metrics.PacketsDropped.Add(1)
		return
	}

	admitted, replayErr := d.replays.Check(id, h.Sequence, now)
	if replayErr == replay.ErrReplay {
		d.gate.Ban(id, admission.DropReplayDetected, now)
		d.metrics.BansIssued.Add(1)
		return
	}
	if !admitted {
		return
	}

	c.Confirm()

	systemProfile := d.catalog.Get(qos.NameSystem)

	if h.Flags.Has(packet.FlagIsFragment) {
		assembled, complete, ferr := c.Fragments().Feed(h.FragmentGroup(), h.FragmentIndex(), h.Flags.Has(packet.FlagLastFragment), payload, now)
		if ferr != fragment.ErrNone || !complete {
			return
		}
		payload = assembled
	}

	deliveries, rtt, rttOK, err := c.Receive(h, payload, systemProfile, now)
	if err != nil {
		return
	}
	if rttOK {
		d.metrics.Latency.Add(rtt)
	}

	// Processing deadline (spec.md §4.6 step 6): a fatal per-packet error
	// per spec.md §7's taxonomy, not an abuse signal — it aborts this
	// packet only and never bans the sender.
	if d.cfg.MaxPacketProcessingTime.Duration > 0 && time.Since(start) > d.cfg.MaxPacketProcessingTime.Duration {
		slog.Warn("processing deadline exceeded", "client", id, "reason", admission.DropProcessingTimeout)
		d.metrics.PacketsDropped.Add(1)
		return
	}

	for _, del := range deliveries {
		for _, reply := range del.Replies {
			d.sendRaw(reply, addr, systemProfile.Priority, now)
		}
		if del.Payload == nil {
			continue
		}
		if d.handleInternalPayload(id, del.Payload, now) {
			continue
		}
		if d.hwidTracker != nil {
			if _, known := d.hwidTracker.HWID(id); !known {
				if admitted, reason := d.hwidTracker.Admit(id, del.Payload); !admitted {
					slog.Warn("hwid rejected", "client", id, "reason", reason)
					d.gate.Ban(id, admission.DropIntegrityViolations, now)
					d.metrics.BansIssued.Add(1)
					d.disconnect(id, c)
					return
				}
				continue
			}
		}
		if d.onMessage != nil {
			d.onMessage(Message{Payload: del.Payload, PeerAddr: addr, ClientID: id, Header: h})
		}
	}
}

// issueChallengeIfNeeded sends a challenge to a freshly admitted
// connection when an integrity tracker is configured.
func (d *Dispatcher) issueChallengeIfNeeded(c *conn.Connection, addr netip.AddrPort, now time.Time) {
	if d.integrityTracker == nil || !d.integrityTracker.NeedsChallenge(c.ID, now) {
		return
	}
	challenge, err := d.integrityTracker.IssueChallenge(c.ID, now)
	if err != nil {
		return
	}
	systemProfile := d.catalog.Get(qos.NameSystem)
	payload := append([]byte{integrityChallengeTag}, challenge...)
	wire, err := c.Send(payload, systemProfile, 0, now)
	if err != nil {
		return
	}
	for _, w := range wire {
		d.sendRaw(w, addr, systemProfile.Priority, now)
	}
}

// handleInternalPayload consumes an INTEGRITY_RESPONSE payload (tagged
// per the integrityResponseTag convention) before it can reach the
// application. Returns true if payload was internal and already
// handled.
func (d *Dispatcher) handleInternalPayload(id string, payload []byte, now time.Time) bool {
	if len(payload) == 0 || payload[0] != integrityResponseTag {
		return false
	}
	if d.integrityTracker == nil {
		return true
	}
	state := d.integrityTracker.VerifyResponse(id, payload[1:], now)
	if state != integrity.Verified && d.integrityTracker.ShouldBan(id) {
		d.gate.Ban(id, admission.DropIntegrityViolations, now)
		d.metrics.BansIssued.Add(1)
		if c, ok := d.connections[id]; ok {
			d.disconnect(id, c)
		}
	}
	return true
}

func (d *Dispatcher) sendRaw(data []byte, addr netip.AddrPort, priority qos.Priority, now time.Time) {
	if d.outboundSim != nil {
		outs, drop, _ := d.outboundSim.Process(data, now)
		if drop {
			return
		}
		for _, out := range outs {
			d.writeOut(out, addr, priority, now)
		}
		return
	}
	d.writeOut(data, addr, priority, now)
}

func (d *Dispatcher) writeOut(data []byte, addr netip.AddrPort, priority qos.Priority, now time.Time) {
	if err := d.sock.send(data, addr, priority); err != nil {
		return
	}
	d.metrics.PacketsSent.Add(1)
	d.metrics.BytesSent.Add(int64(len(data)))
	d.lastOutbound[addr.String()] = now
}

func (d *Dispatcher) driveConnection(id string, c *conn.Connection, now time.Time) {
	if c.TimedOut(now, d.cfg.ConnectionTimeout.Duration) || c.ConnectTimedOut(now, d.cfg.ConnectionTimeout.Duration) {
		d.disconnect(id, c)
		return
	}

	c.Fragments().Sweep(now) // per-tick TTL eviction, spec.md §9

	systemProfile := d.catalog.Get(qos.NameSystem)
	for _, wire := range c.Retransmit(now) {
		d.sendRaw(wire, mustParseAddrPort(id), systemProfile.Priority, now)
	}

	lastSent, everSent := d.lastOutbound[id]
	if !everSent {
		lastSent = c.LastActivity
	}
	if c.NeedsKeepAlive(now, lastSent, d.cfg.KeepAliveInterval.Duration) {
		if ka, err := c.KeepAlive(now); err == nil {
			d.sendRaw(ka, mustParseAddrPort(id), qos.Lowest, now)
		}
	}
}

func (d *Dispatcher) disconnect(id string, c *conn.Connection) {
	addr, err := netip.ParseAddrPort(id)
	if err == nil {
		d.gate.RemoveConnection(addr.Addr())
	}
	delete(d.connections, id)
	delete(d.lastOutbound, id)
	d.replays.Remove(id)
	if d.integrityTracker != nil {
		d.integrityTracker.Forget(id)
	}
	if d.hwidTracker != nil {
		d.hwidTracker.Forget(id)
	}
	d.metrics.ConnectedClients.Set(int64(len(d.connections)))
	_ = c
}

func (d *Dispatcher) sweep(now time.Time) {
	if now.Sub(d.lastReplaySweep) >= replaySweepInterval {
		d.replays.Sweep(now)
		d.lastReplaySweep = now
	}
	if now.Sub(d.lastBanSweep) >= banSweepInterval {
		d.gate.SweepBans(now)
		d.lastBanSweep = now
	}
}

func mustParseAddrPort(id string) netip.AddrPort {
	addr, err := netip.ParseAddrPort(id)
	if err != nil {
		return netip.AddrPort{}
	}
	return addr
}
