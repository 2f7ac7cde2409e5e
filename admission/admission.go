// Package admission implements the process-wide ban list and rate-limit
// gate that every inbound datagram passes through before it reaches a
// connection, spec.md §4.6.
package admission

import (
	"net/netip"
	"time"
)

// DropReason captures why an inbound datagram or would-be connection
// was rejected.
type DropReason string

const (
	DropOversizedPacket     DropReason = "oversized_packet"
	DropConnectionBurst     DropReason = "connection_burst"
	DropRateLimitExceeded   DropReason = "rate_limit_exceeded"
	DropQueueOverflow       DropReason = "packet_queue_overflow"
	DropProcessingTimeout   DropReason = "processing_timeout"
	DropIntegrityViolations DropReason = "integrity_violations"
	DropReplayDetected      DropReason = "replay_detected"
	DropBanned              DropReason = "banned"
)

// Verdict is the admission decision for one inbound datagram.
type Verdict uint8

const (
	Allow Verdict = iota
	Drop
	Ban
)

// ban is one entry in the process-wide ban table. The entry survives its
// own expiry (CheckBan does not delete it) so banCount keeps escalating
// across repeat offenses; only SweepBans actually forgets it.
// unbanNotified guards against re-adding the same address to
// recentlyUnbanned on every CheckBan call after it has already expired
// once.
type ban struct {
	expiresAt     time.Time
	reason        DropReason
	banCount      int
	unbanNotified bool
}

// burstState tracks a sliding count within a fixed window, used for both
// the connection-burst and packet-burst limiters.
type burstState struct {
	count       int
	windowStart time.Time
}

// Config holds the spec.md §4.6 admission thresholds. Zero values are
// not valid; use DefaultConfig as a starting point.
type Config struct {
	MaxPacketSize           int
	ConnectionBurstLimit    int
	ConnectionBurstWindow   time.Duration
	ConnectionCooldown      time.Duration
	MaxPacketsPerSecond     int
	PacketBurstLimit        int
	PacketBurstWindow       time.Duration
	MaxPacketQueueSize      int
	MaxPacketProcessingTime time.Duration
	BanDuration             time.Duration
	RecentlyUnbannedWindow  time.Duration
}

// DefaultConfig mirrors spec.md §6's default configuration keys.
func DefaultConfig() Config {
	return Config{
		MaxPacketSize:           1024,
		ConnectionBurstLimit:    10,
		ConnectionBurstWindow:   5 * time.Second,
		ConnectionCooldown:      5 * time.Second,
		MaxPacketsPerSecond:     1000,
		PacketBurstLimit:        100,
		PacketBurstWindow:       1 * time.Second,
		MaxPacketQueueSize:      1000,
		MaxPacketProcessingTime: 100 * time.Millisecond,
		BanDuration:             1 * time.Hour,
		RecentlyUnbannedWindow:  1 * time.Hour,
	}
}

// Gate owns the process-wide admission tables: bans, per-IP connection
// counts, connection-attempt pacing, and the dual token-bucket rate
// limiters. Exclusively owned by the dispatcher, per spec.md §3.1.
type Gate struct {
	cfg Config

	banned             map[string]*ban // keyed by "ip:port"
	recentlyUnbanned   map[string]time.Time
	ipConnections      map[netip.Addr]int
	connectionAttempts map[netip.Addr]time.Time
	connectionBurst    map[netip.Addr]*burstState
	packetSeconds      map[netip.Addr]*tokenBucket
	packetBursts       map[netip.Addr]*burstState
}

// NewGate returns an empty Gate for cfg.
func NewGate(cfg Config) *Gate {
	return &Gate{
		cfg:                cfg,
		banned:             make(map[string]*ban),
		recentlyUnbanned:   make(map[string]time.Time),
		ipConnections:      make(map[netip.Addr]int),
		connectionAttempts: make(map[netip.Addr]time.Time),
		connectionBurst:    make(map[netip.Addr]*burstState),
		packetSeconds:      make(map[netip.Addr]*tokenBucket),
		packetBursts:       make(map[netip.Addr]*burstState),
	}
}

// CheckBan looks up addr in the ban table (step 1 of spec.md §4.6). If
// the ban has expired, the address is recorded in recentlyUnbanned for
// RecentlyUnbannedWindow (once per expiry); the entry itself is kept so
// banCount can keep escalating on repeat offenses until SweepBans
// forgets it.
func (g *Gate) CheckBan(addr string, now time.Time) bool {
	b, ok := g.banned[addr]
	if !ok {
		return false
	}
	if b.expiresAt.After(now) {
		return true
	}
	if !b.unbanNotified {
		g.recentlyUnbanned[addr] = now
		b.unbanNotified = true
	}
	return false
}

// Ban adds or escalates a ban on addr. banCount increments on each
// offense and expiresAt := now + BanDuration*banCount (linear
// escalation), per spec.md §4.6.
func (g *Gate) Ban(addr string, reason DropReason, now time.Time) {
	b, ok := g.banned[addr]
	if !ok {
		b = &ban{}
		g.banned[addr] = b
	}
	b.banCount++
	b.reason = reason
	b.expiresAt = now.Add(g.cfg.BanDuration * time.Duration(b.banCount))
	b.unbanNotified = false
}

func (g *Gate) recentlyUnbannedActive(addr string, now time.Time) bool {
	at, ok := g.recentlyUnbanned[addr]
	if !ok {
		return false
	}
	if now.Sub(at) > g.cfg.RecentlyUnbannedWindow {
		delete(g.recentlyUnbanned, addr)
		return false
	}
	return true
}

// CheckSize applies step 2: datagrams over MaxPacketSize ban the sender.
func (g *Gate) CheckSize(n int) bool {
	return n > g.cfg.MaxPacketSize
}

// CheckConnectionCooldown applies the connectionAttempts[ip] ->
// lastAttemptAt table from spec.md §3: a new-peer connection attempt
// from ip sooner than ConnectionCooldown after its last attempt is
// dropped (not banned — this paces reconnect spam, it does not
// penalize it the way the burst/rate limiters do). Every call records
// the attempt, admitted or not, so the cooldown always measures from
// the most recent attempt.
func (g *Gate) CheckConnectionCooldown(ip netip.Addr, now time.Time) bool {
	last, ok := g.connectionAttempts[ip]
	g.connectionAttempts[ip] = now
	return ok && now.Sub(last) < g.cfg.ConnectionCooldown
}

// CheckConnectionBurst applies step 3 for new peers only: at most
// ConnectionBurstLimit new connections per IP within ConnectionBurstWindow.
func (g *Gate) CheckConnectionBurst(ip netip.Addr, now time.Time) bool {
	bs, ok := g.connectionBurst[ip]
	if !ok || now.Sub(bs.windowStart) > g.cfg.ConnectionBurstWindow {
		bs = &burstState{count: 0, windowStart: now}
		g.connectionBurst[ip] = bs
	}
	bs.count++
	return bs.count > g.cfg.ConnectionBurstLimit
}

// CheckPacketRate applies step 4: two token buckets per IP, per-second
// and per-burst. The per-second bucket's capacity is halved for
// recently-unbanned senders.
func (g *Gate) CheckPacketRate(ip netip.Addr, addr string, now time.Time) bool {
	perSecondLimit := g.cfg.MaxPacketsPerSecond
	if g.recentlyUnbannedActive(addr, now) {
		perSecondLimit /= 2
	}

	bucket, ok := g.packetSeconds[ip]
	if !ok {
		bucket = newTokenBucket(perSecondLimit, time.Second)
		g.packetSeconds[ip] = bucket
	}
	if !bucket.Allow(now, perSecondLimit) {
		return true
	}

	burst, ok := g.packetBursts[ip]
	if !ok || now.Sub(burst.windowStart) > g.cfg.PacketBurstWindow {
		burst = &burstState{count: 0, windowStart: now}
		g.packetBursts[ip] = burst
	}
	burst.count++
	return burst.count > g.cfg.PacketBurstLimit
}

// CheckQueueOverflow applies step 5: a connection already holding at
// least MaxPacketQueueSize packets rejects admission of another.
func (g *Gate) CheckQueueOverflow(queued int) bool {
	return queued >= g.cfg.MaxPacketQueueSize
}

// AddConnection and RemoveConnection track ipConnections for per-IP
// connection-count admission decisions made elsewhere (the dispatcher
// enforces maxConnectionsPerIp directly against this count).
func (g *Gate) AddConnection(ip netip.Addr) {
	g.ipConnections[ip]++
}

func (g *Gate) RemoveConnection(ip netip.Addr) {
	if g.ipConnections[ip] <= 1 {
		delete(g.ipConnections, ip)
		return
	}
	g.ipConnections[ip]--
}

func (g *Gate) ConnectionCount(ip netip.Addr) int {
	return g.ipConnections[ip]
}

// SweepBans evicts expired bans, intended to run every 5 minutes per
// spec.md §4.6.
func (g *Gate) SweepBans(now time.Time) int {
	evicted := 0
	for addr, b := range g.banned {
		if !b.expiresAt.After(now) {
			delete(g.banned, addr)
			g.recentlyUnbanned[addr] = now
			evicted++
		}
	}
	for addr, at := range g.recentlyUnbanned {
		if now.Sub(at) > g.cfg.RecentlyUnbannedWindow {
			delete(g.recentlyUnbanned, addr)
		}
	}
	return evicted
}
