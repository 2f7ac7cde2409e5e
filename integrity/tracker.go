package integrity

import "time"

// VerifyState is the outcome of VerifyResponse, spec.md §4.7 step 2's
// {VERIFIED, FAILED_*} oracle result.
type VerifyState uint8

const (
	Verified VerifyState = iota
	FailedNoPendingChallenge
	FailedExpired
	FailedMismatch
)

func (s VerifyState) String() string {
	switch s {
	case Verified:
		return "verified"
	case FailedNoPendingChallenge:
		return "failed_no_pending_challenge"
	case FailedExpired:
		return "failed_expired"
	case FailedMismatch:
		return "failed_mismatch"
	default:
		return "failed_unknown"
	}
}

type pendingChallenge struct {
	challenge []byte
	issuedAt  time.Time
}

// Tracker holds the per-client pending-challenge table and failure
// counters for one dispatcher. Not safe for concurrent use; owned
// exclusively by the dispatcher tick, same as admission.Gate.
type Tracker struct {
	challenger Challenger

	maxFailures     int
	challengeTTL    time.Duration
	recheckInterval time.Duration

	pending           map[string]*pendingChallenge
	integrityFailures map[string]int
	lastCheck         map[string]time.Time
}

// NewTracker returns a Tracker. maxFailures is the number of
// FailedMismatch or FailedExpired verdicts before the client is
// ban-eligible;
// challengeTTL bounds how long a pending challenge is honored;
// recheckInterval is spec.md's integrityCheckInterval.
func NewTracker(challenger Challenger, maxFailures int, challengeTTL, recheckInterval time.Duration) *Tracker {
	return &Tracker{
		challenger:        challenger,
		maxFailures:       maxFailures,
		challengeTTL:      challengeTTL,
		recheckInterval:   recheckInterval,
		pending:           make(map[string]*pendingChallenge),
		integrityFailures: make(map[string]int),
		lastCheck:         make(map[string]time.Time),
	}
}

// NeedsChallenge reports whether clientID is unknown (never checked) or
// has gone recheckInterval since its last successful check, per spec.md
// §4.7's trigger condition.
func (t *Tracker) NeedsChallenge(clientID string, now time.Time) bool {
	last, ok := t.lastCheck[clientID]
	if !ok {
		return true
	}
	return now.Sub(last) >= t.recheckInterval
}

// IssueChallenge mints a challenge, stores it under clientID with now,
// and returns the challenge bytes; the caller frames them for the wire.
func (t *Tracker) IssueChallenge(clientID string, now time.Time) ([]byte, error) {
	challenge, err := t.challenger.NewChallenge()
	if err != nil {
		return nil, err
	}
	t.pending[clientID] = &pendingChallenge{challenge: challenge, issuedAt: now}
	return challenge, nil
}

// VerifyResponse evaluates a client's INTEGRITY_RESPONSE payload. On
// Verified it clears the pending entry and records lastCheck. On
// FailedMismatch or FailedExpired it increments
// integrityFailures[clientID]; FailedNoPendingChallenge is not counted.
// The caller bans the client once ShouldBan reports true.
func (t *Tracker) VerifyResponse(clientID string, response []byte, now time.Time) VerifyState {
	p, ok := t.pending[clientID]
	if !ok {
		return FailedNoPendingChallenge
	}
	if now.Sub(p.issuedAt) > t.challengeTTL {
		delete(t.pending, clientID)
		t.integrityFailures[clientID]++
		return FailedExpired
	}
	if !t.challenger.Verify(p.challenge, response) {
		t.integrityFailures[clientID]++
		return FailedMismatch
	}
	delete(t.pending, clientID)
	delete(t.integrityFailures, clientID)
	t.lastCheck[clientID] = now
	return Verified
}

// ShouldBan reports whether clientID has accumulated maxFailures or more
// integrity failures.
func (t *Tracker) ShouldBan(clientID string) bool {
	return t.integrityFailures[clientID] >= t.maxFailures
}

// Forget drops all tracked state for clientID, e.g. on disconnect or ban.
func (t *Tracker) Forget(clientID string) {
	delete(t.pending, clientID)
	delete(t.integrityFailures, clientID)
	delete(t.lastCheck, clientID)
}
