package integrity

// HWIDGate is the optional hardware-id oracle of spec.md §4.7 step 3: a
// first-payload-as-hwid check with a ban list and a virtual-environment
// signal. A deployment that does not want HWID banning simply never
// constructs a HWIDTracker.
type HWIDGate interface {
	IsBanned(id []byte) bool
	IsVirtualEnvironment(id []byte) bool
}

// HWIDSink receives hardware ids that get banned, so the gate's ban
// list can be persisted or shared across process restarts.
type HWIDSink interface {
	RecordBan(id []byte)
}

// HWIDTracker applies an HWIDGate to first-payload hardware ids and
// records the accepted id per client, per spec.md §4.7 step 3.
type HWIDTracker struct {
	gate        HWIDGate
	sink        HWIDSink
	allowVM     bool
	clientHwids map[string][]byte
}

// NewHWIDTracker returns a HWIDTracker. allowVirtualMachine mirrors
// spec.md §6's allowVirtualMachine config key.
func NewHWIDTracker(gate HWIDGate, sink HWIDSink, allowVirtualMachine bool) *HWIDTracker {
	return &HWIDTracker{
		gate:        gate,
		sink:        sink,
		allowVM:     allowVirtualMachine,
		clientHwids: make(map[string][]byte),
	}
}

// Admit evaluates id (the first payload from clientID) and either
// records it as that client's hwid or reports why it must be rejected.
func (h *HWIDTracker) Admit(clientID string, id []byte) (admitted bool, reason string) {
	if h.gate.IsBanned(id) {
		if h.sink != nil {
			h.sink.RecordBan(id)
		}
		return false, "hwid banned"
	}
	if !h.allowVM && h.gate.IsVirtualEnvironment(id) {
		if h.sink != nil {
			h.sink.RecordBan(id)
		}
		return false, "virtual environment disallowed"
	}
	h.clientHwids[clientID] = append([]byte(nil), id...)
	return true, ""
}

// HWID returns the hardware id recorded for clientID, if any.
func (h *HWIDTracker) HWID(clientID string) ([]byte, bool) {
	id, ok := h.clientHwids[clientID]
	return id, ok
}

// Forget drops the recorded hwid for clientID, e.g. on disconnect.
func (h *HWIDTracker) Forget(clientID string) {
	delete(h.clientHwids, clientID)
}

// NoopHWIDGate treats every id as neither banned nor virtual. With it
// installed and enableHwidBan set, the HWIDTracker still records each
// client's hwid but rejects none.
type NoopHWIDGate struct{}

func (NoopHWIDGate) IsBanned(id []byte) bool             { return false }
func (NoopHWIDGate) IsVirtualEnvironment(id []byte) bool { return false }
