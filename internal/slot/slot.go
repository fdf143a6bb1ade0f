// Package slot implements the fixed-size connection slot table described in
// pgpool's data model: one entry per possibly-open backend connection, with
// a parallel atomic state word per slot and a CAS-only transition discipline.
package slot

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State is one point in the slot-state alphabet. Transitions between
// states go through Slot.CAS; the one exception is ForceNotInit, which
// stores NOTINIT unconditionally.
type State int32

const (
	NotInit State = iota
	Init
	Free
	InUse
	Gracefully
	Flush
	IdleCheck
	MaxConnectionAge
	Validation
	Remove
)

func (s State) String() string {
	switch s {
	case NotInit:
		return "NOTINIT"
	case Init:
		return "INIT"
	case Free:
		return "FREE"
	case InUse:
		return "IN_USE"
	case Gracefully:
		return "GRACEFULLY"
	case Flush:
		return "FLUSH"
	case IdleCheck:
		return "IDLE_CHECK"
	case MaxConnectionAge:
		return "MAX_CONNECTION_AGE"
	case Validation:
		return "VALIDATION"
	case Remove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// transient reports whether s is one of the sweep-only states that must
// never be observed outside a single sweep step (invariant 6 in spec §3).
func (s State) transient() bool {
	switch s {
	case Gracefully, Flush, IdleCheck, MaxConnectionAge, Validation, Remove:
		return true
	default:
		return false
	}
}

// AuthFrameCount is the number of captured authentication/parameter-status
// frames a slot retains for replay to a future client (spec §3, §4.6).
const AuthFrameCount = 5

// Slot owns a possibly-open backend connection and its lifecycle metadata.
// The state word is the single source of truth for what may be done to a
// slot; everything else here is only meaningful once state has been read.
type Slot struct {
	state atomic.Int32

	mu sync.Mutex

	Username        string
	Database        string
	ApplicationName string

	ServerIndex int
	RuleIndex   int
	StartTime   time.Time
	LastUse     time.Time

	// Owner is the acquiring worker's token. Go has no usable analogue of a
	// pid for a goroutine, so an owner token stands in for it (see
	// DESIGN.md, Open Question 3).
	Owner uint64

	// AuthFrames holds up to AuthFrameCount captured backend frames
	// (ParameterStatus/BackendKeyData/ReadyForQuery) replayed verbatim to a
	// reused client so it reaches AuthenticationOk without recontacting the
	// backend.
	AuthFrames    [][]byte
	BackendPID    uint32
	BackendSecret uint32
	ServerParams  map[string]string

	conn  net.Conn
	isNew bool
}

func (s *Slot) State() State {
	return State(s.state.Load())
}

// CAS attempts the single guarded transition from old to new, returning
// whether it succeeded. A failed CAS means some other goroutine already
// moved the slot; callers must not assume ownership.
func (s *Slot) CAS(old, new State) bool {
	return s.state.CompareAndSwap(int32(old), int32(new))
}

// reset clears every field back to the NOTINIT invariant (fd=-1, owner=0,
// rule=-1) without touching the state word — callers CAS state separately.
func (s *Slot) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Username = ""
	s.Database = ""
	s.ApplicationName = ""
	s.ServerIndex = -1
	s.RuleIndex = -1
	s.StartTime = time.Time{}
	s.LastUse = time.Time{}
	s.Owner = 0
	s.AuthFrames = nil
	s.BackendPID = 0
	s.BackendSecret = 0
	s.ServerParams = nil
	s.conn = nil
	s.isNew = true
}

// Conn returns the slot's backend connection. Only meaningful while the
// slot is owned (state IN_USE by the caller, or during INIT/FREE handling
// under the pool engine's own synchronization).
func (s *Slot) Conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// SetConn installs the backend connection. It leaves the "new" flag
// unchanged; MarkHandedOut clears it.
func (s *Slot) SetConn(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = c
}

// IsNew reports whether this slot has never been transferred to a worker.
func (s *Slot) IsNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isNew
}

// MarkHandedOut clears the "new" flag (spec §3: "true until the slot has
// been transferred out to at least one worker").
func (s *Slot) MarkHandedOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isNew = false
}

// Touch stamps LastUse to now, and StartTime on first use only.
func (s *Slot) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if s.StartTime.IsZero() {
		s.StartTime = now
	}
	s.LastUse = now
}

// Age returns how long this slot's backend connection has existed.
func (s *Slot) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartTime.IsZero() {
		return 0
	}
	return time.Since(s.StartTime)
}

// IdleFor returns how long this slot has sat unused.
func (s *Slot) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LastUse.IsZero() {
		return 0
	}
	return time.Since(s.LastUse)
}

// Init stamps a newly claimed slot's identity fields. Callers must already
// hold exclusive access via a successful CAS into INIT or IN_USE.
func (s *Slot) Init(ruleIndex, serverIndex int, username, database, appName string, owner uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RuleIndex = ruleIndex
	s.ServerIndex = serverIndex
	s.Username = username
	s.Database = database
	s.ApplicationName = appName
	s.Owner = owner
}

// SetOwner reassigns the owning worker's token, used when a FREE slot is
// reused by a new worker.
func (s *Slot) SetOwner(owner uint64) {
	s.mu.Lock()
	s.Owner = owner
	s.mu.Unlock()
}

// GetOwner returns the current owner token.
func (s *Slot) GetOwner() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Owner
}

// SetAuthResult records the backend's process id, cancel secret, and
// captured frames once the pooler has finished authenticating against it.
func (s *Slot) SetAuthResult(pid, secret uint32, frames [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BackendPID = pid
	s.BackendSecret = secret
	s.AuthFrames = frames
}

// BackendKeyData returns the backend process id and cancel secret
// captured during authentication, used to match an incoming cancel
// request against the slot that owns the targeted backend.
func (s *Slot) BackendKeyData() (pid, secret uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.BackendPID, s.BackendSecret
}

// RuleAndServerIndex returns the slot's current rule and server index.
func (s *Slot) RuleAndServerIndex() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.RuleIndex, s.ServerIndex
}

// ForceNotInit unconditionally clears a slot and drives it back to
// NOTINIT regardless of its current state, returning the backend
// connection that was attached (nil if none) for the caller to close.
// Reserved for kill paths where the slot's current state may be any of
// the transient sweep states or IN_USE with a dead owner.
func (s *Slot) ForceNotInit() net.Conn {
	conn := s.Demolish()
	s.state.Store(int32(NotInit))
	return conn
}

// GetAuthFrames returns the slot's captured replay frames.
func (s *Slot) GetAuthFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AuthFrames
}

// Matches reports whether this slot's (rule, user, db) triple matches the
// requested one exactly — the condition required to reuse a FREE slot
// (spec §4.4 step 4, §8 invariant 8).
func (s *Slot) Matches(ruleIndex int, username, database string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.RuleIndex == ruleIndex && s.Username == username && s.Database == database
}

// Table is the fixed-size slot array of spec §3, sized at startup.
type Table struct {
	slots []*Slot
}

// NewTable allocates a table of n slots, all NOTINIT.
func NewTable(n int) *Table {
	t := &Table{slots: make([]*Slot, n)}
	for i := range t.slots {
		sl := &Slot{}
		sl.ServerIndex = -1
		sl.RuleIndex = -1
		sl.isNew = true
		t.slots[i] = sl
	}
	return t
}

// Len returns the slot table's capacity (N_CONN).
func (t *Table) Len() int {
	return len(t.slots)
}

// At returns the slot at index i.
func (t *Table) At(i int) *Slot {
	return t.slots[i]
}

// ScanDescending calls fn for every slot index from high to low, stopping
// early if fn returns false. Scanning newest-first keeps hot (low-index,
// long-lived) slots hot, per spec §4.4's tie-break rule.
func (t *Table) ScanDescending(fn func(i int, s *Slot) bool) {
	for i := len(t.slots) - 1; i >= 0; i-- {
		if !fn(i, t.slots[i]) {
			return
		}
	}
}

// CountByState returns the number of slots currently in state st.
func (t *Table) CountByState(st State) int {
	n := 0
	for _, s := range t.slots {
		if s.State() == st {
			n++
		}
	}
	return n
}

// ActiveCount returns the number of slots not in NOTINIT — the pool-wide
// active_connections counter of spec §3 invariant 4.
func (t *Table) ActiveCount() int {
	n := 0
	for _, s := range t.slots {
		if s.State() != NotInit {
			n++
		}
	}
	return n
}

// CountByRule returns the number of non-NOTINIT slots assigned to ruleIndex.
func (t *Table) CountByRule(ruleIndex int) int {
	n := 0
	for _, s := range t.slots {
		if s.State() != NotInit {
			s.mu.Lock()
			r := s.RuleIndex
			s.mu.Unlock()
			if r == ruleIndex {
				n++
			}
		}
	}
	return n
}

// CheckInvariants verifies the quantified invariants of spec §8 (1, 2) that
// are purely structural (no external process-liveness check). Returns a
// human-readable description of the first violation found, or "".
func (t *Table) CheckInvariants() string {
	for i, s := range t.slots {
		st := s.State()
		s.mu.Lock()
		conn, owner, rule := s.conn, s.Owner, s.RuleIndex
		s.mu.Unlock()
		if st == NotInit {
			if conn != nil || owner != 0 || rule != -1 {
				return "slot " + State(st).String() + " at index has non-reset fields"
			}
		}
		if st == InUse && owner == 0 {
			return "slot in IN_USE has no owner"
		}
		_ = i
	}
	return ""
}

// Demolish resets a slot back to NOTINIT. Callers must already hold the
// transient state that authorizes this (VALIDATION, IDLE_CHECK,
// MAX_CONNECTION_AGE, GRACEFULLY, REMOVE, or FLUSH) and CAS to NotInit
// themselves after calling this — Demolish only clears fields.
func (s *Slot) Demolish() net.Conn {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	s.reset()
	return c
}
