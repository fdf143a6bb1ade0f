// Package poolengine implements the pool's core operations over a shared
// slot.Table: acquire, return, kill, prefill, sweep, and flush. It
// generalizes the teacher's per-tenant TenantPool (one idle slice, one
// mutex+cond, one backend) into a single engine serving many (rule,
// server) combinations against one fixed-size slot table.
package poolengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dbbouncer/pgpool/internal/auth"
	"github.com/dbbouncer/pgpool/internal/limits"
	"github.com/dbbouncer/pgpool/internal/servers"
	"github.com/dbbouncer/pgpool/internal/slot"
)

// DialFunc opens and authenticates a new backend connection for (username,
// database) against srv. Supplied by the supervisor, which owns the wire
// and auth packages' wiring.
type DialFunc func(ctx context.Context, srv *servers.Server, username, password, database, applicationName string) (net.Conn, *auth.BackendResult, error)

// PasswordLookup resolves the backend password to use for a configured
// pooler user, used by Prefill since there is no client connection to
// derive credentials from.
type PasswordLookup func(username string) (string, bool)

// ErrPoolFull marks an Acquire failure caused by capacity exhaustion — a
// rule at max_size, or the slot table itself full — as distinct from a
// dial/auth failure against a live backend, so a caller with a client
// connection can produce the right client-visible protocol error instead
// of a generic one.
var ErrPoolFull = errors.New("poolengine: connection pool is full")

// Config governs sweep timing and retry behavior.
type Config struct {
	IdleTimeout      time.Duration
	MaxConnectionAge time.Duration
	BlockingTimeout  time.Duration
	SweepInterval    time.Duration
}

// Pool is the shared engine: one slot table, one limit-rule set, one
// server registry, operated on by many concurrent worker goroutines.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	table    *slot.Table
	limitSet *limits.Set
	registry *servers.Registry
	cfg      Config
	dial     DialFunc

	ownerSeq atomic.Uint64
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a pool engine over a fresh slot table of the given capacity.
func New(capacity int, limitSet *limits.Set, registry *servers.Registry, cfg Config, dial DialFunc) *Pool {
	p := &Pool{
		table:    slot.NewTable(capacity),
		limitSet: limitSet,
		registry: registry,
		cfg:      cfg,
		dial:     dial,
		stopCh:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Table exposes the underlying slot table, for read-only inspection by
// the supervisor's stats/admin surface.
func (p *Pool) Table() *slot.Table { return p.table }

func (p *Pool) newOwner() uint64 {
	return p.ownerSeq.Add(1)
}

// Start launches the periodic sweep goroutine (the idle and max-age checks
// of Sweep; no validation pass is run). Mirrors the teacher's reapLoop
// ticker pattern.
func (p *Pool) Start() {
	interval := p.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Sweep()
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep goroutine. Safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Acquire finds or creates a slot for (username, database), blocking until
// one becomes available, the bounded retry on rule capacity expires, or
// ctx is done.
func (p *Pool) Acquire(ctx context.Context, username, password, database, applicationName string) (*slot.Slot, error) {
	ruleIndex := p.limitSet.Find(username, database)
	if ruleIndex < 0 {
		return nil, fmt.Errorf("poolengine: no limit rule matches user=%s database=%s", username, database)
	}

	for {
		if s := p.reuseFree(ruleIndex, username, database); s != nil {
			s.Touch()
			return s, nil
		}

		if err := p.reserveWithRetry(ctx, ruleIndex); err != nil {
			return nil, fmt.Errorf("poolengine: rule at capacity: %w", errors.Join(ErrPoolFull, err))
		}

		s, err := p.initNewSlot(ctx, ruleIndex, username, password, database, applicationName)
		if err != nil {
			p.limitSet.Release(ruleIndex)
			return nil, err
		}
		if s != nil {
			return s, nil
		}

		// Rule has room but the slot table itself is full: give the
		// reservation back and wait for somebody else's Return/Kill.
		p.limitSet.Release(ruleIndex)
		if err := p.waitForReturn(ctx); err != nil {
			return nil, fmt.Errorf("poolengine: waiting for a free slot: %w", errors.Join(ErrPoolFull, err))
		}
	}
}

// reuseFree scans for a FREE slot already bound to (ruleIndex, username,
// database), newest first, and claims it via CAS.
func (p *Pool) reuseFree(ruleIndex int, username, database string) *slot.Slot {
	var found *slot.Slot
	p.table.ScanDescending(func(_ int, s *slot.Slot) bool {
		if s.State() == slot.Free && s.Matches(ruleIndex, username, database) {
			if s.CAS(slot.Free, slot.InUse) {
				found = s
				return false
			}
		}
		return true
	})
	if found != nil {
		found.SetOwner(p.newOwner())
	}
	return found
}

// reserveWithRetry bounds the wait on a rule's accounting counter with
// exponential backoff, distinct from waitForReturn's indefinite broadcast
// wait: a rule at capacity is a lightweight polling problem, not an event
// to block on.
func (p *Pool) reserveWithRetry(ctx context.Context, ruleIndex int) error {
	timeout := p.cfg.BlockingTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b, err := retry.NewExponential(10 * time.Millisecond)
	if err != nil {
		return err
	}
	b = retry.WithMaxDuration(timeout, b)
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := p.limitSet.Reserve(ruleIndex)
		if errors.Is(err, limits.ErrAtCapacity) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// waitForReturn blocks until Return/Kill broadcasts or ctx is done.
func (p *Pool) waitForReturn(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()
	p.cond.Wait()
	return ctx.Err()
}

func (p *Pool) broadcastReturn() {
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// initNewSlot claims a NOTINIT slot and dials+authenticates a fresh
// backend connection for it. Returns (nil, nil) if no NOTINIT slot is
// currently available (table full) rather than an error, so Acquire can
// fall back to waiting.
func (p *Pool) initNewSlot(ctx context.Context, ruleIndex int, username, password, database, applicationName string) (*slot.Slot, error) {
	var claimed *slot.Slot
	p.table.ScanDescending(func(_ int, s *slot.Slot) bool {
		if s.State() == slot.NotInit && s.CAS(slot.NotInit, slot.Init) {
			claimed = s
			return false
		}
		return true
	})
	if claimed == nil {
		return nil, nil
	}

	serverIndex := p.registry.Primary()
	if serverIndex < 0 {
		claimed.ForceNotInit()
		return nil, fmt.Errorf("poolengine: no usable backend server")
	}
	srv := p.registry.At(serverIndex)

	conn, result, err := p.dial(ctx, srv, username, password, database, applicationName)
	if err != nil {
		claimed.ForceNotInit()
		return nil, fmt.Errorf("poolengine: dialing backend %s: %w", srv.Name, err)
	}

	owner := p.newOwner()
	claimed.Init(ruleIndex, serverIndex, username, database, applicationName, owner)
	claimed.SetConn(conn)
	claimed.SetAuthResult(result.PID, result.Secret, result.Frames)
	claimed.Touch()
	claimed.MarkHandedOut()
	if !claimed.CAS(slot.Init, slot.InUse) {
		conn.Close()
		return nil, fmt.Errorf("poolengine: slot state changed unexpectedly during init")
	}
	return claimed, nil
}

// Return hands a slot back to the pool. A slot past MaxConnectionAge is
// killed instead of recycled (Open Question 1: the age clock runs
// continuously and is only consulted at a natural return point, never
// paused mid-transaction).
func (p *Pool) Return(s *slot.Slot) {
	if p.cfg.MaxConnectionAge > 0 && s.Age() >= p.cfg.MaxConnectionAge {
		p.Kill(s)
		return
	}
	if !s.CAS(slot.InUse, slot.Free) {
		return
	}
	s.Touch()
	p.broadcastReturn()
}

// Kill forcibly destroys a slot's backend connection and returns it to
// NOTINIT from whatever state it was in, releasing its rule reservation.
// Used for protocol errors, a mismatched owner token on return (the Go
// analogue of pgagroal's pid-mismatch IPC check), and sweep-driven
// removal.
func (p *Pool) Kill(s *slot.Slot) {
	ruleIndex, _ := s.RuleAndServerIndex()
	conn := s.ForceNotInit()
	if conn != nil {
		conn.Close()
	}
	if ruleIndex >= 0 {
		p.limitSet.Release(ruleIndex)
	}
	p.broadcastReturn()
}

// ReturnWithOwnerCheck validates the returning worker's owner token before
// recycling the slot, matching the shared-memory pid check the original
// C pool performed before trusting a slot transfer.
func (p *Pool) ReturnWithOwnerCheck(s *slot.Slot, owner uint64) error {
	if s.GetOwner() != owner {
		p.Kill(s)
		return fmt.Errorf("poolengine: owner token mismatch on return, slot force-killed")
	}
	p.Return(s)
	return nil
}

// ReturnOrFlushWithOwnerCheck is ReturnOrFlush guarded by an owner-token
// check: a mismatched token force-kills the slot instead of recycling it,
// exactly as ReturnWithOwnerCheck does for the plain-Return path.
func (p *Pool) ReturnOrFlushWithOwnerCheck(s *slot.Slot, owner uint64) error {
	if s.GetOwner() != owner {
		p.Kill(s)
		return fmt.Errorf("poolengine: owner token mismatch on return, slot force-killed")
	}
	p.ReturnOrFlush(s)
	return nil
}

// Sweep runs one pass of the idle-timeout and max-age checks over every
// slot, mirroring reapIdle but operating over the full shared table
// instead of one tenant's idle slice. FREE slots whose rule's active count
// is at or below MinSize are preserved even past their idle timeout.
func (p *Pool) Sweep() {
	p.table.ScanDescending(func(_ int, s *slot.Slot) bool {
		if s.State() != slot.Free {
			return true
		}
		ruleIndex, _ := s.RuleAndServerIndex()
		if ruleIndex < 0 || ruleIndex >= p.limitSet.Len() {
			return true
		}
		rule := p.limitSet.Rule(ruleIndex)
		if p.limitSet.ActiveCount(ruleIndex) <= rule.MinSize {
			return true
		}

		expired := p.cfg.IdleTimeout > 0 && s.IdleFor() >= p.cfg.IdleTimeout
		aged := p.cfg.MaxConnectionAge > 0 && s.Age() >= p.cfg.MaxConnectionAge
		if !expired && !aged {
			return true
		}
		if s.CAS(slot.Free, slot.IdleCheck) {
			p.Kill(s)
		}
		return true
	})
}

// Prefill opens InitialSize connections for every rule that names a
// concrete (non-wildcard) user, so the pool has warm connections ready
// before the first client arrives. Rules on the "all" wildcard user are
// skipped — there is no single concrete credential to prefill with.
func (p *Pool) Prefill(ctx context.Context, passwords PasswordLookup) error {
	for i := 0; i < p.limitSet.Len(); i++ {
		rule := p.limitSet.Rule(i)
		if rule.Username == limits.All {
			continue
		}
		password, ok := passwords(rule.Username)
		if !ok {
			slog.Warn("poolengine: no password configured for prefill user, skipping", "username", rule.Username)
			continue
		}
		for n := 0; n < rule.InitialSize; n++ {
			if err := p.limitSet.Reserve(i); err != nil {
				break
			}
			s, err := p.initNewSlot(ctx, i, rule.Username, password, rule.Database, "pgpool-prefill")
			if err != nil {
				p.limitSet.Release(i)
				return fmt.Errorf("poolengine: prefilling %s/%s: %w", rule.Username, rule.Database, err)
			}
			if s == nil {
				p.limitSet.Release(i)
				break
			}
			p.Return(s)
		}
	}
	return nil
}

// FlushMode selects how aggressively Flush tears down FREE/IN_USE slots.
type FlushMode int

const (
	// FlushIdle kills only FREE slots, leaving in-flight sessions alone.
	FlushIdle FlushMode = iota
	// FlushGraceful marks IN_USE slots for termination on their next
	// Return instead of killing them immediately.
	FlushGraceful
	// FlushAll kills every non-NOTINIT slot immediately, including
	// in-flight sessions.
	FlushAll
)

// Flush tears down connections for one rule (or every rule, if ruleIndex
// is -1) according to mode.
func (p *Pool) Flush(ruleIndex int, mode FlushMode) {
	p.flushMatching(mode, func(s *slot.Slot) bool {
		r, _ := s.RuleAndServerIndex()
		return ruleIndex < 0 || r == ruleIndex
	})
}

// FlushServer tears down connections tied to one backend server, the
// operator-facing "flush-server" action that drains slots ahead of taking
// a server out of rotation.
func (p *Pool) FlushServer(serverIndex int, mode FlushMode) {
	p.flushMatching(mode, func(s *slot.Slot) bool {
		_, srv := s.RuleAndServerIndex()
		return srv == serverIndex
	})
}

func (p *Pool) flushMatching(mode FlushMode, match func(s *slot.Slot) bool) {
	p.table.ScanDescending(func(_ int, s *slot.Slot) bool {
		if !match(s) {
			return true
		}
		switch mode {
		case FlushIdle:
			if s.CAS(slot.Free, slot.Flush) {
				p.Kill(s)
			}
		case FlushGraceful:
			s.CAS(slot.Free, slot.Flush)
			if s.State() == slot.Flush {
				p.Kill(s)
			} else {
				s.CAS(slot.InUse, slot.Gracefully)
			}
		case FlushAll:
			st := s.State()
			if st == slot.Free && s.CAS(slot.Free, slot.Flush) {
				p.Kill(s)
			} else if st == slot.InUse && s.CAS(slot.InUse, slot.Flush) {
				p.Kill(s)
			}
		}
		return true
	})
}

// ReturnOrFlush is what the pipelines call instead of Return when a slot
// may have been marked GRACEFULLY by a concurrent Flush: such a slot is
// killed instead of recycled, once its current session ends.
func (p *Pool) ReturnOrFlush(s *slot.Slot) {
	if s.CAS(slot.Gracefully, slot.Flush) {
		p.Kill(s)
		return
	}
	p.Return(s)
}
