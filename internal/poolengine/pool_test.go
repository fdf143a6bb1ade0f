package poolengine

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dbbouncer/pgpool/internal/auth"
	"github.com/dbbouncer/pgpool/internal/limits"
	"github.com/dbbouncer/pgpool/internal/servers"
	"github.com/dbbouncer/pgpool/internal/slot"
)

func fakeDial(dialCount *atomic.Int32) DialFunc {
	return func(ctx context.Context, srv *servers.Server, username, password, database, appName string) (net.Conn, *auth.BackendResult, error) {
		dialCount.Add(1)
		client, _ := net.Pipe()
		return client, &auth.BackendResult{PID: 1234, Secret: 5678}, nil
	}
}

func testRegistry() *servers.Registry {
	return servers.NewRegistry([]*servers.Server{servers.New("primary", "localhost", 5432, servers.Primary)})
}

func TestAcquireCreatesAndReturnsSlot(t *testing.T) {
	var dials atomic.Int32
	ls := limits.NewSet([]limits.Rule{{Username: limits.All, Database: limits.All, MaxSize: 2}})
	p := New(4, ls, testRegistry(), Config{}, fakeDial(&dials))

	s, err := p.Acquire(context.Background(), "alice", "pw", "app", "myapp")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if s.State() != slot.InUse {
		t.Fatalf("slot state = %s, want IN_USE", s.State())
	}
	if dials.Load() != 1 {
		t.Fatalf("dial count = %d, want 1", dials.Load())
	}

	p.Return(s)
	if s.State() != slot.Free {
		t.Fatalf("slot state after Return = %s, want FREE", s.State())
	}
}

func TestAcquireReusesFreeSlotWithoutRedialing(t *testing.T) {
	var dials atomic.Int32
	ls := limits.NewSet([]limits.Rule{{Username: limits.All, Database: limits.All, MaxSize: 2}})
	p := New(4, ls, testRegistry(), Config{}, fakeDial(&dials))

	s1, err := p.Acquire(context.Background(), "alice", "pw", "app", "")
	if err != nil {
		t.Fatalf("first Acquire() error: %v", err)
	}
	p.Return(s1)

	s2, err := p.Acquire(context.Background(), "alice", "pw", "app", "")
	if err != nil {
		t.Fatalf("second Acquire() error: %v", err)
	}
	if s2 != s1 {
		t.Fatal("expected the same slot to be reused")
	}
	if dials.Load() != 1 {
		t.Fatalf("dial count = %d, want 1 (no redial on reuse)", dials.Load())
	}
}

func TestAcquireNoMatchingRule(t *testing.T) {
	var dials atomic.Int32
	ls := limits.NewSet([]limits.Rule{{Username: "bob", Database: "billing", MaxSize: 1}})
	p := New(4, ls, testRegistry(), Config{}, fakeDial(&dials))

	if _, err := p.Acquire(context.Background(), "alice", "pw", "app", ""); err == nil {
		t.Fatal("expected error: no rule matches alice/app")
	}
}

func TestAcquireBlocksOnCapacityThenTimesOut(t *testing.T) {
	var dials atomic.Int32
	ls := limits.NewSet([]limits.Rule{{Username: limits.All, Database: limits.All, MaxSize: 1}})
	p := New(4, ls, testRegistry(), Config{BlockingTimeout: 100 * time.Millisecond}, fakeDial(&dials))

	s1, err := p.Acquire(context.Background(), "alice", "pw", "app", "")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	_ = s1 // held, never returned — rule stays at capacity

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx, "alice", "pw", "app", ""); err == nil {
		t.Fatal("expected Acquire to fail once the rule's capacity is exhausted")
	}
}

func TestKillReleasesRuleCapacityForNextAcquire(t *testing.T) {
	var dials atomic.Int32
	ls := limits.NewSet([]limits.Rule{{Username: limits.All, Database: limits.All, MaxSize: 1}})
	p := New(4, ls, testRegistry(), Config{}, fakeDial(&dials))

	s1, err := p.Acquire(context.Background(), "alice", "pw", "app", "")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	p.Kill(s1)
	if s1.State() != slot.NotInit {
		t.Fatalf("slot state after Kill = %s, want NOTINIT", s1.State())
	}
	if n := ls.ActiveCount(0); n != 0 {
		t.Fatalf("ActiveCount after Kill = %d, want 0", n)
	}

	if _, err := p.Acquire(context.Background(), "alice", "pw", "app", ""); err != nil {
		t.Fatalf("Acquire after Kill should succeed: %v", err)
	}
	if dials.Load() != 2 {
		t.Fatalf("dial count = %d, want 2 (fresh connection after kill)", dials.Load())
	}
}

func TestReturnWithOwnerCheckKillsOnMismatch(t *testing.T) {
	var dials atomic.Int32
	ls := limits.NewSet([]limits.Rule{{Username: limits.All, Database: limits.All, MaxSize: 1}})
	p := New(4, ls, testRegistry(), Config{}, fakeDial(&dials))

	s, err := p.Acquire(context.Background(), "alice", "pw", "app", "")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if err := p.ReturnWithOwnerCheck(s, s.GetOwner()+1); err == nil {
		t.Fatal("expected owner mismatch error")
	}
	if s.State() != slot.NotInit {
		t.Fatalf("slot state after mismatched return = %s, want NOTINIT", s.State())
	}
}

func TestSweepKillsIdleSlot(t *testing.T) {
	var dials atomic.Int32
	ls := limits.NewSet([]limits.Rule{{Username: limits.All, Database: limits.All, MaxSize: 2, MinSize: 0}})
	p := New(4, ls, testRegistry(), Config{IdleTimeout: 10 * time.Millisecond}, fakeDial(&dials))

	s, err := p.Acquire(context.Background(), "alice", "pw", "app", "")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	p.Return(s)
	time.Sleep(30 * time.Millisecond)
	p.Sweep()

	if s.State() != slot.NotInit {
		t.Fatalf("slot state after Sweep = %s, want NOTINIT", s.State())
	}
}

func TestSweepPreservesSlotsBelowMinSize(t *testing.T) {
	var dials atomic.Int32
	ls := limits.NewSet([]limits.Rule{{Username: limits.All, Database: limits.All, MaxSize: 2, MinSize: 1}})
	p := New(4, ls, testRegistry(), Config{IdleTimeout: 10 * time.Millisecond}, fakeDial(&dials))

	s, err := p.Acquire(context.Background(), "alice", "pw", "app", "")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	p.Return(s)
	time.Sleep(30 * time.Millisecond)
	p.Sweep()

	if s.State() != slot.Free {
		t.Fatalf("slot state after Sweep = %s, want FREE (below MinSize)", s.State())
	}
}

func TestFlushAllKillsEverything(t *testing.T) {
	var dials atomic.Int32
	ls := limits.NewSet([]limits.Rule{{Username: limits.All, Database: limits.All, MaxSize: 2}})
	p := New(4, ls, testRegistry(), Config{}, fakeDial(&dials))

	s1, _ := p.Acquire(context.Background(), "alice", "pw", "app", "")
	s2, _ := p.Acquire(context.Background(), "bob", "pw", "app", "")
	p.Return(s2)

	p.Flush(-1, FlushAll)

	if s1.State() != slot.NotInit || s2.State() != slot.NotInit {
		t.Fatalf("expected both slots NOTINIT after FlushAll, got %s / %s", s1.State(), s2.State())
	}
}

func TestPrefillSkipsWildcardUsers(t *testing.T) {
	var dials atomic.Int32
	ls := limits.NewSet([]limits.Rule{
		{Username: limits.All, Database: limits.All, MaxSize: 5, InitialSize: 3},
		{Username: "alice", Database: "app", MaxSize: 5, InitialSize: 2},
	})
	p := New(8, ls, testRegistry(), Config{}, fakeDial(&dials))

	passwords := func(username string) (string, bool) {
		if username == "alice" {
			return "pw", true
		}
		return "", false
	}
	if err := p.Prefill(context.Background(), passwords); err != nil {
		t.Fatalf("Prefill() error: %v", err)
	}
	if dials.Load() != 2 {
		t.Fatalf("dial count = %d, want 2 (only alice's rule prefilled)", dials.Load())
	}
	if n := p.Table().CountByState(slot.Free); n != 2 {
		t.Fatalf("FREE slots after prefill = %d, want 2", n)
	}
}
