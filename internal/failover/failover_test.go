package failover

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/dbbouncer/pgpool/internal/servers"
)

// mustListen opens a loopback TCP listener so a failover candidate probe
// has something real to dial against.
func mustListen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	return ln
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("net.SplitHostPort(%q): %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("strconv.Atoi(%q): %v", portStr, err)
	}
	return host, port
}

func waitForState(t *testing.T, srv *servers.Server, want servers.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server %s never reached state %s (stuck at %s)", srv.Name, want, srv.State())
}

func TestGuardTripsNonPrimaryToFailedWithoutFailover(t *testing.T) {
	replica := servers.New("s2", "127.0.0.1", 5433, servers.Replica)
	registry := servers.NewRegistry([]*servers.Server{replica})
	o := New(registry, Config{Enabled: true, FailureThreshold: 2, ScriptPath: "/bin/true"})

	for i := 0; i < 2; i++ {
		err := o.Guard(0, func() error { return errors.New("dial refused") })
		if err == nil {
			t.Fatal("expected dial error to propagate")
		}
	}
	waitForState(t, replica, servers.Failed)
}

func TestGuardPromotesPrimaryOnSuccessfulFailover(t *testing.T) {
	primary := servers.New("s1", "127.0.0.1", 5432, servers.Primary)
	replica := servers.New("s2", "127.0.0.1", 1, servers.Replica) // overwritten below with a reachable port
	registry := servers.NewRegistry([]*servers.Server{primary, replica})
	o := New(registry, Config{Enabled: true, FailureThreshold: 1, ScriptPath: "/bin/true", ProbeTimeout: 50 * time.Millisecond})

	// give the replica a reachable address: a local listener
	ln := mustListen(t)
	defer ln.Close()
	replica.Host, replica.Port = splitHostPort(t, ln.Addr().String())

	err := o.Guard(0, func() error { return errors.New("primary unreachable") })
	if err == nil {
		t.Fatal("expected dial error to propagate")
	}

	waitForState(t, primary, servers.Failed)
	waitForState(t, replica, servers.Primary)
}

func TestGuardFailsOverToFailedOnScriptError(t *testing.T) {
	primary := servers.New("s1", "127.0.0.1", 5432, servers.Primary)
	replica := servers.New("s2", "127.0.0.1", 1, servers.Replica)
	registry := servers.NewRegistry([]*servers.Server{primary, replica})
	o := New(registry, Config{Enabled: true, FailureThreshold: 1, ScriptPath: "/bin/false", ProbeTimeout: 50 * time.Millisecond})

	ln := mustListen(t)
	defer ln.Close()
	replica.Host, replica.Port = splitHostPort(t, ln.Addr().String())

	_ = o.Guard(0, func() error { return errors.New("primary unreachable") })

	waitForState(t, primary, servers.Failed)
	waitForState(t, replica, servers.Failed)
}

func TestGuardWrapsErrServerFailoverOnPrimaryTrip(t *testing.T) {
	primary := servers.New("s1", "127.0.0.1", 5432, servers.Primary)
	replica := servers.New("s2", "127.0.0.1", 1, servers.Replica)
	registry := servers.NewRegistry([]*servers.Server{primary, replica})
	o := New(registry, Config{Enabled: true, FailureThreshold: 1, ScriptPath: "/bin/true", ProbeTimeout: 50 * time.Millisecond})

	ln := mustListen(t)
	defer ln.Close()
	replica.Host, replica.Port = splitHostPort(t, ln.Addr().String())

	err := o.Guard(0, func() error { return errors.New("primary unreachable") })
	if !errors.Is(err, ErrServerFailover) {
		t.Fatalf("Guard() error = %v, want it to wrap ErrServerFailover", err)
	}
}

func TestGuardDoesNotWrapErrServerFailoverWhenDisabled(t *testing.T) {
	primary := servers.New("s1", "127.0.0.1", 5432, servers.Primary)
	registry := servers.NewRegistry([]*servers.Server{primary})
	o := New(registry, Config{Enabled: false, FailureThreshold: 1})

	err := o.Guard(0, func() error { return errors.New("primary unreachable") })
	if errors.Is(err, ErrServerFailover) {
		t.Fatal("Guard() should not wrap ErrServerFailover when failover is disabled")
	}
}

func TestResetRequiresFailedState(t *testing.T) {
	srv := servers.New("s1", "127.0.0.1", 5432, servers.NotInit)
	registry := servers.NewRegistry([]*servers.Server{srv})
	o := New(registry, Config{})

	if err := o.Reset(0); err == nil {
		t.Fatal("expected Reset to reject a non-FAILED server")
	}
	srv.Set(servers.Failed)
	if err := o.Reset(0); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if srv.State() != servers.NotInit {
		t.Fatalf("state = %s, want NOTINIT", srv.State())
	}
}

func TestSwitchToDemotesCurrentPrimary(t *testing.T) {
	primary := servers.New("s1", "127.0.0.1", 5432, servers.Primary)
	replica := servers.New("s2", "127.0.0.1", 5433, servers.Replica)
	registry := servers.NewRegistry([]*servers.Server{primary, replica})
	o := New(registry, Config{})

	if err := o.SwitchTo(1); err != nil {
		t.Fatalf("SwitchTo() error: %v", err)
	}
	if replica.State() != servers.Primary {
		t.Fatalf("replica state = %s, want PRIMARY", replica.State())
	}
	if primary.State() != servers.Failed {
		t.Fatalf("old primary state = %s, want FAILED", primary.State())
	}
}
