// Package failover orchestrates primary/replica promotion: it watches
// dial/acquire failures through a per-server circuit breaker and, once a
// primary trips, probes a candidate replica and runs the configured
// external script to complete the cutover — grounded on the circuit
// breaker pattern in iruldev-golang-api-hexagonal's internal/infra/resilience
// package and on pgagroal_get_primary's candidate-selection rules.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dbbouncer/pgpool/internal/servers"
)

// ErrServerFailover marks a dial failure that was the one to trip a
// primary's circuit breaker and kick off promotion, distinguishing it
// from an ordinary dial/auth failure against an otherwise-healthy
// backend. The triggering client's pipeline uses this to send the
// "server failover" protocol error instead of a generic one, so the
// client's own retry logic knows to reconnect.
var ErrServerFailover = errors.New("failover: server failover triggered")

// Config governs circuit-breaker sensitivity and the external cutover
// script.
type Config struct {
	// Enabled gates whether a tripped primary triggers promotion at all;
	// when false a tripped primary is simply marked FAILED.
	Enabled bool
	// ScriptPath is invoked as script(oldHost, oldPort, newHost, newPort).
	ScriptPath string
	// FailureThreshold is the number of consecutive dial failures against
	// one server before its breaker opens.
	FailureThreshold uint32
	// OpenTimeout is how long a tripped breaker stays open before allowing
	// a single probe request through (gobreaker's half-open state).
	OpenTimeout time.Duration
	// ProbeTimeout bounds the TCP reachability check against a failover
	// candidate before the script is invoked.
	ProbeTimeout time.Duration
	// ScriptTimeout bounds the external script's run time.
	ScriptTimeout time.Duration
}

// Orchestrator owns one circuit breaker per server index and drives the
// promotion sequence when a primary's breaker opens.
type Orchestrator struct {
	registry *servers.Registry
	cfg      Config

	mu       sync.Mutex
	breakers map[int]*gobreaker.CircuitBreaker
}

// New builds an orchestrator over registry.
func New(registry *servers.Registry, cfg Config) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		cfg:      cfg,
		breakers: make(map[int]*gobreaker.CircuitBreaker),
	}
}

func (o *Orchestrator) breakerFor(serverIndex int) *gobreaker.CircuitBreaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cb, ok := o.breakers[serverIndex]; ok {
		return cb
	}
	srv := o.registry.At(serverIndex)
	threshold := o.cfg.FailureThreshold
	if threshold == 0 {
		threshold = 3
	}
	settings := gobreaker.Settings{
		Name:        srv.Name,
		MaxRequests: 1,
		Timeout:     o.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				o.onServerTripped(serverIndex)
			}
		},
	}
	cb := gobreaker.NewCircuitBreaker(settings)
	o.breakers[serverIndex] = cb
	return cb
}

// Guard runs dial under serverIndex's breaker, reporting the failure count
// that feeds ReadyToTrip. A breaker already open short-circuits dial
// entirely and returns gobreaker's own error. If this particular call is
// the one that just tripped a PRIMARY's breaker with failover enabled,
// the returned error wraps ErrServerFailover so the caller can tell its
// client to retry elsewhere.
func (o *Orchestrator) Guard(serverIndex int, dial func() error) error {
	cb := o.breakerFor(serverIndex)
	before := cb.State()
	_, err := cb.Execute(func() (any, error) {
		return nil, dial()
	})
	if err == nil {
		return nil
	}
	if o.cfg.Enabled && before != gobreaker.StateOpen && cb.State() == gobreaker.StateOpen {
		switch o.registry.At(serverIndex).State() {
		case servers.Primary, servers.Failover:
			return fmt.Errorf("%w: %v", ErrServerFailover, err)
		}
	}
	return err
}

// onServerTripped runs off the breaker's own state-change callback. A
// non-primary server that trips is simply marked FAILED; a tripped primary
// either starts promotion (if failover is enabled) or is also marked
// FAILED.
func (o *Orchestrator) onServerTripped(serverIndex int) {
	srv := o.registry.At(serverIndex)
	if srv.State() != servers.Primary {
		srv.Set(servers.Failed)
		slog.Warn("failover: non-primary server circuit opened", "server", srv.Name)
		return
	}
	if !o.cfg.Enabled {
		srv.Set(servers.Failed)
		slog.Error("failover: primary circuit opened, failover disabled", "server", srv.Name)
		return
	}
	go o.runFailover(serverIndex)
}

// runFailover executes the full cutover: CAS the primary out of service,
// pick and probe a candidate, run the external script, and publish the
// final states on either outcome.
func (o *Orchestrator) runFailover(oldIndex int) {
	old := o.registry.At(oldIndex)
	if !old.CAS(servers.Primary, servers.Failover) {
		return // a concurrent trip already claimed this cutover
	}

	newIndex := o.pickCandidate(oldIndex)
	if newIndex < 0 {
		old.Set(servers.Failed)
		slog.Error("failover: no candidate replica available", "server", old.Name)
		return
	}
	newSrv := o.registry.At(newIndex)

	if !o.probe(newSrv) {
		old.Set(servers.Failed)
		slog.Error("failover: candidate unreachable", "server", newSrv.Name)
		return
	}

	if err := o.runScript(old, newSrv); err != nil {
		old.Set(servers.Failed)
		newSrv.Set(servers.Failed)
		slog.Error("failover: cutover script failed", "from", old.Name, "to", newSrv.Name, "error", err)
		return
	}

	old.Set(servers.Failed)
	newSrv.Set(servers.Primary)
	slog.Info("failover: promoted replica to primary", "from", old.Name, "to", newSrv.Name)
}

// pickCandidate returns the first server (by configured order, excluding
// the outgoing primary) in state NOTINIT, NOTINIT_PRIMARY, or REPLICA.
func (o *Orchestrator) pickCandidate(excludeIndex int) int {
	for i := 0; i < o.registry.Len(); i++ {
		if i == excludeIndex {
			continue
		}
		switch o.registry.At(i).State() {
		case servers.NotInit, servers.NotInitPrimary, servers.Replica:
			return i
		}
	}
	return -1
}

// probe dials the candidate over TCP to confirm reachability before
// trusting it with the cutover script.
func (o *Orchestrator) probe(srv *servers.Server) bool {
	timeout := o.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(srv.Host, strconv.Itoa(srv.Port)), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// runScript invokes the configured external script with
// (old-host, old-port, new-host, new-port), exactly as the original
// supervisor's fork/exec did.
func (o *Orchestrator) runScript(old, next *servers.Server) error {
	if o.cfg.ScriptPath == "" {
		return fmt.Errorf("failover: no script configured")
	}
	timeout := o.cfg.ScriptTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, o.cfg.ScriptPath,
		old.Host, strconv.Itoa(old.Port),
		next.Host, strconv.Itoa(next.Port))
	return cmd.Run()
}

// Reset clears an operator-acknowledged FAILED server back to NOTINIT.
func (o *Orchestrator) Reset(serverIndex int) error {
	srv := o.registry.At(serverIndex)
	if !srv.CAS(servers.Failed, servers.NotInit) {
		return fmt.Errorf("failover: server %s is not FAILED", srv.Name)
	}
	return nil
}

// SwitchTo promotes the named server to PRIMARY immediately and demotes
// the current primary to FAILED, for the operator-driven "switch-to"
// action.
func (o *Orchestrator) SwitchTo(serverIndex int) error {
	next := o.registry.At(serverIndex)
	if next.State() == servers.Primary {
		return fmt.Errorf("failover: server %s is already PRIMARY", next.Name)
	}
	oldIndex := o.registry.Primary()
	next.Set(servers.Primary)
	if oldIndex >= 0 && oldIndex != serverIndex {
		o.registry.At(oldIndex).Set(servers.Failed)
	}
	return nil
}
