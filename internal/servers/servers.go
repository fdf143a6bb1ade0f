// Package servers holds the configured backend server descriptors and the
// lock-free primary-selection logic used by both the pool engine (which
// server to dial next) and the failover orchestrator (which server to
// promote).
package servers

import (
	"sync/atomic"
)

// State is a server descriptor's health/role state.
type State int32

const (
	NotInit State = iota
	NotInitPrimary
	Primary
	Replica
	Failover
	Failed
)

func (s State) String() string {
	switch s {
	case NotInit:
		return "NOTINIT"
	case NotInitPrimary:
		return "NOTINIT_PRIMARY"
	case Primary:
		return "PRIMARY"
	case Replica:
		return "REPLICA"
	case Failover:
		return "FAILOVER"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Server is one configured backend descriptor: host/port plus a mutable
// state word, swapped atomically rather than guarded by a mutex so reads
// from the hot acquire path never block on a writer.
type Server struct {
	Name string
	Host string
	Port int

	state atomic.Int32
}

func New(name, host string, port int, initial State) *Server {
	s := &Server{Name: name, Host: host, Port: port}
	s.state.Store(int32(initial))
	return s
}

func (s *Server) State() State {
	return State(s.state.Load())
}

// CAS performs the single guarded state transition, mirroring slot.CAS.
func (s *Server) CAS(old, new State) bool {
	return s.state.CompareAndSwap(int32(old), int32(new))
}

// Set unconditionally stores a new state. Reserved for supervisor-driven
// transitions (e.g. administrative switch-to) that don't need to race
// against a concurrent CAS.
func (s *Server) Set(st State) {
	s.state.Store(int32(st))
}

// Registry is the fixed, ordered list of configured backend servers.
type Registry struct {
	servers []*Server
}

func NewRegistry(servers []*Server) *Registry {
	return &Registry{servers: servers}
}

func (r *Registry) Len() int {
	return len(r.servers)
}

func (r *Registry) At(i int) *Server {
	return r.servers[i]
}

// IndexByName returns the configured index of the named server, or -1 if
// no server with that name is registered.
func (r *Registry) IndexByName(name string) int {
	for i, s := range r.servers {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Primary returns the index of the server the pool should dial for new
// connections, using pgagroal_get_primary's three-pass precedence:
// an actual PRIMARY first, then a NOTINIT_PRIMARY (unprobed but configured
// as the primary), then the first server that is neither FAILOVER nor
// FAILED. Returns -1 if nothing is usable.
func (r *Registry) Primary() int {
	for i, s := range r.servers {
		if s.State() == Primary {
			return i
		}
	}
	for i, s := range r.servers {
		if s.State() == NotInitPrimary {
			return i
		}
	}
	for i, s := range r.servers {
		st := s.State()
		if st != Failover && st != Failed {
			return i
		}
	}
	return -1
}

// CountInState returns how many servers currently sit in st.
func (r *Registry) CountInState(st State) int {
	n := 0
	for _, s := range r.servers {
		if s.State() == st {
			n++
		}
	}
	return n
}

// HasUniquePrimary reports whether at most one server is in state PRIMARY
// (spec invariant: the primary-uniqueness rule from server.c).
func (r *Registry) HasUniquePrimary() bool {
	return r.CountInState(Primary) <= 1
}
