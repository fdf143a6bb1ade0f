// Package pipeline implements the two client-facing relay strategies: a
// session pipeline that holds one backend connection for a client's
// entire lifetime, and a transaction pipeline that acquires and releases
// a backend at transaction boundaries. Both sit on top of wire (the
// codec) and poolengine (the shared slot table).
package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dbbouncer/pgpool/internal/failover"
	"github.com/dbbouncer/pgpool/internal/poolengine"
	"github.com/dbbouncer/pgpool/internal/slot"
	"github.com/dbbouncer/pgpool/internal/wire"
	"github.com/jackc/pgx/v5/pgproto3"
)

// acquireErrorResponse classifies a Pool.Acquire failure into the
// client-visible protocol error spec's error table calls for: a
// failover-triggering dial failure gets "server failover" so the
// client's retry logic reconnects, capacity exhaustion gets "connection
// pool is full", and anything else (a dial/auth failure against an
// otherwise-healthy backend) gets "connection refused".
func acquireErrorResponse(err error) *pgproto3.ErrorResponse {
	switch {
	case errors.Is(err, failover.ErrServerFailover):
		return &pgproto3.ErrorResponse{Severity: "FATAL", Code: "53300", Routine: "auth_failed", Message: "server failover"}
	case errors.Is(err, poolengine.ErrPoolFull):
		return &pgproto3.ErrorResponse{Severity: "FATAL", Code: "53300", Message: "connection pool is full"}
	default:
		return &pgproto3.ErrorResponse{Severity: "FATAL", Code: "53300", Message: "connection refused"}
	}
}

// sendSyntheticAuthOK replays a slot's captured backend frames to the
// client without recontacting the real backend: AuthenticationOk (never
// itself captured, since it carries no per-connection data) followed by
// the slot's ParameterStatus/BackendKeyData/ReadyForQuery frames.
func sendSyntheticAuthOK(cs *wire.ClientSide, s *slot.Slot) error {
	if err := cs.Send(&pgproto3.AuthenticationOk{}); err != nil {
		return fmt.Errorf("pipeline: sending synthetic AuthenticationOk: %w", err)
	}
	if err := cs.ReplayFrames(s.GetAuthFrames()); err != nil {
		return fmt.Errorf("pipeline: replaying captured frames: %w", err)
	}
	return nil
}

// pinInfo describes whether a client message forces the current backend
// to stay pinned to this session instead of returning to the pool at the
// next transaction boundary.
type pinInfo struct {
	pinned        bool
	reason        string
	namedPrepared bool
}

// detectSessionPin mirrors the teacher's detectSessionPin: a Parse with a
// non-empty statement name, or a simple Query beginning with LISTEN/NOTIFY,
// both require the backend to remain bound to this client session.
func detectSessionPin(msg pgproto3.FrontendMessage) pinInfo {
	switch m := msg.(type) {
	case *pgproto3.Parse:
		if m.Name != "" {
			return pinInfo{pinned: true, reason: "named prepared statement", namedPrepared: true}
		}
	case *pgproto3.Query:
		q := strings.ToUpper(strings.TrimSpace(m.String))
		if strings.HasPrefix(q, "LISTEN") || strings.HasPrefix(q, "NOTIFY") {
			return pinInfo{pinned: true, reason: "listen/notify"}
		}
	}
	return pinInfo{}
}

// resetBackend sends DEALLOCATE ALL and waits for the backend to confirm
// with ReadyForQuery, used only when the session actually created a named
// prepared statement — spec's lighter-weight alternative to an
// unconditional DISCARD ALL on every return.
func resetBackend(bs *wire.BackendSide) error {
	if err := bs.Send(&pgproto3.Query{String: "DEALLOCATE ALL"}); err != nil {
		return fmt.Errorf("pipeline: sending DEALLOCATE ALL: %w", err)
	}
	for {
		msg, err := bs.Receive()
		if err != nil {
			return fmt.Errorf("pipeline: reading DEALLOCATE ALL response: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.ReadyForQuery:
			if m.TxStatus != 'I' {
				return fmt.Errorf("pipeline: unexpected status %q after DEALLOCATE ALL", m.TxStatus)
			}
			return nil
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("pipeline: DEALLOCATE ALL failed: %s", m.Message)
		}
	}
}

// discardAll sends DISCARD ALL and waits for the backend to confirm with
// ReadyForQuery: the unconditional reset a session-mode slot gets before
// going back to FREE (spec's "Return, Kill, Sweeps" step), unlike
// transaction mode's resetBackend, which only sends the lighter
// DEALLOCATE ALL and only when a named statement was actually created.
func discardAll(bs *wire.BackendSide) error {
	if err := bs.Send(&pgproto3.Query{String: "DISCARD ALL"}); err != nil {
		return fmt.Errorf("pipeline: sending DISCARD ALL: %w", err)
	}
	for {
		msg, err := bs.Receive()
		if err != nil {
			return fmt.Errorf("pipeline: reading DISCARD ALL response: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.ReadyForQuery:
			if m.TxStatus != 'I' {
				return fmt.Errorf("pipeline: unexpected status %q after DISCARD ALL", m.TxStatus)
			}
			return nil
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("pipeline: DISCARD ALL failed: %s", m.Message)
		}
	}
}

// rollbackDirty best-effort rolls back an in-flight transaction on a
// dirty client disconnect, mirroring the teacher's cleanupBackend. A
// non-nil return means the backend is no longer trustworthy for reuse.
func rollbackDirty(bs *wire.BackendSide) error {
	if bs == nil {
		return nil
	}
	if err := bs.Send(&pgproto3.Query{String: "ROLLBACK"}); err != nil {
		return fmt.Errorf("pipeline: sending ROLLBACK: %w", err)
	}
	for {
		msg, err := bs.Receive()
		if err != nil {
			return fmt.Errorf("pipeline: reading ROLLBACK response: %w", err)
		}
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			return nil
		}
	}
}
