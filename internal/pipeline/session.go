package pipeline

import (
	"context"
	"fmt"

	"github.com/dbbouncer/pgpool/internal/poolengine"
	"github.com/dbbouncer/pgpool/internal/slot"
	"github.com/dbbouncer/pgpool/internal/wire"
	"github.com/jackc/pgx/v5/pgproto3"
)

// Session runs the session pipeline: one backend slot is acquired for the
// client's entire connection lifetime, grounded on the teacher's
// ConnectionHandler.Handle + relay() for its (necessarily session-scoped)
// single-tenant proxy, but made frame-aware instead of a blind byte
// relay — a session slot is recycled across clients once idle, and the
// teacher's own relay() only got away with a raw io.Copy because its
// connection was never reused afterward.
type Session struct {
	Pool            *poolengine.Pool
	BackendPassword poolengine.PasswordLookup
}

// Handle assumes the client's own authentication is already done by the
// caller (the supervisor drives auth.AuthenticateClient before invoking a
// pipeline). It acquires one dedicated slot, sends the synthetic auth-ok
// sequence, and forwards frames one at a time for the rest of the
// session: 'X' ends the session without reaching the backend as a kill
// signal, server 'Z' tracks transaction state so a mid-transaction
// disconnect is rolled back first, and a backend FATAL/PANIC kills the
// slot instead of recycling it.
func (s *Session) Handle(ctx context.Context, cs *wire.ClientSide, username, database, applicationName string) error {
	password, ok := s.BackendPassword(username)
	if !ok {
		return fmt.Errorf("pipeline: no backend credentials configured for user %q", username)
	}

	slt, err := s.Pool.Acquire(ctx, username, password, database, applicationName)
	if err != nil {
		cs.Send(acquireErrorResponse(err))
		return fmt.Errorf("pipeline: acquiring session backend: %w", err)
	}
	owner := slt.GetOwner()
	bs := wire.NewBackendSide(slt.Conn())

	if err := sendSyntheticAuthOK(cs, slt); err != nil {
		s.Pool.Kill(slt)
		return err
	}

	txStatus := byte('I')
	for {
		msg, err := cs.Receive()
		if err != nil {
			s.endSession(slt, owner, bs, txStatus)
			return nil // client disconnect is not a pipeline error
		}

		if _, isTerminate := msg.(*pgproto3.Terminate); isTerminate {
			s.endSession(slt, owner, bs, txStatus)
			return nil
		}

		fm, ok := msg.(pgproto3.FrontendMessage)
		if !ok {
			s.Pool.Kill(slt)
			return fmt.Errorf("pipeline: message %T is not a FrontendMessage", msg)
		}
		if err := bs.Send(fm); err != nil {
			s.Pool.Kill(slt)
			return fmt.Errorf("pipeline: writing to backend: %w", err)
		}

		for {
			reply, err := bs.Receive()
			if err != nil {
				s.Pool.Kill(slt)
				return fmt.Errorf("pipeline: reading from backend: %w", err)
			}
			if err := cs.Send(reply); err != nil {
				s.Pool.Kill(slt)
				return nil
			}
			switch r := reply.(type) {
			case *pgproto3.ReadyForQuery:
				txStatus = r.TxStatus
			case *pgproto3.ErrorResponse:
				if r.Severity == "FATAL" || r.Severity == "PANIC" {
					s.Pool.Kill(slt)
					return fmt.Errorf("pipeline: backend reported %s: %s", r.Severity, r.Message)
				}
			}
			if _, isRFQ := reply.(*pgproto3.ReadyForQuery); isRFQ {
				break
			}
		}
	}
}

// endSession returns the slot to the pool, rolling back a dangling
// transaction and always running DISCARD ALL first — session mode, unlike
// transaction mode, resets the backend unconditionally on every return
// since the backend may have accumulated session-scoped state (temp
// tables, session GUCs) that a future client must never see. Either reset
// failing means the backend's protocol state can no longer be trusted, so
// the slot is killed instead of recycled.
func (s *Session) endSession(slt *slot.Slot, owner uint64, bs *wire.BackendSide, txStatus byte) {
	if txStatus != 'I' {
		if err := rollbackDirty(bs); err != nil {
			s.Pool.Kill(slt)
			return
		}
	}
	if err := discardAll(bs); err != nil {
		s.Pool.Kill(slt)
		return
	}
	s.Pool.ReturnOrFlushWithOwnerCheck(slt, owner)
}
