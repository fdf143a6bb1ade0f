package pipeline

import (
	"context"
	"fmt"

	"github.com/dbbouncer/pgpool/internal/poolengine"
	"github.com/dbbouncer/pgpool/internal/slot"
	"github.com/dbbouncer/pgpool/internal/wire"
	"github.com/jackc/pgx/v5/pgproto3"
)

// Transaction runs the transaction pipeline: a backend slot is acquired
// and released at transaction boundaries instead of for the whole client
// session, grounded on the teacher's relayPGTransactionMode.
type Transaction struct {
	Pool            *poolengine.Pool
	BackendPassword poolengine.PasswordLookup
}

// Handle drives one client's full session under transaction pooling.
func (t *Transaction) Handle(ctx context.Context, cs *wire.ClientSide, username, database, applicationName string) error {
	password, ok := t.BackendPassword(username)
	if !ok {
		return fmt.Errorf("pipeline: no backend credentials configured for user %q", username)
	}

	initial, err := t.Pool.Acquire(ctx, username, password, database, applicationName)
	if err != nil {
		cs.Send(acquireErrorResponse(err))
		return fmt.Errorf("pipeline: acquiring initial backend: %w", err)
	}
	if err := sendSyntheticAuthOK(cs, initial); err != nil {
		t.Pool.Kill(initial)
		return err
	}
	t.Pool.Return(initial)

	var (
		held         *slot.Slot
		bs           *wire.BackendSide
		owner        uint64
		pinned       bool
		sawNamedStmt bool
	)

	releaseHeld := func() {
		if held == nil {
			return
		}
		if err := t.Pool.ReturnOrFlushWithOwnerCheck(held, owner); err != nil {
			// already killed by the owner check
		}
		held, bs, pinned, sawNamedStmt = nil, nil, false, false
	}
	defer releaseHeld()

	for {
		msg, err := cs.Receive()
		if err != nil {
			if held != nil {
				rollbackDirty(bs)
				releaseHeld()
			}
			return nil // client disconnect is not a pipeline error
		}

		if _, isTerminate := msg.(*pgproto3.Terminate); isTerminate {
			if held != nil {
				t.finishTransaction(bs, sawNamedStmt)
				releaseHeld()
			}
			return nil
		}

		if held == nil {
			held, err = t.Pool.Acquire(ctx, username, password, database, applicationName)
			if err != nil {
				cs.Send(acquireErrorResponse(err))
				return fmt.Errorf("pipeline: re-acquiring backend: %w", err)
			}
			owner = held.GetOwner()
			bs = wire.NewBackendSide(held.Conn())
			pinned, sawNamedStmt = false, false
		}

		if !pinned {
			pin := detectSessionPin(msg)
			if pin.pinned {
				pinned = true
			}
			if pin.namedPrepared {
				sawNamedStmt = true
			}
		}

		fm, ok := msg.(pgproto3.FrontendMessage)
		if !ok {
			return fmt.Errorf("pipeline: message %T is not a FrontendMessage", msg)
		}
		if err := bs.Send(fm); err != nil {
			t.Pool.Kill(held)
			held, bs = nil, nil
			return fmt.Errorf("pipeline: writing to backend: %w", err)
		}

		for {
			reply, err := bs.Receive()
			if err != nil {
				t.Pool.Kill(held)
				held, bs = nil, nil
				return fmt.Errorf("pipeline: reading from backend: %w", err)
			}
			if err := cs.Send(reply); err != nil {
				rollbackDirty(bs)
				releaseHeld()
				return nil
			}
			rfq, isRFQ := reply.(*pgproto3.ReadyForQuery)
			if !isRFQ {
				continue
			}
			if rfq.TxStatus == 'I' && !pinned {
				t.finishTransaction(bs, sawNamedStmt)
				releaseHeld()
			}
			break
		}
	}
}

// finishTransaction optionally deallocates named prepared statements
// before the slot is released — DISCARD ALL is never sent in transaction
// mode; only DEALLOCATE ALL, and only if this session actually created a
// named statement.
func (t *Transaction) finishTransaction(bs *wire.BackendSide, sawNamedStmt bool) {
	if !sawNamedStmt {
		return
	}
	if err := resetBackend(bs); err != nil {
		// leave it to releaseHeld/owner-check path: the connection is
		// suspect, so the caller kills it on its next use rather than here.
		_ = err
	}
}
