package pipeline

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dbbouncer/pgpool/internal/limits"
	"github.com/dbbouncer/pgpool/internal/poolengine"
	"github.com/dbbouncer/pgpool/internal/servers"
	"github.com/dbbouncer/pgpool/internal/wire"
	"github.com/jackc/pgx/v5/pgproto3"
)

func TestSessionHandleReusesSlotAfterCleanTerminate(t *testing.T) {
	var dials atomic.Int32
	ls := limits.NewSet([]limits.Rule{{Username: limits.All, Database: limits.All, MaxSize: 4}})
	registry := servers.NewRegistry([]*servers.Server{servers.New("primary", "localhost", 5432, servers.Primary)})
	pool := poolengine.New(4, ls, registry, poolengine.Config{}, fakeDial(&dials))
	sess := &Session{Pool: pool, BackendPassword: func(string) (string, bool) { return "pw", true }}

	runOnce := func() {
		appConn, poolerConn := net.Pipe()
		defer appConn.Close()
		defer poolerConn.Close()
		appConn.SetDeadline(time.Now().Add(3 * time.Second))
		poolerConn.SetDeadline(time.Now().Add(3 * time.Second))

		cs := wire.NewClientSide(poolerConn)
		fakeClient := wire.NewBackendSide(appConn)

		handleErr := make(chan error, 1)
		go func() {
			handleErr <- sess.Handle(context.Background(), cs, "alice", "app", "myclient")
		}()

		if _, err := fakeClient.Receive(); err != nil { // AuthenticationOk
			t.Fatalf("receiving AuthenticationOk: %v", err)
		}
		if _, err := fakeClient.Receive(); err != nil { // replayed ParameterStatus
			t.Fatalf("receiving ParameterStatus: %v", err)
		}
		if _, err := fakeClient.Receive(); err != nil { // replayed ReadyForQuery
			t.Fatalf("receiving ReadyForQuery: %v", err)
		}

		if err := fakeClient.Send(&pgproto3.Query{String: "SELECT 1"}); err != nil {
			t.Fatalf("sending query: %v", err)
		}
		if _, err := fakeClient.Receive(); err != nil { // CommandComplete
			t.Fatalf("receiving CommandComplete: %v", err)
		}
		if _, err := fakeClient.Receive(); err != nil { // ReadyForQuery
			t.Fatalf("receiving ReadyForQuery: %v", err)
		}

		if err := fakeClient.Send(&pgproto3.Terminate{}); err != nil {
			t.Fatalf("sending terminate: %v", err)
		}
		if err := <-handleErr; err != nil {
			t.Fatalf("Session.Handle() error: %v", err)
		}
	}

	runOnce()
	runOnce()

	if dials.Load() != 1 {
		t.Fatalf("dial count = %d, want 1 (a clean Terminate must return the slot for reuse)", dials.Load())
	}
}

func TestSessionHandleSendsPoolFullErrorOnAcquireFailure(t *testing.T) {
	ls := limits.NewSet([]limits.Rule{{Username: limits.All, Database: limits.All, MaxSize: 1}})
	registry := servers.NewRegistry([]*servers.Server{servers.New("primary", "localhost", 5432, servers.Primary)})
	var dials atomic.Int32
	pool := poolengine.New(1, ls, registry, poolengine.Config{BlockingTimeout: 50 * time.Millisecond}, fakeDial(&dials))

	// occupy the rule's only slot so the next Acquire has no room.
	if err := ls.Reserve(0); err != nil {
		t.Fatalf("reserving rule capacity: %v", err)
	}

	appConn, poolerConn := net.Pipe()
	defer appConn.Close()
	defer poolerConn.Close()
	appConn.SetDeadline(time.Now().Add(3 * time.Second))
	poolerConn.SetDeadline(time.Now().Add(3 * time.Second))

	cs := wire.NewClientSide(poolerConn)
	fakeClient := wire.NewBackendSide(appConn)

	sess := &Session{Pool: pool, BackendPassword: func(string) (string, bool) { return "pw", true }}

	handleErr := make(chan error, 1)
	go func() {
		handleErr <- sess.Handle(context.Background(), cs, "alice", "app", "myclient")
	}()

	msg, err := fakeClient.Receive()
	if err != nil {
		t.Fatalf("receiving error response: %v", err)
	}
	errResp, ok := msg.(*pgproto3.ErrorResponse)
	if !ok {
		t.Fatalf("got %T, want ErrorResponse", msg)
	}
	if errResp.Code != "53300" || errResp.Message != "connection pool is full" {
		t.Fatalf("error = %+v, want 53300 \"connection pool is full\"", errResp)
	}
	if err := <-handleErr; err == nil {
		t.Fatal("Session.Handle() should report an error when Acquire fails")
	}
}
