package wire

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

func TestReceiveStartupDeclinesSSLRequest(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		// raw SSLRequest: length(8) + code(80877103)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint32(buf[0:4], 8)
		binary.BigEndian.PutUint32(buf[4:8], 80877103)
		clientConn.Write(buf)

		resp := make([]byte, 1)
		clientConn.Read(resp)
		if resp[0] != 'N' {
			t.Errorf("expected 'N' decline byte, got %q", resp[0])
		}

		sm := &pgproto3.StartupMessage{
			ProtocolVersion: ProtocolVersion,
			Parameters:      map[string]string{"user": "alice", "database": "app"},
		}
		clientConn.Write(sm.Encode(nil))
	}()

	cs := NewClientSide(serverConn)
	serverConn.SetDeadline(time.Now().Add(2 * time.Second))
	msg, err := cs.ReceiveStartup()
	if err != nil {
		t.Fatalf("ReceiveStartup() error: %v", err)
	}
	sm, ok := msg.(*pgproto3.StartupMessage)
	if !ok {
		t.Fatalf("ReceiveStartup() returned %T, want *StartupMessage", msg)
	}
	user, db, _ := StartupParams(sm)
	if user != "alice" || db != "app" {
		t.Fatalf("StartupParams() = (%q, %q), want (alice, app)", user, db)
	}
}

func TestReplayFramesWritesVerbatim(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	frame1 := Encode(&pgproto3.ParameterStatus{Name: "server_version", Value: "16.0"})
	frame2 := Encode(&pgproto3.ReadyForQuery{TxStatus: 'I'})

	cs := NewClientSide(serverConn)
	done := make(chan error, 1)
	go func() {
		done <- cs.ReplayFrames([][]byte{frame1, frame2})
	}()

	got := make([]byte, len(frame1)+len(frame2))
	clientConn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(clientConn, got); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("ReplayFrames() error: %v", err)
	}

	want := append(append([]byte{}, frame1...), frame2...)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("replayed bytes differ at offset %d", i)
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
