package auth

import (
	"net"
	"testing"

	"github.com/dbbouncer/pgpool/internal/wire"
)

func TestSCRAMRoundTripSucceeds(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	v := newVerifier("correct horse", []byte("0123456789abcdef"), 4096)

	serverErr := make(chan error, 1)
	go func() {
		cs := wire.NewClientSide(serverConn)
		serverErr <- ServerSCRAM(cs, "alice", v)
	}()

	bs := wire.NewBackendSide(clientConn)
	err := scramSHA256Client(bs, "alice", "correct horse", []string{"SCRAM-SHA-256"})
	if err != nil {
		t.Fatalf("scramSHA256Client() error: %v", err)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("ServerSCRAM() error: %v", err)
	}
}

func TestSCRAMRoundTripWrongPasswordFails(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	v := newVerifier("correct horse", []byte("0123456789abcdef"), 4096)

	serverErr := make(chan error, 1)
	go func() {
		cs := wire.NewClientSide(serverConn)
		serverErr <- ServerSCRAM(cs, "alice", v)
	}()

	bs := wire.NewBackendSide(clientConn)
	err := scramSHA256Client(bs, "alice", "wrong password", []string{"SCRAM-SHA-256"})
	if err == nil {
		t.Fatal("expected scramSHA256Client to fail with wrong password")
	}
	<-serverErr
}

func TestComputeMD5DeterministicAndSaltDependent(t *testing.T) {
	got := ComputeMD5("secret", "alice", [4]byte{0x01, 0x02, 0x03, 0x04})
	if len(got) != 35 || got[:3] != "md5" {
		t.Fatalf("ComputeMD5() = %q, want 35-char md5-prefixed hash", got)
	}
	// deterministic for the same inputs
	again := ComputeMD5("secret", "alice", [4]byte{0x01, 0x02, 0x03, 0x04})
	if got != again {
		t.Fatal("ComputeMD5() is not deterministic for identical inputs")
	}
	diffSalt := ComputeMD5("secret", "alice", [4]byte{0x05, 0x06, 0x07, 0x08})
	if got == diffSalt {
		t.Fatal("ComputeMD5() must depend on salt")
	}
}
