// Package auth bridges authentication between the client-facing side
// (pooler as server) and the backend-facing side (pooler as client),
// supporting the four methods pgpool needs to mix and match independently
// on each side: trust, cleartext password, MD5, and SCRAM-SHA-256.
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/dbbouncer/pgpool/internal/slot"
	"github.com/dbbouncer/pgpool/internal/wire"
	"github.com/jackc/pgx/v5/pgproto3"
)

// Method identifies one of the supported authentication methods.
type Method int

const (
	Trust Method = iota
	Password
	MD5
	SCRAMSHA256
)

func (m Method) String() string {
	switch m {
	case Trust:
		return "trust"
	case Password:
		return "password"
	case MD5:
		return "md5"
	case SCRAMSHA256:
		return "scram-sha-256"
	default:
		return "unknown"
	}
}

// ComputeMD5 implements Postgres's "md5" password hash:
// "md5" + hex(md5(hex(md5(password+user)) + salt)).
func ComputeMD5(password, username string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + username))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum([]byte(innerHex + string(salt[:])))
	return "md5" + hex.EncodeToString(outer[:])
}

// BackendResult carries what the pooler learned while authenticating
// itself against a real backend: the backend's process id and cancel
// secret, and the ParameterStatus/BackendKeyData/ReadyForQuery frames that
// followed AuthenticationOk, captured for later replay to a reused client
// (spec's synthetic-auth-ok fast path). AuthenticationOk itself is not
// captured, and at most slot.AuthFrameCount frames are kept, in arrival
// order; frames past that cap are dropped.
type BackendResult struct {
	PID    uint32
	Secret uint32
	Frames [][]byte
}

// AuthenticateBackend drives the backend side of the handshake: the
// StartupMessage must already have been sent by the caller. It answers
// whichever challenge the backend issues (trust needs none, cleartext and
// MD5 need the plaintext password, SCRAM needs it too for key
// derivation), then collects ParameterStatus/BackendKeyData frames up to
// ReadyForQuery.
func AuthenticateBackend(bs *wire.BackendSide, username, password string) (*BackendResult, error) {
	result := &BackendResult{}
	for {
		msg, err := bs.Receive()
		if err != nil {
			return nil, fmt.Errorf("auth: reading backend message: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.AuthenticationOk:
			// fall through to ParameterStatus/BackendKeyData/ReadyForQuery
		case *pgproto3.AuthenticationCleartextPassword:
			if err := bs.Send(&pgproto3.PasswordMessage{Password: password}); err != nil {
				return nil, fmt.Errorf("auth: sending cleartext password: %w", err)
			}
		case *pgproto3.AuthenticationMD5Password:
			hashed := ComputeMD5(password, username, m.Salt)
			if err := bs.Send(&pgproto3.PasswordMessage{Password: hashed}); err != nil {
				return nil, fmt.Errorf("auth: sending md5 password: %w", err)
			}
		case *pgproto3.AuthenticationSASL:
			if err := scramSHA256Client(bs, username, password, m.AuthMechanisms); err != nil {
				return nil, err
			}
		case *pgproto3.ParameterStatus:
			if len(result.Frames) < slot.AuthFrameCount {
				result.Frames = append(result.Frames, wire.Encode(m))
			}
		case *pgproto3.BackendKeyData:
			result.PID = m.ProcessID
			result.Secret = m.SecretKey
			if len(result.Frames) < slot.AuthFrameCount {
				result.Frames = append(result.Frames, wire.Encode(m))
			}
		case *pgproto3.ReadyForQuery:
			if len(result.Frames) < slot.AuthFrameCount {
				result.Frames = append(result.Frames, wire.Encode(m))
			}
			return result, nil
		case *pgproto3.ErrorResponse:
			return nil, fmt.Errorf("auth: backend rejected authentication: %s", m.Message)
		default:
			return nil, fmt.Errorf("auth: unexpected backend message %T during handshake", msg)
		}
	}
}

// ClientCredentials is what the supervisor/config layer resolves for one
// configured pooler user: the method to challenge that user with, plus
// whatever that method needs to verify a response.
type ClientCredentials struct {
	Method        Method
	Password      string    // Password/MD5
	SCRAMVerifier *Verifier // SCRAMSHA256
}

// AuthenticateClient drives the client-facing side of the handshake,
// challenging the connecting application with the configured method and
// returning nil once the client has proven its identity.
func AuthenticateClient(cs *wire.ClientSide, username string, creds ClientCredentials) error {
	switch creds.Method {
	case Trust:
		return cs.Send(&pgproto3.AuthenticationOk{})
	case Password:
		return serverAuthenticateCleartext(cs, creds.Password)
	case MD5:
		return serverAuthenticateMD5(cs, username, creds.Password)
	case SCRAMSHA256:
		return ServerSCRAM(cs, username, creds.SCRAMVerifier)
	default:
		return fmt.Errorf("auth: unsupported client auth method %v", creds.Method)
	}
}

func serverAuthenticateCleartext(cs *wire.ClientSide, expected string) error {
	if err := cs.Send(&pgproto3.AuthenticationCleartextPassword{}); err != nil {
		return fmt.Errorf("auth: requesting cleartext password: %w", err)
	}
	msg, err := cs.Receive()
	if err != nil {
		return fmt.Errorf("auth: reading password message: %w", err)
	}
	pm, ok := msg.(*pgproto3.PasswordMessage)
	if !ok || pm.Password != expected {
		cs.Send(&pgproto3.ErrorResponse{Severity: "FATAL", Code: "28P01", Routine: "auth_failed", Message: "password authentication failed"})
		return fmt.Errorf("auth: cleartext password authentication failed")
	}
	return cs.Send(&pgproto3.AuthenticationOk{})
}

func serverAuthenticateMD5(cs *wire.ClientSide, username, password string) error {
	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("auth: generating md5 salt: %w", err)
	}
	if err := cs.Send(&pgproto3.AuthenticationMD5Password{Salt: salt}); err != nil {
		return fmt.Errorf("auth: requesting md5 password: %w", err)
	}
	msg, err := cs.Receive()
	if err != nil {
		return fmt.Errorf("auth: reading password message: %w", err)
	}
	pm, ok := msg.(*pgproto3.PasswordMessage)
	expected := ComputeMD5(password, username, salt)
	if !ok || pm.Password != expected {
		cs.Send(&pgproto3.ErrorResponse{Severity: "FATAL", Code: "28P01", Routine: "auth_failed", Message: "password authentication failed"})
		return fmt.Errorf("auth: md5 password authentication failed for user %q", username)
	}
	return cs.Send(&pgproto3.AuthenticationOk{})
}
