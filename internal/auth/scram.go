package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/dbbouncer/pgpool/internal/wire"
	"github.com/jackc/pgx/v5/pgproto3"
)

// DefaultSCRAMIterations matches libpq/Postgres's own default iteration
// count for freshly-generated SCRAM verifiers.
const DefaultSCRAMIterations = 4096

// Verifier holds everything needed to run the server role of a
// SCRAM-SHA-256 exchange for one configured user, without retaining the
// plaintext password.
type Verifier struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
}

// NewVerifier derives a SCRAM verifier from a plaintext password, using a
// freshly generated random salt.
func NewVerifier(password string) (*Verifier, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("auth: generating scram salt: %w", err)
	}
	return newVerifier(password, salt, DefaultSCRAMIterations), nil
}

func newVerifier(password string, salt []byte, iterations int) *Verifier {
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	return &Verifier{Salt: salt, Iterations: iterations, StoredKey: storedKey, ServerKey: serverKey}
}

// --- client role: pooler authenticates itself against a real backend ---

func scramSHA256Client(bs *wire.BackendSide, username, password string, mechanisms []string) error {
	if !containsMechanism(mechanisms, "SCRAM-SHA-256") {
		return fmt.Errorf("auth: backend does not offer SCRAM-SHA-256, offered: %v", mechanisms)
	}

	clientNonce, err := randomNonce()
	if err != nil {
		return err
	}

	const gs2Header = "n,,"
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", escapeSASLName(username), clientNonce)
	clientFirstMsg := gs2Header + clientFirstBare

	if err := bs.Send(&pgproto3.SASLInitialResponse{
		AuthMechanism: "SCRAM-SHA-256",
		Data:          []byte(clientFirstMsg),
	}); err != nil {
		return fmt.Errorf("auth: sending SASL initial response: %w", err)
	}

	msg, err := bs.Receive()
	if err != nil {
		return fmt.Errorf("auth: reading server-first-message: %w", err)
	}
	cont, ok := msg.(*pgproto3.AuthenticationSASLContinue)
	if !ok {
		return unexpectedBackendAuthMessage(msg)
	}
	serverFirstMsg := cont.Data

	serverNonce, salt, iterations, err := parseServerFirst(string(serverFirstMsg))
	if err != nil {
		return fmt.Errorf("auth: parsing server-first-message: %w", err)
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("auth: server nonce does not extend client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + string(serverFirstMsg) + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)
	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	if err := bs.Send(&pgproto3.SASLResponse{Data: []byte(clientFinalMsg)}); err != nil {
		return fmt.Errorf("auth: sending SASL response: %w", err)
	}

	msg, err = bs.Receive()
	if err != nil {
		return fmt.Errorf("auth: reading server-final-message: %w", err)
	}
	final, ok := msg.(*pgproto3.AuthenticationSASLFinal)
	if !ok {
		return unexpectedBackendAuthMessage(msg)
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedSig := hmacSHA256(serverKey, []byte(authMessage))
	expectedFinal := "v=" + base64.StdEncoding.EncodeToString(expectedSig)
	if string(final.Data) != expectedFinal {
		return fmt.Errorf("auth: backend SCRAM server signature mismatch")
	}
	return nil
}

// --- server role: pooler authenticates an application client ---

// ServerSCRAM runs the SCRAM-SHA-256 server role against a connected
// client, using a precomputed Verifier so the plaintext password is never
// needed at authentication time. Returns nil once the client has proven
// knowledge of the password and the pooler has sent its own signature.
func ServerSCRAM(cs *wire.ClientSide, username string, v *Verifier) error {
	if err := cs.Send(&pgproto3.AuthenticationSASL{AuthMechanisms: []string{"SCRAM-SHA-256"}}); err != nil {
		return fmt.Errorf("auth: offering SCRAM-SHA-256: %w", err)
	}

	msg, err := cs.Receive()
	if err != nil {
		return fmt.Errorf("auth: reading SASL initial response: %w", err)
	}
	initial, ok := msg.(*pgproto3.SASLInitialResponse)
	if !ok || initial.AuthMechanism != "SCRAM-SHA-256" {
		return fmt.Errorf("auth: expected SCRAM-SHA-256 initial response, got %T", msg)
	}

	clientFirstBare, clientNonce, err := parseClientFirst(string(initial.Data))
	if err != nil {
		return fmt.Errorf("auth: parsing client-first-message: %w", err)
	}

	serverNonceSuffix, err := randomNonce()
	if err != nil {
		return err
	}
	serverNonce := clientNonce + serverNonceSuffix

	serverFirstMsg := fmt.Sprintf("r=%s,s=%s,i=%d", serverNonce, base64.StdEncoding.EncodeToString(v.Salt), v.Iterations)
	if err := cs.Send(&pgproto3.AuthenticationSASLContinue{Data: []byte(serverFirstMsg)}); err != nil {
		return fmt.Errorf("auth: sending server-first-message: %w", err)
	}

	msg, err = cs.Receive()
	if err != nil {
		return fmt.Errorf("auth: reading SASL response: %w", err)
	}
	resp, ok := msg.(*pgproto3.SASLResponse)
	if !ok {
		return fmt.Errorf("auth: expected SASLResponse, got %T", msg)
	}

	channelBinding, gotNonce, proof, err := parseClientFinal(string(resp.Data))
	if err != nil {
		return fmt.Errorf("auth: parsing client-final-message: %w", err)
	}
	if gotNonce != serverNonce {
		return fmt.Errorf("auth: client-final nonce mismatch")
	}
	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + serverFirstMsg + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(v.StoredKey, []byte(authMessage))
	clientKey := xorBytes(proof, clientSignature)
	if !hmac.Equal(sha256Sum(clientKey), v.StoredKey) {
		cs.Send(&pgproto3.ErrorResponse{Severity: "FATAL", Code: "28P01", Routine: "auth_failed", Message: "password authentication failed"})
		return fmt.Errorf("auth: scram-sha-256 authentication failed for user %q", username)
	}

	serverSignature := hmacSHA256(v.ServerKey, []byte(authMessage))
	serverFinalMsg := "v=" + base64.StdEncoding.EncodeToString(serverSignature)
	if err := cs.Send(&pgproto3.AuthenticationSASLFinal{Data: []byte(serverFinalMsg)}); err != nil {
		return fmt.Errorf("auth: sending server-final-message: %w", err)
	}
	return cs.Send(&pgproto3.AuthenticationOk{})
}

func parseClientFirst(msg string) (bare, nonce string, err error) {
	// gs2-header is "n,," (no channel binding, no authzid) for SCRAM-SHA-256.
	if !strings.HasPrefix(msg, "n,,") {
		return "", "", fmt.Errorf("unsupported gs2-header in client-first-message")
	}
	bare = strings.TrimPrefix(msg, "n,,")
	for _, part := range strings.Split(bare, ",") {
		if strings.HasPrefix(part, "r=") {
			nonce = part[2:]
		}
	}
	if nonce == "" {
		return "", "", fmt.Errorf("missing nonce in client-first-message")
	}
	return bare, nonce, nil
}

func parseClientFinal(msg string) (channelBinding, nonce string, proof []byte, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "c="):
			channelBinding = part[2:]
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "p="):
			proof, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", "", nil, fmt.Errorf("decoding client proof: %w", err)
			}
		}
	}
	if nonce == "" || proof == nil {
		return "", "", nil, fmt.Errorf("incomplete client-final-message: %q", msg)
	}
	return channelBinding, nonce, proof, nil
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("parsing iteration count: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

func randomNonce() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generating nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func escapeSASLName(name string) string {
	name = strings.ReplaceAll(name, "=", "=3D")
	name = strings.ReplaceAll(name, ",", "=2C")
	return name
}

func containsMechanism(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}

func unexpectedBackendAuthMessage(msg pgproto3.BackendMessage) error {
	if e, ok := msg.(*pgproto3.ErrorResponse); ok {
		return fmt.Errorf("auth: backend error: %s", e.Message)
	}
	return fmt.Errorf("auth: unexpected backend message %T during SCRAM exchange", msg)
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
