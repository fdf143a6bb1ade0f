// Package wire is the message codec: a thin layer over pgproto3's
// frontend/backend protocol implementation that adds the two behaviors
// pgpool needs beyond raw framing — declining TLS/GSS upgrade requests
// ahead of the real startup message, and replaying a slot's captured
// frames verbatim to a reused client.
package wire

import (
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgproto3"
)

// ProtocolVersion is the Postgres frontend/backend protocol v3.0 version
// number sent in every StartupMessage.
const ProtocolVersion = 196608

// ClientSide is the codec used toward a connected client: the pooler acts
// as the Postgres server here, so it wraps a pgproto3.Backend.
type ClientSide struct {
	conn    net.Conn
	backend *pgproto3.Backend
}

func NewClientSide(conn net.Conn) *ClientSide {
	return &ClientSide{conn: conn, backend: pgproto3.NewBackend(conn, conn)}
}

func (c *ClientSide) Conn() net.Conn { return c.conn }

// ReceiveStartup reads the client's initial handshake message, declining
// any SSLRequest/GSSEncRequest sentinel with a single 'N' byte (pgpool
// never terminates TLS on the client-facing side directly — it asks the
// client to retry in cleartext) until a real StartupMessage or
// CancelRequest arrives.
func (c *ClientSide) ReceiveStartup() (pgproto3.FrontendMessage, error) {
	for {
		msg, err := c.backend.ReceiveStartupMessage()
		if err != nil {
			return nil, fmt.Errorf("wire: receive startup: %w", err)
		}
		switch msg.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			if _, err := c.conn.Write([]byte{'N'}); err != nil {
				return nil, fmt.Errorf("wire: decline TLS/GSS upgrade: %w", err)
			}
			continue
		default:
			return msg, nil
		}
	}
}

// Send writes and flushes one backend-to-client message.
func (c *ClientSide) Send(msg pgproto3.BackendMessage) error {
	c.backend.Send(msg)
	return c.backend.Flush()
}

// Receive reads the next client-to-backend message.
func (c *ClientSide) Receive() (pgproto3.FrontendMessage, error) {
	return c.backend.Receive()
}

// ReplayFrames writes a slot's previously captured backend frames
// verbatim to the client, letting a reused slot reach ReadyForQuery
// without a fresh round trip to the real backend (spec's synthetic-auth-ok
// fast path).
func (c *ClientSide) ReplayFrames(frames [][]byte) error {
	for _, f := range frames {
		if _, err := c.conn.Write(f); err != nil {
			return fmt.Errorf("wire: replay captured frame: %w", err)
		}
	}
	return nil
}

// BackendSide is the codec used toward a real Postgres server: the pooler
// acts as the client here, so it wraps a pgproto3.Frontend.
type BackendSide struct {
	conn     net.Conn
	frontend *pgproto3.Frontend
}

func NewBackendSide(conn net.Conn) *BackendSide {
	return &BackendSide{conn: conn, frontend: pgproto3.NewFrontend(conn, conn)}
}

func (b *BackendSide) Conn() net.Conn { return b.conn }

// SendStartup writes the initial StartupMessage directly to the
// connection — this precedes the Frontend's normal message loop, so it
// bypasses pgproto3.Frontend.Send (which only knows post-startup
// FrontendMessage types).
func (b *BackendSide) SendStartup(params map[string]string) error {
	msg := &pgproto3.StartupMessage{ProtocolVersion: ProtocolVersion, Parameters: params}
	_, err := b.conn.Write(msg.Encode(nil))
	if err != nil {
		return fmt.Errorf("wire: send startup: %w", err)
	}
	return nil
}

// Send writes and flushes one client-to-backend message.
func (b *BackendSide) Send(msg pgproto3.FrontendMessage) error {
	b.frontend.Send(msg)
	return b.frontend.Flush()
}

// Receive reads the next backend-to-client message.
func (b *BackendSide) Receive() (pgproto3.BackendMessage, error) {
	return b.frontend.Receive()
}

// Encode renders a backend message to its wire bytes, for capturing a
// frame into a slot's replay buffer.
func Encode(msg pgproto3.BackendMessage) []byte {
	return msg.Encode(nil)
}

// StartupParams extracts the three parameters pgpool cares about from a
// client's StartupMessage. Any of the three may be empty.
func StartupParams(sm *pgproto3.StartupMessage) (username, database, applicationName string) {
	return sm.Parameters["user"], sm.Parameters["database"], sm.Parameters["application_name"]
}
