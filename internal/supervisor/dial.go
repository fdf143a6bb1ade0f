package supervisor

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dbbouncer/pgpool/internal/auth"
	"github.com/dbbouncer/pgpool/internal/failover"
	"github.com/dbbouncer/pgpool/internal/poolengine"
	"github.com/dbbouncer/pgpool/internal/servers"
	"github.com/dbbouncer/pgpool/internal/wire"
)

// NewDialFunc builds the poolengine.DialFunc that actually opens and
// authenticates a backend connection, guarding every attempt through the
// failover orchestrator's circuit breaker for that server. A Host that
// looks like a filesystem path dials the AF_UNIX rendezvous socket
// ".s.PGSQL.<port>" inside that directory instead of a TCP address.
func NewDialFunc(registry *servers.Registry, orch *failover.Orchestrator, connectTimeout time.Duration) poolengine.DialFunc {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	return func(ctx context.Context, srv *servers.Server, username, password, database, applicationName string) (net.Conn, *auth.BackendResult, error) {
		var conn net.Conn
		var result *auth.BackendResult

		serverIndex := registry.IndexByName(srv.Name)
		guardErr := orch.Guard(serverIndex, func() error {
			var dialErr error
			conn, dialErr = dialServer(ctx, srv, connectTimeout)
			if dialErr != nil {
				return dialErr
			}

			bs := wire.NewBackendSide(conn)
			params := map[string]string{
				"user":             username,
				"database":         database,
				"application_name": applicationName,
			}
			if err := bs.SendStartup(params); err != nil {
				conn.Close()
				return err
			}

			var authErr error
			result, authErr = auth.AuthenticateBackend(bs, username, password)
			if authErr != nil {
				conn.Close()
				return authErr
			}
			return nil
		})
		if guardErr != nil {
			return nil, nil, fmt.Errorf("supervisor: dialing backend %s: %w", srv.Name, guardErr)
		}
		return conn, result, nil
	}
}

func dialServer(ctx context.Context, srv *servers.Server, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	if strings.HasPrefix(srv.Host, "/") {
		sock := filepath.Join(srv.Host, fmt.Sprintf(".s.PGSQL.%d", srv.Port))
		return dialer.DialContext(ctx, "unix", sock)
	}
	addr := net.JoinHostPort(srv.Host, strconv.Itoa(srv.Port))
	return dialer.DialContext(ctx, "tcp", addr)
}
