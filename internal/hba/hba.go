// Package hba parses and matches the host-based-authentication rule file:
// an ordered list of (connection type, database, user, address) patterns
// each naming the authentication method to use, matched first-hit-wins in
// file order exactly like pg_hba.conf.
package hba

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/dbbouncer/pgpool/internal/auth"
)

// All is the wildcard sentinel for an entry's Database or Username field.
const All = "all"

// Entry is one parsed HBA line.
type Entry struct {
	ConnType string // "host" or "local"
	Database string
	Username string
	Network  *net.IPNet // nil for ConnType == "local"
	Method   auth.Method
}

func (e Entry) matches(connType string, remote net.IP, database, username string) bool {
	if e.ConnType != connType {
		return false
	}
	if e.Database != All && e.Database != database {
		return false
	}
	if e.Username != All && e.Username != username {
		return false
	}
	if e.ConnType == "local" {
		return true
	}
	return e.Network != nil && remote != nil && e.Network.Contains(remote)
}

// Set is the ordered rule list loaded from one HBA file.
type Set struct {
	entries []Entry
}

// NewSet wraps an already-parsed entry list, preserving order.
func NewSet(entries []Entry) *Set {
	return &Set{entries: entries}
}

// Load reads and parses an HBA file from disk.
func Load(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hba: opening %s: %w", path, err)
	}
	defer f.Close()
	entries, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("hba: parsing %s: %w", path, err)
	}
	return NewSet(entries), nil
}

// Parse reads HBA entries from r: one per non-blank, non-comment line,
// fields separated by whitespace: "<type> <database> <user> [<address>] <method>".
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		entry, err := parseLine(fields)
		if err != nil {
			return nil, fmt.Errorf("hba: line %d: %w", lineNo, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseLine(fields []string) (Entry, error) {
	if len(fields) < 4 {
		return Entry{}, fmt.Errorf("expected at least 4 fields, got %d", len(fields))
	}
	connType := fields[0]
	switch connType {
	case "local":
		if len(fields) != 4 {
			return Entry{}, fmt.Errorf("local entries take exactly 4 fields: type database user method")
		}
		method, err := parseMethod(fields[3])
		if err != nil {
			return Entry{}, err
		}
		return Entry{ConnType: "local", Database: fields[1], Username: fields[2], Method: method}, nil
	case "host":
		if len(fields) != 5 {
			return Entry{}, fmt.Errorf("host entries take exactly 5 fields: type database user address method")
		}
		_, network, err := net.ParseCIDR(fields[3])
		if err != nil {
			return Entry{}, fmt.Errorf("parsing address %q: %w", fields[3], err)
		}
		method, err := parseMethod(fields[4])
		if err != nil {
			return Entry{}, err
		}
		return Entry{ConnType: "host", Database: fields[1], Username: fields[2], Network: network, Method: method}, nil
	default:
		return Entry{}, fmt.Errorf("unsupported connection type %q", connType)
	}
}

func parseMethod(s string) (auth.Method, error) {
	switch s {
	case "trust":
		return auth.Trust, nil
	case "password":
		return auth.Password, nil
	case "md5":
		return auth.MD5, nil
	case "scram-sha-256":
		return auth.SCRAMSHA256, nil
	default:
		return 0, fmt.Errorf("unsupported authentication method %q", s)
	}
}

// MatchHost finds the first host entry matching a TCP connection from
// remote for (database, username), returning its method.
func (s *Set) MatchHost(remote net.IP, database, username string) (auth.Method, bool) {
	for _, e := range s.entries {
		if e.matches("host", remote, database, username) {
			return e.Method, true
		}
	}
	return 0, false
}

// MatchLocal finds the first local (unix-socket-equivalent) entry
// matching (database, username), returning its method.
func (s *Set) MatchLocal(database, username string) (auth.Method, bool) {
	for _, e := range s.entries {
		if e.matches("local", nil, database, username) {
			return e.Method, true
		}
	}
	return 0, false
}
