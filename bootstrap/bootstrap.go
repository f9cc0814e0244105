// Package bootstrap implements the out-of-band handshake socket: a
// Unix domain socket exchanging protocol version, size hints, and the
// shm handle before a connection is usable, carrying one JSON-encoded
// HandshakeMessage per direction.
//
// Grounded on ipc.Publisher (a Unix-socket client with best-effort
// dial-then-retry and a newline-delimited JSON envelope), generalized
// from "stream arbitrary typed messages to a long-lived peer" into
// "exchange exactly one handshake message, then hand the raw net.Conn
// back to the caller" — see DESIGN.md.
package bootstrap

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"time"

	"github.com/autocore-ipc/safeipc/conn"
	"github.com/autocore-ipc/safeipc/safeipcerr"
	"github.com/autocore-ipc/safeipc/shm"
)

// removeStaleSocket clears a leftover socket file from a previous,
// uncleanly terminated run so Listen does not fail with "address in use".
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return os.Remove(path)
}

// HandshakeMessage is exchanged once per direction over the bootstrap
// socket before either side touches shared memory. C2SHint/S2CHint are
// this sender's requested buffer sizes for the client->server and
// server->client directions; conn.ConnectAsync negotiates them against
// the platform minimum and, on the listening side, the declared
// server cap.
type HandshakeMessage struct {
	Version    uint32            `json:"version"`
	Local      conn.Address      `json:"local"`
	Peer       conn.Address      `json:"peer"`
	C2SHint    uint64            `json:"c2s_hint"`
	S2CHint    uint64            `json:"s2c_hint"`
	SendHandle shm.Handle        `json:"send_handle"`
	RecvHandle shm.Handle        `json:"recv_handle"`
	Identity   conn.PeerIdentity `json:"identity"`
}

// Listener accepts inbound bootstrap connections on a Unix socket path.
type Listener struct {
	ln net.Listener
}

// Listen creates a bootstrap Listener at path, removing any stale socket
// file first.
func Listen(path string) (*Listener, error) {
	_ = removeStaleSocket(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, safeipcerr.New(safeipcerr.KindAddressNotAvailable, "bootstrap.Listen", err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next inbound connection.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, safeipcerr.New(safeipcerr.KindSystemEnvironment, "bootstrap.Accept", err)
	}
	return c, nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Dial connects to a bootstrap Listener at path, retrying up to
// maxAttempts times with a fixed backoff since the listening side may
// not have started yet (mirrors the original publisher's
// dial-then-retry shape).
func Dial(path string, maxAttempts int, backoff time.Duration) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		c, err := net.Dial("unix", path)
		if err == nil {
			return c, nil
		}
		lastErr = err
		time.Sleep(backoff)
	}
	return nil, safeipcerr.New(safeipcerr.KindAddressNotAvailable, "bootstrap.Dial", lastErr)
}

// WriteHandshake encodes msg as a single newline-terminated JSON line.
func WriteHandshake(c net.Conn, msg HandshakeMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return safeipcerr.New(safeipcerr.KindUnexpected, "bootstrap.WriteHandshake", err)
	}
	b = append(b, '\n')
	if _, err := c.Write(b); err != nil {
		return safeipcerr.New(safeipcerr.KindSystemEnvironment, "bootstrap.WriteHandshake", err)
	}
	return nil
}

// ReadHandshake reads and decodes one HandshakeMessage line.
func ReadHandshake(c net.Conn) (HandshakeMessage, error) {
	line, err := bufio.NewReader(c).ReadBytes('\n')
	if err != nil {
		return HandshakeMessage{}, safeipcerr.New(safeipcerr.KindSystemEnvironment, "bootstrap.ReadHandshake", err)
	}
	var msg HandshakeMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return HandshakeMessage{}, safeipcerr.New(safeipcerr.KindProtocol, "bootstrap.ReadHandshake", err)
	}
	return msg, nil
}
