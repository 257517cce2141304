package websocket

import (
	"net"
	"time"
)

// Stream is the capability a Conn needs from its transport: read, write,
// close, and an optional switch to non-blocking mode. Plain net.Conn and
// *tls.Conn both satisfy it through streamConn below — TLS is a
// decorator over the same interface, not a parallel code path, mirroring
// how the original server bound a single stream type over either a raw
// or an SSL-wrapped socket instead of branching on it.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetNonblocking(bool) error
}

// streamConn adapts any net.Conn (TCP or TLS; TLS is just a net.Conn that
// happens to encrypt) to Stream. Non-blocking mode is simulated with a
// read deadline in the past: the next Read returns immediately with a
// net.Error whose Timeout() is true, which ReaderState.ReadFrame
// recognizes as ErrWouldBlock instead of a fatal error.
type streamConn struct {
	net.Conn
}

// NewStream wraps a net.Conn (including a *tls.Conn) as a Stream.
func NewStream(c net.Conn) Stream {
	return streamConn{Conn: c}
}

func (s streamConn) SetNonblocking(on bool) error {
	if on {
		return s.Conn.SetReadDeadline(time.Unix(0, 1))
	}
	return s.Conn.SetReadDeadline(time.Time{})
}
