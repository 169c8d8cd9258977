// Package transport defines the socket primitives the transfer engine drives
// and provides a non-blocking TCP implementation of them.
package transport

import (
	"errors"

	"github.com/energizer-project/courier/internal/buffer"
)

// Socket is an opaque connection handle.
type Socket int

// Closed is the handle value of a socket that is not open.
const Closed Socket = -1

// Valid reports whether s refers to an open connection.
func (s Socket) Valid() bool { return s != Closed }

// RecvStatus is the outcome of a Receive call.
type RecvStatus int

const (
	// Delivered means at least one byte was appended to the buffer.
	Delivered RecvStatus = iota
	// WouldBlock means no data is available yet.
	WouldBlock
	// ClosedCleanly means the peer closed the connection with no data pending.
	ClosedCleanly
	// Failed means the receive failed; the accompanying error says why.
	Failed
)

func (s RecvStatus) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case WouldBlock:
		return "would_block"
	case ClosedCleanly:
		return "closed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// ErrNotConnected is returned for operations on a Closed socket.
var ErrNotConnected = errors.New("transport: socket not connected")

// Transport is the set of non-blocking primitives a protocol driver uses.
// None of the methods may block on network I/O.
type Transport interface {
	// Connect starts a connection to a "host:port" address. The connection
	// may still be in progress when Connect returns.
	Connect(address string) (Socket, error)

	// Send writes as much of p as the socket accepts right now. A return of
	// (0, nil) means the call would have blocked.
	Send(s Socket, p []byte) (int, error)

	// Receive reads into the free space of dst and commits what was read.
	// The caller must ensure dst has free space.
	Receive(s Socket, dst *buffer.Buffer) (RecvStatus, error)

	// Close closes s. Closing Closed is a no-op.
	Close(s Socket)
}
