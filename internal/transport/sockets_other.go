//go:build !unix

package transport

import (
	"errors"

	"github.com/energizer-project/courier/internal/buffer"
)

// ErrUnsupported is returned by every operation on platforms without
// non-blocking socket support.
var ErrUnsupported = errors.New("transport: non-blocking sockets are not supported on this platform")

// Sockets is unavailable on this platform.
type Sockets struct{}

// NewSockets returns a transport whose operations always fail.
func NewSockets() *Sockets { return &Sockets{} }

func (t *Sockets) Connect(address string) (Socket, error) { return Closed, ErrUnsupported }

func (t *Sockets) Send(s Socket, p []byte) (int, error) { return 0, ErrUnsupported }

func (t *Sockets) Receive(s Socket, dst *buffer.Buffer) (RecvStatus, error) {
	return Failed, ErrUnsupported
}

func (t *Sockets) Close(s Socket) {}
