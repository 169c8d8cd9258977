// Package transporttest provides a scripted in-memory transport.Transport for
// exercising protocol drivers without a network.
package transporttest

import (
	"bytes"
	"errors"
	"sync"

	"github.com/energizer-project/courier/internal/buffer"
	"github.com/energizer-project/courier/internal/transport"
)

// ErrRefused is the default error for refused dials.
var ErrRefused = errors.New("transporttest: connection refused")

// Conn is the scripted peer behind one socket.
type Conn struct {
	Address string

	// SendLimit caps the bytes accepted per Send call. Zero means unlimited
	// and a negative value makes every Send would-block.
	SendLimit int
	// SendErr and RecvErr make the next call fail.
	SendErr error
	RecvErr error

	// Respond, when set, is called with every complete line sent to the peer
	// and returns the lines to queue in reply (CRLF is appended).
	Respond func(line string) []string

	Sent      bytes.Buffer
	SendCalls int
	RecvCalls int
	Closed    bool

	inbound [][]byte
	eof     bool
	partial []byte
}

// NewConn returns an idle peer.
func NewConn() *Conn { return &Conn{} }

// Feed queues chunks; each Receive delivers at most one chunk.
func (c *Conn) Feed(chunks ...string) *Conn {
	for _, ch := range chunks {
		c.inbound = append(c.inbound, []byte(ch))
	}
	return c
}

// Hangup makes the peer close once its queued data is delivered.
func (c *Conn) Hangup() *Conn {
	c.eof = true
	return c
}

// Pending returns the number of queued chunks not yet delivered.
func (c *Conn) Pending() int { return len(c.inbound) }

// Fake is a Transport whose peers are scripted by the test.
type Fake struct {
	// OnConnect, when set, runs at the start of every Connect outside the
	// fake's lock. Tests use it to stall a dial.
	OnConnect func(address string)

	mu       sync.Mutex
	next     transport.Socket
	conns    map[transport.Socket]*Conn
	expected map[string][]*Conn
	refused  map[string]error
	dials    []string
}

// New returns an empty fake transport.
func New() *Fake {
	return &Fake{
		next:     3,
		conns:    make(map[transport.Socket]*Conn),
		expected: make(map[string][]*Conn),
		refused:  make(map[string]error),
	}
}

// Expect queues c as the peer of the next dial to address. Dials with no
// queued peer get an idle one.
func (f *Fake) Expect(address string, c *Conn) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.Address = address
	f.expected[address] = append(f.expected[address], c)
	return c
}

// Refuse makes dials to address fail with err (ErrRefused when nil).
func (f *Fake) Refuse(address string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		err = ErrRefused
	}
	f.refused[address] = err
}

// Dials returns every address dialed, in order.
func (f *Fake) Dials() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dials...)
}

// Open returns the number of sockets not yet closed.
func (f *Fake) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.conns {
		if !c.Closed {
			n++
		}
	}
	return n
}

// Peer returns the scripted peer behind s.
func (f *Fake) Peer(s transport.Socket) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[s]
}

func (f *Fake) Connect(address string) (transport.Socket, error) {
	if f.OnConnect != nil {
		f.OnConnect(address)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, address)
	if err, ok := f.refused[address]; ok {
		return transport.Closed, err
	}

	var c *Conn
	if q := f.expected[address]; len(q) > 0 {
		c, f.expected[address] = q[0], q[1:]
	} else {
		c = &Conn{Address: address}
	}
	s := f.next
	f.next++
	f.conns[s] = c
	return s, nil
}

func (f *Fake) conn(s transport.Socket) (*Conn, error) {
	c, ok := f.conns[s]
	if !ok || c.Closed {
		return nil, transport.ErrNotConnected
	}
	return c, nil
}

func (f *Fake) Send(s transport.Socket, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.conn(s)
	if err != nil {
		return 0, err
	}
	c.SendCalls++
	if c.SendErr != nil {
		err, c.SendErr = c.SendErr, nil
		return 0, err
	}
	if c.SendLimit < 0 {
		return 0, nil
	}
	n := len(p)
	if c.SendLimit > 0 && n > c.SendLimit {
		n = c.SendLimit
	}
	c.Sent.Write(p[:n])

	if c.Respond != nil {
		c.partial = append(c.partial, p[:n]...)
		for {
			i := bytes.IndexByte(c.partial, '\n')
			if i < 0 {
				break
			}
			line := string(bytes.TrimRight(c.partial[:i], "\r"))
			c.partial = c.partial[i+1:]
			for _, reply := range c.Respond(line) {
				c.inbound = append(c.inbound, []byte(reply+"\r\n"))
			}
		}
	}
	return n, nil
}

func (f *Fake) Receive(s transport.Socket, dst *buffer.Buffer) (transport.RecvStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.conn(s)
	if err != nil {
		return transport.Failed, err
	}
	c.RecvCalls++
	if c.RecvErr != nil {
		err, c.RecvErr = c.RecvErr, nil
		return transport.Failed, err
	}
	if len(c.inbound) == 0 {
		if c.eof {
			return transport.ClosedCleanly, nil
		}
		return transport.WouldBlock, nil
	}

	tail := dst.Tail()
	if len(tail) == 0 {
		return transport.Failed, errors.New("transporttest: destination buffer is full")
	}
	n := copy(tail, c.inbound[0])
	dst.Commit(n)
	if n == len(c.inbound[0]) {
		c.inbound = c.inbound[1:]
	} else {
		c.inbound[0] = c.inbound[0][n:]
	}
	return transport.Delivered, nil
}

func (f *Fake) Close(s transport.Socket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.conns[s]; ok {
		c.Closed = true
	}
}
