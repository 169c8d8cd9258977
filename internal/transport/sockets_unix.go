//go:build unix

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/energizer-project/courier/internal/buffer"
)

// Sockets implements Transport over non-blocking kernel sockets.
type Sockets struct {
	// ResolveTimeout bounds name resolution inside Connect. Zero means 5s.
	ResolveTimeout time.Duration
	// Resolver is used for host names that are not IP literals.
	Resolver *net.Resolver
}

// NewSockets returns a socket transport using the default resolver.
func NewSockets() *Sockets {
	return &Sockets{ResolveTimeout: 5 * time.Second, Resolver: net.DefaultResolver}
}

func (t *Sockets) resolve(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	timeout := t.ResolveTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	resolver := t.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return addrs[0].IP, nil
}

func sockaddr(ip net.IP, port int) (int, unix.Sockaddr) {
	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return unix.AF_INET6, sa
}

// Connect creates a non-blocking socket and starts connecting it.
func (t *Sockets) Connect(address string) (Socket, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return Closed, fmt.Errorf("connect %s: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Closed, fmt.Errorf("connect %s: invalid port %q", address, portStr)
	}
	ip, err := t.resolve(host)
	if err != nil {
		return Closed, fmt.Errorf("connect %s: resolve: %w", address, err)
	}

	family, sa := sockaddr(ip, port)
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return Closed, fmt.Errorf("connect %s: socket: %w", address, err)
	}
	unix.CloseOnExec(fd)
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return Closed, fmt.Errorf("connect %s: nonblock: %w", address, err)
	}

	err = unix.Connect(fd, sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return Closed, fmt.Errorf("connect %s: %w", address, err)
	}

	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return Socket(fd), nil
}

// pendingError reports a failed asynchronous connect.
func pendingError(fd int) error {
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// Send writes as much of p as the kernel accepts.
func (t *Sockets) Send(s Socket, p []byte) (int, error) {
	if !s.Valid() {
		return 0, ErrNotConnected
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Write(int(s), p)
	if err != nil {
		if wouldBlock(err) || errors.Is(err, unix.ENOTCONN) {
			if perr := pendingError(int(s)); perr != nil {
				return 0, fmt.Errorf("send: %w", perr)
			}
			return 0, nil
		}
		return 0, fmt.Errorf("send: %w", err)
	}
	return n, nil
}

// Receive reads into the free space of dst.
func (t *Sockets) Receive(s Socket, dst *buffer.Buffer) (RecvStatus, error) {
	if !s.Valid() {
		return Failed, ErrNotConnected
	}
	tail := dst.Tail()
	if len(tail) == 0 {
		return Failed, errors.New("receive: destination buffer is full")
	}
	n, err := unix.Read(int(s), tail)
	if err != nil {
		if wouldBlock(err) || errors.Is(err, unix.ENOTCONN) {
			if perr := pendingError(int(s)); perr != nil {
				return Failed, fmt.Errorf("receive: %w", perr)
			}
			return WouldBlock, nil
		}
		return Failed, fmt.Errorf("receive: %w", err)
	}
	if n == 0 {
		return ClosedCleanly, nil
	}
	dst.Commit(n)
	return Delivered, nil
}

// Close closes s. Closing Closed is a no-op.
func (t *Sockets) Close(s Socket) {
	if !s.Valid() {
		return
	}
	unix.Close(int(s))
}
