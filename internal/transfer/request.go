// Package transfer implements the poll-driven HTTP and FTP file-transfer
// engine. A Request is advanced one bounded, non-blocking step at a time by
// the caller's own loop until it completes or fails.
package transfer

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/courier/internal/buffer"
	"github.com/energizer-project/courier/internal/transport"
)

// Protocol identifies the driver behind a Request.
type Protocol int

const (
	ProtocolHTTP Protocol = iota
	ProtocolFTP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP:
		return "http"
	case ProtocolFTP:
		return "ftp"
	}
	return "unknown"
}

// Header is an extra request header.
type Header struct {
	Name  string
	Value string
}

// Driver runs one protocol over a Request.
type Driver interface {
	Protocol() Protocol
	// Build prepares the outbound command and resets response state.
	Build(r *Request, method string, body []byte, headers []Header) error
	// Advance performs one non-blocking step. It reports done once the
	// response is complete; any error is fatal to the Request.
	Advance(r *Request) (done bool, err error)
}

// Request is one transfer and the sockets and buffers it owns.
type Request struct {
	tr     transport.Transport
	driver Driver
	limits Limits
	target Target
	method string

	control transport.Socket
	data    transport.Socket

	send *buffer.Buffer
	recv *buffer.Buffer
	xfer *buffer.Buffer

	active         bool
	transferActive bool
	complete       bool
	err            error

	startTime         time.Time
	transferStartTime time.Time

	sentBytes     int64
	totalReceived int64

	httpMajor     int
	httpVersion   int
	statusCode    int
	statusText    string
	contentLength int64
	headerLength  int
	finalLength   int64
	scanned       int
	redirects     int

	stage Stage
	ftp   ftpState
}

// New allocates a Request for target and, when the target names a host,
// starts connecting its control socket. On any failure nothing is left open.
func New(tr transport.Transport, target Target, limits Limits) (*Request, error) {
	var d Driver
	switch target.Scheme {
	case SchemeHTTP:
		d = httpDriver{}
	case SchemeFTP:
		d = ftpDriver{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, target.Scheme)
	}

	limits = limits.normalize()
	r := &Request{
		tr:      tr,
		driver:  d,
		limits:  limits,
		target:  target,
		control: transport.Closed,
		data:    transport.Closed,
		send:    buffer.New(limits.InitialBufferSize),
		recv:    buffer.NewReceive(limits.InitialBufferSize),
		xfer:    buffer.NewReceive(limits.InitialBufferSize),
	}
	r.resetState()

	if target.Host != "" {
		if err := r.connect(); err != nil {
			r.freeBuffers()
			return nil, err
		}
	}
	return r, nil
}

// NewHTTP parses rawURL, creates the Request and builds the HTTP request.
func NewHTTP(tr transport.Transport, rawURL, method string, body []byte, headers []Header, limits Limits) (*Request, error) {
	target, err := ParseTarget(rawURL)
	if err != nil {
		return nil, err
	}
	if target.Scheme != SchemeHTTP {
		return nil, fmt.Errorf("%w: %q is not an http URL", ErrUnsupportedScheme, rawURL)
	}
	r, err := New(tr, target, limits)
	if err != nil {
		return nil, err
	}
	if err = r.Build(method, body, headers...); err != nil {
		r.Release()
		return nil, err
	}
	return r, nil
}

// NewFTP parses rawURL and creates an FTP retrieval. Credentials in the URL
// take precedence over creds.
func NewFTP(tr transport.Transport, rawURL string, creds Credentials, limits Limits) (*Request, error) {
	target, err := ParseTarget(rawURL)
	if err != nil {
		return nil, err
	}
	if target.Scheme != SchemeFTP {
		return nil, fmt.Errorf("%w: %q is not an ftp URL", ErrUnsupportedScheme, rawURL)
	}
	if target.User.IsZero() {
		target.User = creds
	}
	r, err := New(tr, target, limits)
	if err != nil {
		return nil, err
	}
	if err = r.Build("RETR", nil); err != nil {
		r.Release()
		return nil, err
	}
	return r, nil
}

func (r *Request) connect() error {
	s, err := r.tr.Connect(r.target.Address())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	r.control = s
	log.Debug().
		Str("address", r.target.Address()).
		Str("protocol", r.driver.Protocol().String()).
		Msg("transfer connecting")
	return nil
}

func (r *Request) resetState() {
	r.active = false
	r.transferActive = false
	r.complete = false
	r.err = nil
	r.startTime = time.Now()
	r.transferStartTime = time.Time{}
	r.sentBytes = 0
	r.totalReceived = 0
	r.resetResponse()
	r.redirects = 0
	r.stage = StageConnect
	r.ftp = ftpState{}
}

func (r *Request) resetResponse() {
	r.httpMajor = 0
	r.httpVersion = 0
	r.statusCode = 0
	r.statusText = ""
	r.contentLength = 0
	r.headerLength = 0
	r.finalLength = -1
	r.scanned = 0
}

// Reset closes both sockets, clears the buffers and restores every field to
// its initial value. Buffer allocations are kept.
func (r *Request) Reset() {
	r.mustBeLive()
	r.closeSockets()
	r.send.Clear()
	r.recv.Clear()
	r.xfer.Clear()
	r.resetState()
}

// Release closes the sockets and frees the buffers. The Request must not be
// used afterwards; a second Release panics.
func (r *Request) Release() {
	r.mustBeLive()
	r.closeSockets()
	r.freeBuffers()
}

func (r *Request) mustBeLive() {
	if r.send == nil {
		panic("transfer: use of released request")
	}
}

func (r *Request) closeSockets() {
	r.tr.Close(r.control)
	r.tr.Close(r.data)
	r.control = transport.Closed
	r.data = transport.Closed
}

func (r *Request) freeBuffers() {
	r.send.Release()
	r.recv.Release()
	r.xfer.Release()
	r.send, r.recv, r.xfer = nil, nil, nil
}

// Build serializes the outbound request. For FTP the method is the transfer
// command (RETR, LIST or NLST) and body must be empty.
func (r *Request) Build(method string, body []byte, headers ...Header) error {
	r.mustBeLive()
	r.err = nil
	r.complete = false
	return r.driver.Build(r, method, body, headers)
}

// Advance performs one non-blocking step. It returns (false, nil) while the
// transfer is still working, (true, nil) once complete, and a non-nil error
// when the transfer failed. Once finished, the same result is returned again.
func (r *Request) Advance() (bool, error) {
	r.mustBeLive()
	if r.err != nil {
		return false, r.err
	}
	if r.complete {
		return true, nil
	}
	done, err := r.driver.Advance(r)
	switch {
	case err != nil:
		r.err = err
		r.active = false
		r.transferActive = false
		return false, err
	case done:
		r.complete = true
		r.active = false
		r.transferActive = false
	default:
		r.active = true
	}
	return done, nil
}

// receive grows buf when full and reads once from s into it. The growth
// bound is whatever limit buf carries.
func (r *Request) receive(s transport.Socket, buf *buffer.Buffer) (transport.RecvStatus, error) {
	if buf.Free() == 0 {
		if err := buf.Grow(1); err != nil {
			return transport.Failed, fmt.Errorf("%w: %w", ErrAllocation, err)
		}
	}
	status, err := r.tr.Receive(s, buf)
	if status == transport.Failed {
		return status, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return status, nil
}

// flush sends pending outbound bytes once. It reports whether anything is
// still queued.
func (r *Request) flush() (pending bool, err error) {
	if r.send.Len() == 0 {
		return false, nil
	}
	n, err := r.tr.Send(r.control, r.send.Bytes())
	if err != nil {
		return true, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	r.send.Consume(n)
	r.sentBytes += int64(n)
	return true, nil
}

// Protocol returns the protocol of the driver.
func (r *Request) Protocol() Protocol { return r.driver.Protocol() }

// Target returns the current target, which changes when a redirect is
// followed.
func (r *Request) Target() Target { return r.target }

// URL returns the current target as a string.
func (r *Request) URL() string { return r.target.String() }

// Method returns the method or FTP command last built.
func (r *Request) Method() string { return r.method }

// Active reports whether the Request has been advanced and is unfinished.
func (r *Request) Active() bool { return r.active }

// TransferActive reports whether body or data bytes are being streamed.
func (r *Request) TransferActive() bool { return r.transferActive }

// Complete reports whether the response is complete.
func (r *Request) Complete() bool { return r.complete }

// Err returns the error that failed the Request, if any.
func (r *Request) Err() error { return r.err }

// StartTime returns when the Request was created or last reset.
func (r *Request) StartTime() time.Time { return r.startTime }

// TransferStartTime returns when streaming started, or the zero time.
func (r *Request) TransferStartTime() time.Time { return r.transferStartTime }

// Elapsed returns the time since StartTime.
func (r *Request) Elapsed(now time.Time) time.Duration { return now.Sub(r.startTime) }

// TransferElapsed returns the time since streaming started, or zero.
func (r *Request) TransferElapsed(now time.Time) time.Duration {
	if r.transferStartTime.IsZero() {
		return 0
	}
	return now.Sub(r.transferStartTime)
}

// SentBytes returns the number of request bytes written.
func (r *Request) SentBytes() int64 { return r.sentBytes }

// TotalReceived returns the number of response bytes received.
func (r *Request) TotalReceived() int64 { return r.totalReceived }

// HTTPVersion returns the minor version of the response status line.
func (r *Request) HTTPVersion() int { return r.httpVersion }

// HTTPMajor returns the major version of the response status line.
func (r *Request) HTTPMajor() int { return r.httpMajor }

// StatusCode returns the HTTP status code, or the last FTP reply code.
func (r *Request) StatusCode() int { return r.statusCode }

// StatusText returns the reason phrase or FTP reply text.
func (r *Request) StatusText() string { return r.statusText }

// ContentLength returns the declared Content-Length.
func (r *Request) ContentLength() int64 { return r.contentLength }

// HeaderLength returns the size of the header block including the blank line.
func (r *Request) HeaderLength() int { return r.headerLength }

// FinalLength returns header plus body length, or -1 while unknown.
func (r *Request) FinalLength() int64 { return r.finalLength }

// Redirects returns how many redirects have been followed.
func (r *Request) Redirects() int { return r.redirects }

// Stage returns the FTP stage.
func (r *Request) Stage() Stage { return r.stage }

// ControlSocket returns the control socket handle.
func (r *Request) ControlSocket() transport.Socket { return r.control }

// DataSocket returns the FTP data socket handle.
func (r *Request) DataSocket() transport.Socket { return r.data }

// Header returns the raw response header block, or nil until it is parsed.
func (r *Request) Header() []byte {
	r.mustBeLive()
	if r.finalLength < 0 || r.driver.Protocol() != ProtocolHTTP {
		return nil
	}
	return r.recv.Bytes()[:r.headerLength]
}

// Body returns the response payload: the HTTP body up to the final length,
// or the bytes received on the FTP data socket. The slice aliases the
// Request's buffers and is valid until Reset or Release.
func (r *Request) Body() []byte {
	r.mustBeLive()
	if r.driver.Protocol() == ProtocolFTP {
		return r.xfer.Bytes()
	}
	if r.finalLength < 0 {
		return nil
	}
	b := r.recv.Bytes()
	end := min(int64(len(b)), r.finalLength)
	return b[r.headerLength:end]
}
