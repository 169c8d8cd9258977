package transfer

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/courier/internal/transport"
	"github.com/energizer-project/courier/internal/urlcodec"
)

type httpDriver struct{}

func (httpDriver) Protocol() Protocol { return ProtocolHTTP }

// Build writes the request line, the standard headers, any extra headers and
// the body into the outbound buffer.
func (httpDriver) Build(r *Request, method string, body []byte, headers []Header) error {
	r.resetResponse()
	r.recv.Clear()
	r.send.Clear()
	r.totalReceived = 0

	if method == "" {
		method = "GET"
	}
	method = strings.ToUpper(method)
	r.method = method

	var sb strings.Builder
	sb.WriteString(method)
	sb.WriteByte(' ')
	sb.WriteString(urlcodec.EncodePath(r.target.Path))
	if r.target.Query != "" {
		sb.WriteByte('?')
		sb.WriteString(r.target.Query)
	}
	sb.WriteString(" HTTP/1.1\r\n")
	sb.WriteString("Accept: */*\r\n")
	sb.WriteString("Host: " + r.target.HostHeader() + "\r\n")
	sb.WriteString("User-Agent: " + r.limits.UserAgent + "\r\n")
	sb.WriteString("Connection: keep-alive\r\n")
	for _, h := range headers {
		if h.Name == "" || strings.ContainsAny(h.Name+h.Value, "\r\n") {
			return fmt.Errorf("invalid header %q", h.Name)
		}
		sb.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	if body != nil {
		sb.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	}
	sb.WriteString("\r\n")

	if err := r.send.AppendString(sb.String()); err != nil {
		return fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	if err := r.send.Append(body); err != nil {
		return fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	return nil
}

// Advance sends pending request bytes, or receives and parses the response.
func (d httpDriver) Advance(r *Request) (bool, error) {
	if !r.control.Valid() {
		if r.target.Host == "" {
			return false, fmt.Errorf("%w: no address", ErrTransport)
		}
		if err := r.connect(); err != nil {
			return false, err
		}
	}

	pending, err := r.flush()
	if err != nil {
		return false, err
	}
	if pending {
		return false, nil
	}
	if r.sentBytes == 0 {
		return false, ErrNotBuilt
	}

	status, err := r.receive(r.control, r.recv)
	switch status {
	case transport.WouldBlock:
		return false, nil
	case transport.ClosedCleanly:
		return false, fmt.Errorf("%w: connection closed after %d bytes", ErrTransport, r.recv.Len())
	case transport.Failed:
		return false, err
	}
	r.totalReceived = int64(r.recv.Len())

	if r.finalLength < 0 {
		state, err := d.parseHeader(r)
		if err != nil || state != headerParsed {
			return false, err
		}
	}
	return r.totalReceived >= r.finalLength, nil
}

type headerState int

const (
	headerPending headerState = iota
	headerParsed
	headerRedirected
)

// parseHeader parses the header block once it is fully buffered. After a
// followed redirect the Request has been re-targeted and rebuilt.
func (d httpDriver) parseHeader(r *Request) (headerState, error) {
	buf := r.recv

	buf.SetCursor(r.scanned)
	for {
		line, ok := buf.ReadLine()
		if !ok {
			r.scanned = buf.Cursor()
			if buf.Len() > r.limits.MaxHeaderBytes {
				return headerPending, fmt.Errorf("%w: no end of header within %d bytes", ErrHeaderTooLarge, r.limits.MaxHeaderBytes)
			}
			return headerPending, nil
		}
		if len(line) == 0 {
			break
		}
	}
	if buf.Cursor() > r.limits.MaxHeaderBytes {
		return headerPending, fmt.Errorf("%w: %d byte header", ErrHeaderTooLarge, buf.Cursor())
	}

	buf.SetCursor(0)
	line, _ := buf.ReadLine()
	major, minor, code, text, err := parseStatusLine(line)
	if err != nil {
		return headerPending, err
	}
	r.httpMajor, r.httpVersion = major, minor
	r.statusCode, r.statusText = code, text

	var contentLength int64
	for {
		line, _ = buf.ReadLine()
		if len(line) == 0 {
			break
		}
		name, value, ok := bytes.Cut(line, []byte{':'})
		if !ok {
			continue
		}
		name = bytes.TrimSpace(name)
		value = bytes.TrimSpace(value)

		switch {
		case bytes.EqualFold(name, []byte("Content-Length")):
			contentLength, err = parseContentLength(value)
			if err != nil {
				return headerPending, err
			}
		case bytes.EqualFold(name, []byte("Location")):
			if len(value) == 0 {
				continue
			}
			if err = d.redirect(r, string(value)); err != nil {
				return headerPending, err
			}
			return headerRedirected, nil
		}
	}

	r.headerLength = buf.Cursor()
	r.contentLength = contentLength
	r.finalLength = int64(r.headerLength)
	if contentLength > r.limits.MaxResponseBytes-int64(r.headerLength) {
		log.Warn().
			Str("url", r.target.String()).
			Int64("content_length", contentLength).
			Msg("declared body exceeds limit, keeping header only")
	} else {
		r.finalLength += contentLength
	}
	r.recv.SetLimit(int(r.finalLength))
	if r.finalLength > int64(r.headerLength) {
		r.transferActive = true
		r.transferStartTime = time.Now()
	}
	return headerParsed, nil
}

// redirect re-targets the Request to location, reconnects and queues a GET.
func (d httpDriver) redirect(r *Request, location string) error {
	if r.redirects >= r.limits.MaxRedirects {
		return fmt.Errorf("%w: %d redirects, last to %q", ErrRedirectLoop, r.redirects, location)
	}
	next, err := r.target.Resolve(location)
	if err != nil {
		return fmt.Errorf("%w: bad location %q: %w", ErrProtocol, location, err)
	}
	if next.Scheme != SchemeHTTP {
		return fmt.Errorf("%w: redirect to %q", ErrUnsupportedScheme, location)
	}

	from := r.target.String()
	count := r.redirects + 1
	r.Reset()
	r.redirects = count
	r.target = next

	log.Info().
		Str("from", from).
		Str("to", next.String()).
		Int("redirects", count).
		Msg("following redirect")

	if err = r.connect(); err != nil {
		return err
	}
	return d.Build(r, "GET", nil, nil)
}

// parseStatusLine parses "HTTP/<major>.<minor> <code> <reason>".
func parseStatusLine(line []byte) (major, minor, code int, text string, err error) {
	bad := func() (int, int, int, string, error) {
		return 0, 0, 0, "", fmt.Errorf("%w: malformed status line %q", ErrProtocol, truncate(line, 64))
	}

	p, ok := bytes.CutPrefix(line, []byte("HTTP/"))
	if !ok {
		return bad()
	}
	if major, p, ok = leadingInt(p, 2); !ok || major > 9 {
		return bad()
	}
	if p, ok = bytes.CutPrefix(p, []byte{'.'}); !ok {
		return bad()
	}
	if minor, p, ok = leadingInt(p, 2); !ok {
		return bad()
	}
	if p, ok = bytes.CutPrefix(p, []byte{' '}); !ok {
		return bad()
	}
	if len(p) < 3 {
		return bad()
	}
	var rest []byte
	if code, rest, ok = leadingInt(p[:3], 3); !ok || len(rest) != 0 || code < 100 {
		return bad()
	}
	p = p[3:]
	if len(p) > 0 {
		if p[0] != ' ' {
			return bad()
		}
		p = p[1:]
	}
	return major, minor, code, string(p), nil
}

// leadingInt parses 1 to maxDigits decimal digits from the start of p.
func leadingInt(p []byte, maxDigits int) (int, []byte, bool) {
	n, i := 0, 0
	for ; i < len(p) && i < maxDigits && '0' <= p[i] && p[i] <= '9'; i++ {
		n = n*10 + int(p[i]-'0')
	}
	if i == 0 {
		return 0, p, false
	}
	if i < len(p) && '0' <= p[i] && p[i] <= '9' {
		return 0, p, false
	}
	return n, p[i:], true
}

func parseContentLength(v []byte) (int64, error) {
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: invalid Content-Length %q", ErrProtocol, truncate(v, 32))
		}
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid Content-Length %q", ErrProtocol, truncate(v, 32))
	}
	return n, nil
}

func truncate(p []byte, n int) []byte {
	if len(p) > n {
		return p[:n]
	}
	return p
}
