package transfer

import (
	"errors"
	"testing"
	"time"

	"github.com/energizer-project/courier/internal/transport"
	"github.com/energizer-project/courier/internal/transport/transporttest"
)

func TestNewConnectFailureUnwinds(t *testing.T) {
	// Arrange
	tr := transporttest.New()
	tr.Refuse("down.test:80", nil)

	// Act
	r, err := NewHTTP(tr, "http://down.test/file", "GET", nil, nil, DefaultLimits())

	// Assert
	if r != nil {
		t.Fatalf("Unexpected request returned on failure")
	}
	if !errors.Is(err, ErrTransport) || !errors.Is(err, transporttest.ErrRefused) {
		t.Fatalf("Unexpected error: %v", err)
	}
	if tr.Open() != 0 {
		t.Fatalf("Unexpected open sockets: %d", tr.Open())
	}
}

func TestNewUnsupportedScheme(t *testing.T) {
	tr := transporttest.New()
	for _, url := range []string{"https://example.com/", "gopher://example.com/"} {
		if _, err := NewHTTP(tr, url, "GET", nil, nil, DefaultLimits()); !errors.Is(err, ErrUnsupportedScheme) {
			t.Fatalf("Unexpected error for %q: %v", url, err)
		}
	}
	if _, err := New(tr, Target{Scheme: "smtp", Host: "x", Port: 25}, DefaultLimits()); !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(tr.Dials()) != 0 {
		t.Fatalf("Unexpected dials %v", tr.Dials())
	}
}

func TestNewWithoutHostConnectsLazily(t *testing.T) {
	tr := transporttest.New()
	r, err := New(tr, Target{Scheme: SchemeHTTP, Port: 80, Path: "/"}, DefaultLimits())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer r.Release()

	if r.ControlSocket().Valid() || len(tr.Dials()) != 0 {
		t.Fatalf("Unexpected connect without an address")
	}
	_ = r.Build("GET", nil)
	if _, err = r.Advance(); !errors.Is(err, ErrTransport) {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func TestResetKeepsBuffers(t *testing.T) {
	// Arrange
	tr := transporttest.New()
	peer := tr.Expect("example.com:80", transporttest.NewConn().Feed(helloResponse))
	r := newGet(t, tr, "http://example.com/", Limits{InitialBufferSize: 8})
	defer r.Release()
	if _, err := drive(t, r, 20); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	sendCap, recvCap := r.send.Cap(), r.recv.Cap()

	// Act
	r.Reset()

	// Assert
	if !peer.Closed || r.ControlSocket() != transport.Closed || r.DataSocket() != transport.Closed {
		t.Fatalf("Unexpected open socket after reset")
	}
	if r.send.Len() != 0 || r.recv.Len() != 0 || r.xfer.Len() != 0 {
		t.Fatalf("Unexpected buffered bytes after reset")
	}
	if r.send.Cap() != sendCap || r.recv.Cap() != recvCap {
		t.Fatalf("Unexpected reallocation on reset")
	}
	if r.Complete() || r.FinalLength() != -1 || r.StatusCode() != 0 || r.TotalReceived() != 0 || r.SentBytes() != 0 {
		t.Fatalf("Unexpected state after reset")
	}
}

func TestReleaseClosesAndPanicsTwice(t *testing.T) {
	tr := transporttest.New()
	r := newGet(t, tr, "http://example.com/", DefaultLimits())
	if tr.Open() != 1 {
		t.Fatalf("Unexpected open count %d", tr.Open())
	}

	r.Release()
	if tr.Open() != 0 {
		t.Fatalf("Unexpected open count %d after release", tr.Open())
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("Unexpected silent second release")
		}
	}()
	r.Release()
}

func TestElapsed(t *testing.T) {
	tr := transporttest.New()
	tr.Expect("example.com:80", transporttest.NewConn().Feed("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc"))
	r := newGet(t, tr, "http://example.com/", DefaultLimits())
	defer r.Release()

	now := r.StartTime().Add(3 * time.Second)
	if r.Elapsed(now) != 3*time.Second {
		t.Fatalf("Unexpected elapsed %v", r.Elapsed(now))
	}
	if r.TransferElapsed(now) != 0 {
		t.Fatalf("Unexpected transfer elapsed before body")
	}
	for i := 0; i < 2; i++ {
		if _, err := r.Advance(); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if !r.TransferActive() || r.TransferStartTime().IsZero() {
		t.Fatalf("Unexpected transfer state")
	}
}

func TestParseTarget(t *testing.T) {
	cases := []struct {
		in      string
		scheme  string
		address string
		path    string
		query   string
		user    string
	}{
		{"http://example.com", "http", "example.com:80", "/", "", ""},
		{"example.com/a/b", "http", "example.com:80", "/a/b", "", ""},
		{"HTTP://example.com:8080/x?y=1", "http", "example.com:8080", "/x", "y=1", ""},
		{"ftp://bob:pw@files.test/pub/a.zip", "ftp", "files.test:21", "/pub/a.zip", "", "bob"},
		{"http://[::1]:81/", "http", "[::1]:81", "/", "", ""},
	}
	for _, c := range cases {
		tg, err := ParseTarget(c.in)
		if err != nil {
			t.Fatalf("Unexpected error for %q: %v", c.in, err)
		}
		if tg.Scheme != c.scheme || tg.Address() != c.address || tg.Path != c.path || tg.Query != c.query || tg.User.User != c.user {
			t.Fatalf("Unexpected target for %q: %+v", c.in, tg)
		}
	}

	for _, bad := range []string{"", "http://", "http://host:0/", "http://host:70000/", "https://secure.test/"} {
		if _, err := ParseTarget(bad); err == nil {
			t.Fatalf("Unexpected success for %q", bad)
		}
	}
}

func TestTargetResolve(t *testing.T) {
	base, _ := ParseTarget("http://example.com:8080/dir/file")

	next, err := base.Resolve("/other?a=b")
	if err != nil || next.Address() != "example.com:8080" || next.RequestURI() != "/other?a=b" {
		t.Fatalf("Unexpected resolve: %+v %v", next, err)
	}
	next, err = base.Resolve("http://mirror.test/file")
	if err != nil || next.Address() != "mirror.test:80" || next.Path != "/file" {
		t.Fatalf("Unexpected resolve: %+v %v", next, err)
	}
	next, err = base.Resolve("//cdn.test/x")
	if err != nil || next.Address() != "cdn.test:80" || next.Scheme != "http" {
		t.Fatalf("Unexpected resolve: %+v %v", next, err)
	}
	if base.String() != "http://example.com:8080/dir/file" {
		t.Fatalf("Unexpected string %q", base.String())
	}
}
