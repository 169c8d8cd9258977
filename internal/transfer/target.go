package transfer

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Supported URL schemes.
const (
	SchemeHTTP = "http"
	SchemeFTP  = "ftp"
)

var defaultPorts = map[string]int{
	SchemeHTTP: 80,
	SchemeFTP:  21,
}

// Target is a parsed transfer URL.
type Target struct {
	Scheme string
	Host   string
	Port   int
	// Path is the decoded path, always starting with '/'.
	Path string
	// Query is the raw query string without '?'.
	Query string
	User  Credentials
}

// Credentials authenticate an FTP control connection.
type Credentials struct {
	User     string
	Password string
}

// IsZero reports whether no user is set.
func (c Credentials) IsZero() bool { return c.User == "" }

// ParseTarget splits a URL into a Target. A URL without a scheme is treated
// as http.
func ParseTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("empty URL")
	}
	if !strings.Contains(raw, "://") {
		raw = SchemeHTTP + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("parse URL: %w", err)
	}

	t := Target{Scheme: strings.ToLower(u.Scheme)}
	port, ok := defaultPorts[t.Scheme]
	if !ok {
		return Target{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	t.Host = u.Hostname()
	if t.Host == "" {
		return Target{}, fmt.Errorf("URL %q has no host", raw)
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Target{}, fmt.Errorf("URL %q has an invalid port", raw)
		}
	}
	t.Port = port

	t.Path = u.Path
	if t.Path == "" {
		t.Path = "/"
	}
	t.Query = u.RawQuery
	if u.User != nil {
		t.User.User = u.User.Username()
		t.User.Password, _ = u.User.Password()
	}
	return t, nil
}

// Address returns the "host:port" dial address.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// HostHeader returns the Host header value, omitting the default port.
func (t Target) HostHeader() string {
	if t.Port == defaultPorts[t.Scheme] {
		return t.Host
	}
	return t.Address()
}

// RequestURI returns the path plus query as sent on the request line,
// before percent-encoding.
func (t Target) RequestURI() string {
	if t.Query == "" {
		return t.Path
	}
	return t.Path + "?" + t.Query
}

// String returns the URL without credentials.
func (t Target) String() string {
	host := t.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if t.Port != defaultPorts[t.Scheme] {
		host = t.Address()
	}
	return t.Scheme + "://" + host + t.RequestURI()
}

// Resolve returns the target a Location header value points to. Absolute
// URLs replace the target; absolute paths keep the current host.
func (t Target) Resolve(location string) (Target, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return Target{}, fmt.Errorf("empty location")
	}
	if strings.HasPrefix(location, "/") && !strings.HasPrefix(location, "//") {
		u, err := url.Parse(location)
		if err != nil {
			return Target{}, fmt.Errorf("parse location: %w", err)
		}
		next := t
		next.Path = u.Path
		next.Query = u.RawQuery
		next.User = Credentials{}
		return next, nil
	}
	if strings.HasPrefix(location, "//") {
		location = t.Scheme + ":" + location
	}
	return ParseTarget(location)
}
