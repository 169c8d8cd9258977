package transfer

// Defaults for Limits.
const (
	DefaultUserAgent         = "courier/1.0"
	DefaultInitialBufferSize = 4096
	DefaultMaxHeaderBytes    = 64 << 10
	DefaultMaxRedirects      = 5

	// NoRedirects as Limits.MaxRedirects fails on the first Location header.
	NoRedirects = -1

	// MaxResponseBytes is the largest final length honored. Responses that
	// declare more are treated as header-only.
	MaxResponseBytes = 640 << 20
)

// Limits bounds the resources a single Request may use. Zero fields take
// their defaults; use NoRedirects to disable redirect following.
type Limits struct {
	UserAgent         string
	InitialBufferSize int
	MaxHeaderBytes    int
	MaxResponseBytes  int64
	MaxRedirects      int
}

// DefaultLimits returns the built-in limits.
func DefaultLimits() Limits {
	return Limits{
		UserAgent:         DefaultUserAgent,
		InitialBufferSize: DefaultInitialBufferSize,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
		MaxResponseBytes:  MaxResponseBytes,
		MaxRedirects:      DefaultMaxRedirects,
	}
}

// normalize fills zero fields with defaults and caps the response bound.
func (l Limits) normalize() Limits {
	d := DefaultLimits()
	if l.UserAgent == "" {
		l.UserAgent = d.UserAgent
	}
	if l.InitialBufferSize <= 0 {
		l.InitialBufferSize = d.InitialBufferSize
	}
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if l.MaxResponseBytes <= 0 || l.MaxResponseBytes > MaxResponseBytes {
		l.MaxResponseBytes = MaxResponseBytes
	}
	if l.MaxRedirects == 0 {
		l.MaxRedirects = d.MaxRedirects
	} else if l.MaxRedirects < 0 {
		l.MaxRedirects = NoRedirects
	}
	return l
}
