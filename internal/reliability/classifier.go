package reliability

import (
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// HandshakeVerdict says what a device should do after a failed dial.
type HandshakeVerdict int

const (
	// Reconnect after backing off: the producer is busy, restarting or
	// unreachable.
	Reconnect HandshakeVerdict = iota
	// GiveUp: the producer refused this device and will keep refusing it.
	GiveUp
)

// ClassifyHandshake maps the HTTP status of a refused websocket upgrade to
// a verdict. Zero means no response arrived at all.
func ClassifyHandshake(status int) HandshakeVerdict {
	switch {
	case status == 0:
		return Reconnect
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests:
		return Reconnect
	case status >= 500:
		return Reconnect
	case status >= 400:
		return GiveUp
	default:
		// A 2xx or 3xx without an upgrade is a misrouted URL or a proxy
		// in the way; neither fixes itself.
		return GiveUp
	}
}

// transientProviderMarkers match realtime error codes that clear on their
// own. Providers spell codes with and without a vendor prefix, so matching
// is by substring.
var transientProviderMarkers = []string{
	"rate_limit",
	"throttl",
	"resource_exhausted",
	"queue_overflow",
	"transcriber_error",
	"server_error",
}

// IsTransientProviderCode reports whether a speech provider error code is
// worth one more attempt. Auth, quota and input errors are not.
func IsTransientProviderCode(code string) bool {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return false
	}
	for _, m := range transientProviderMarkers {
		if strings.Contains(code, m) {
			return true
		}
	}
	return false
}

// Backoff computes capped exponential delays. Jitter spreads each delay
// down by up to that fraction so a fleet of kiosks that lost the producer
// together does not reconnect in lockstep.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

// Delay returns the wait before attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Cap; i++ {
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	if j := min(max(b.Jitter, 0), 1); j > 0 && d > 0 {
		d -= time.Duration(float64(d) * j * rand.Float64())
	}
	return d
}
