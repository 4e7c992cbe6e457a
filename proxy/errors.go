package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/leeineian/earworm/media"
)

// Error ties a failure to the proxy it went through.
type Error struct {
	Proxy string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("proxy %s: %v", Redact(e.Proxy), e.Err)
}

func (e *Error) Unwrap() []error { return []error{media.ErrProxy, e.Err} }

// Wrap marks err as having happened behind proxyURL. Nil stays nil.
func Wrap(proxyURL string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Proxy: proxyURL, Err: err}
}

// stderr fragments from yt-dlp and Go transports that point at the egress
// rather than at the video.
var proxyIndicators = []string{
	"proxyconnect",
	"unable to connect to proxy",
	"tunnel connection failed",
	"proxyerror",
	"proxy authentication required",
	"sign in to confirm you're not a bot",
	"http error 429",
	"too many requests",
	"http error 403",
	"connection refused",
	"connection reset",
	"no route to host",
	"i/o timeout",
	"tls handshake timeout",
	"remote end closed connection",
}

// Attributable reports whether err is likely the proxy's fault, meaning the
// proxy should be banned and the request retried through another one.
// Cancellation by the caller is never attributable.
func Attributable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, media.ErrProxy) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, indicator := range proxyIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}

// Redact hides credentials in a proxy URL for logging.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
