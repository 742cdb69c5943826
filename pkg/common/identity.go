package common

import (
	"net"
	"net/http"
	"strings"
)

// Headers checked when resolving the caller's network address, in order
// of preference.
var ipHeaders = []string{
	"X-Real-IP",
	"X-Forwarded-For",
	"True-Client-IP",
	"CF-Connecting-IP",
}

// ClientIP resolves the caller's network address from proxy headers,
// falling back to the socket address.
func ClientIP(r *http.Request) string {
	for _, header := range ipHeaders {
		if v := r.Header.Get(header); v != "" {
			// X-Forwarded-For may carry a chain; the client is first.
			if idx := strings.IndexByte(v, ','); idx >= 0 {
				v = v[:idx]
			}
			return strings.TrimSpace(v)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
