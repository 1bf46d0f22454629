package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type contextKey string

const SourceAddrKey contextKey = "source_addr"

// SourceAddress stores the client address in the request context. With
// trustProxy the right-most X-Forwarded-For entry wins, which is the hop the
// proxy in front of us appended. Earlier entries are client supplied.
func SourceAddress(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := remoteHost(r.RemoteAddr)
			if trustProxy {
				if fwd := forwardedFor(r.Header.Get("X-Forwarded-For")); fwd != "" {
					addr = fwd
				}
			}
			ctx := context.WithValue(r.Context(), SourceAddrKey, addr)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SourceAddr returns the address recorded by SourceAddress, falling back
// to the connection's remote host.
func SourceAddr(r *http.Request) string {
	if addr, ok := r.Context().Value(SourceAddrKey).(string); ok && addr != "" {
		return addr
	}
	return remoteHost(r.RemoteAddr)
}

func remoteHost(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

func forwardedFor(header string) string {
	last := header
	if i := strings.LastIndexByte(header, ','); i >= 0 {
		last = header[i+1:]
	}
	last = strings.TrimSpace(last)
	if net.ParseIP(last) == nil {
		return ""
	}
	return last
}
