package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type ctxKey string

const clientIDKey ctxKey = "clientID"

func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

func clientIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(clientIDKey).(string); ok {
		return value
	}
	return ""
}

// clientAddress identifies the caller for ingress limiting. The first
// X-Forwarded-For hop wins when trustProxy is set.
func clientAddress(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
