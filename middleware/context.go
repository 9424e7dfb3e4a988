package middleware

import (
	"net"
	"net/http"

	"github.com/MrEthical07/regflow"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// RequestContext attaches the client address and chi request id to the
// request context. Mount it after chimw.RealIP and chimw.RequestID so both
// are already resolved.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if ip := clientIP(r.RemoteAddr); ip != "" {
			ctx = regflow.WithClientIP(ctx, ip)
		}
		if id := chimw.GetReqID(ctx); id != "" {
			ctx = regflow.WithRequestID(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
