package middleware

import (
	"context"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/sidorares/webpubsub-local/pkg/capability"
)

type contextKey string

const reqMetaKey = contextKey("r-metadata")

// RequestIDHeader carries the request id back to the caller.
const RequestIDHeader = "X-Request-Id"

// RequestMetadata collects what the middlewares learn about a request. The
// auth middleware fills the identity fields.
type RequestMetadata struct {
	RequestID string
	IP        string

	Authenticated bool
	UserID        string
	Scopes        []string
	Groups        []string
	Capabilities  capability.Set
	// Audience is the token audience, when the token carried one.
	Audience string
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(reqMetaKey).(*RequestMetadata)
	return reqMeta, ok
}

// WithRequestMetadata is mostly useful for tests that call a handler without
// the full chain.
func WithRequestMetadata(ctx context.Context, reqMeta *RequestMetadata) context.Context {
	return context.WithValue(ctx, reqMetaKey, reqMeta)
}

// creates and injects the RequestMetadata struct into the request.
// **This should be the first middleware in the chain.**
func RequestMetadataMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta := &RequestMetadata{
				RequestID: r.Header.Get(RequestIDHeader),
			}
			if reqMeta.RequestID == "" {
				reqMeta.RequestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, reqMeta.RequestID)

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr // Fallback
			}
			reqMeta.IP = ip
			next.ServeHTTP(w, r.WithContext(WithRequestMetadata(r.Context(), reqMeta)))
		})
	}
}
