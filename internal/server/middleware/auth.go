package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"

	"github.com/sidorares/webpubsub-local/pkg/capability"
)

// AccessTokenParam is the query parameter WebSocket clients put their token in.
const AccessTokenParam = "access_token"

var ErrMissingToken = errors.New("missing access token")

// StringList decodes a claim that may be a single string or an array of
// strings.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	v := gjson.ParseBytes(b)
	switch {
	case v.IsArray():
		out := make([]string, 0, len(v.Array()))
		for _, item := range v.Array() {
			if item.Type != gjson.String {
				return fmt.Errorf("claim item %s is not a string", item.Raw)
			}
			out = append(out, item.String())
		}
		*l = out
	case v.Type == gjson.String:
		*l = StringList{v.String()}
	case v.Type == gjson.Null:
		*l = nil
	default:
		return fmt.Errorf("claim %s is neither a string nor a list", v.Raw)
	}
	return nil
}

// AppClaims defines our custom JWT claims structure.
type AppClaims struct {
	Roles  StringList `json:"role,omitempty"`
	Groups StringList `json:"webpubsub.group,omitempty"`
	jwt.RegisteredClaims
}

// TokenFromRequest returns the bearer token or, failing that, the
// access_token query parameter.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", fmt.Errorf("%w: malformed authorization header", ErrMissingToken)
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get(AccessTokenParam); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

// ParseToken validates an HMAC-signed token and its time claims.
func ParseToken(tokenString, secret string) (*AppClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*AppClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// NewAuthMiddleware verifies the caller's token and records its identity
// and capabilities in the request metadata. A missing subject is allowed;
// such connections are anonymous.
func NewAuthMiddleware(logger *slog.Logger, jwtSecret string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString, err := TokenFromRequest(r)
			if err != nil {
				logger.Warn("Request without usable token", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			claims, err := ParseToken(tokenString, jwtSecret)
			if err != nil {
				logger.Warn("Invalid JWT token presented", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			reqMeta.Authenticated = true
			reqMeta.UserID = claims.Subject
			reqMeta.Scopes = claims.Roles
			reqMeta.Groups = claims.Groups
			reqMeta.Capabilities = capability.Parse(claims.Roles)
			if len(claims.Audience) > 0 {
				reqMeta.Audience = claims.Audience[0]
			}
			next.ServeHTTP(w, r)
		})
	}
}
