package runtime

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/satlog/config"
)

// Scopes checked on mutating routes. The static API token carries all of them.
const (
	ScopeEventsWrite = "events:write"
	ScopeReplay      = "replay"
	ScopeRead        = "read"
)

var allScopes = []string{ScopeEventsWrite, ScopeReplay, ScopeRead}

// Authenticator verifies bearer credentials: a static API token, an HS256 JWT, or both.
type Authenticator struct {
	token  []byte
	secret []byte
}

// NewAuthenticator reads server.api_token and server.jwt_secret.
func NewAuthenticator(cfg config.ServerConfig) (*Authenticator, error) {
	a := &Authenticator{}
	if t := strings.TrimSpace(cfg.APIToken); t != "" {
		a.token = []byte(t)
	}
	if s := strings.TrimSpace(cfg.JWTSecret); s != "" {
		a.secret = []byte(s)
	}
	if a.token == nil && a.secret == nil {
		return nil, errors.New("no api token or jwt secret configured")
	}
	return a, nil
}

// SignJWT issues a signed token with the provided subject and TTL.
func SignJWT(subject string, secret []byte, ttl time.Duration, scopes ...string) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(ttl).Unix(),
	}
	if len(scopes) > 0 {
		claims["scopes"] = scopes
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Verify returns the caller subject and scopes for tok.
func (a *Authenticator) Verify(tok string) (string, []string, error) {
	if a.token != nil && subtle.ConstantTimeCompare([]byte(tok), a.token) == 1 {
		return "api-token", allScopes, nil
	}
	if a.secret == nil {
		return "", nil, errors.New("invalid token")
	}
	parsed, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", nil, errors.New("invalid token")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", nil, errors.New("invalid claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", nil, errors.New("token has no subject")
	}
	return sub, extractScopes(claims), nil
}

// EchoAuthMiddleware builds an Echo middleware that validates the bearer token.
func (a *Authenticator) EchoAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok := extractToken(c)
			if tok == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			sub, scopes, err := a.Verify(tok)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}
			reqCtx := context.WithValue(c.Request().Context(), subjectKey{}, sub)
			if len(scopes) > 0 {
				reqCtx = context.WithValue(reqCtx, scopeKey{}, scopes)
				c.Set("scopes", scopes)
			}
			c.Set("subject", sub)
			c.SetRequest(c.Request().WithContext(reqCtx))
			return next(c)
		}
	}
}

func extractToken(c echo.Context) string {
	if h := c.Request().Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

type subjectKey struct{}

// SubjectFromContext returns the caller subject stored by the middleware.
func SubjectFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if s, ok := ctx.Value(subjectKey{}).(string); ok {
		return s, true
	}
	return "", false
}

type scopeKey struct{}

// ScopesFromContext returns scopes associated with the request context.
func ScopesFromContext(ctx context.Context) ([]string, bool) {
	if ctx == nil {
		return nil, false
	}
	if scopes, ok := ctx.Value(scopeKey{}).([]string); ok {
		return scopes, true
	}
	return nil, false
}

// RequireScopes ensures the caller token includes all required scopes.
func RequireScopes(required ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			existing, _ := ScopesFromContext(c.Request().Context())
			for _, scope := range required {
				if !containsScope(existing, scope) {
					return echo.NewHTTPError(http.StatusForbidden, "missing scope: "+scope)
				}
			}
			return next(c)
		}
	}
}

func extractScopes(claims jwt.MapClaims) []string {
	if raw, ok := claims["scopes"]; ok {
		return normaliseScopes(raw)
	}
	if raw, ok := claims["scope"]; ok {
		return normaliseScopes(raw)
	}
	return nil
}

func normaliseScopes(raw interface{}) []string {
	var parts []string
	switch v := raw.(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
	case []string:
		parts = v
	case string:
		parts = strings.Fields(v)
	default:
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func containsScope(scopes []string, target string) bool {
	for _, scope := range scopes {
		if scope == target {
			return true
		}
	}
	return false
}
