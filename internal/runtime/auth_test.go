package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/satlog/config"
)

func serve(t *testing.T, a *Authenticator, token string, scopes ...string) int {
	t.Helper()
	e := echo.New()
	h := func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }
	e.GET("/x", h, a.EchoAuthMiddleware(), RequireScopes(scopes...))
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec.Code
}

func TestStaticTokenGrantsAllScopes(t *testing.T) {
	a, err := NewAuthenticator(config.ServerConfig{APIToken: "s3cret"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if code := serve(t, a, "s3cret", ScopeReplay, ScopeEventsWrite); code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}
	if code := serve(t, a, "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if code := serve(t, a, ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token, got %d", code)
	}
}

func TestJWTScopes(t *testing.T) {
	secret := []byte("jwt-secret")
	a, err := NewAuthenticator(config.ServerConfig{JWTSecret: string(secret)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tok, err := SignJWT("sat-7", secret, time.Minute, ScopeRead)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if code := serve(t, a, tok, ScopeRead); code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}
	if code := serve(t, a, tok, ScopeReplay); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}

	expired, _ := SignJWT("sat-7", secret, -time.Minute)
	if code := serve(t, a, expired); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", code)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "x"})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if code := serve(t, a, unsigned); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned token, got %d", code)
	}
}

func TestNewAuthenticatorRequiresCredential(t *testing.T) {
	if _, err := NewAuthenticator(config.ServerConfig{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNormaliseScopes(t *testing.T) {
	got := normaliseScopes("read  replay ")
	if len(got) != 2 || got[0] != "read" || got[1] != "replay" {
		t.Fatalf("unexpected scopes %v", got)
	}
	got = normaliseScopes([]interface{}{"a", 3, " b "})
	if len(got) != 2 || got[1] != "b" {
		t.Fatalf("unexpected scopes %v", got)
	}
}
