package api

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwksFixture struct {
	key     *rsa.PrivateKey
	server  *httptest.Server
	fetches int32
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &jwksFixture{key: key}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.fetches, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": "test-key",
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTAuthMiddleware(t *testing.T) {
	fixture := newJWKSFixture(t)
	keys := NewJWKSCache(fixture.server.URL, time.Minute)

	var seen Principal
	protected := JWTAuthMiddleware(keys, "https://auth.coursemarket.test", "settlement")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	valid := func() jwt.MapClaims {
		return jwt.MapClaims{
			"sub": "8b8f2c1e-3c1a-4d0e-9f61-1f2d4c5b6a70",
			"iss": "https://auth.coursemarket.test",
			"aud": "settlement",
			"exp": time.Now().Add(time.Hour).Unix(),
		}
	}

	tests := []struct {
		name     string
		header   func() string
		want     int
		wantRole string
	}{
		{name: "student token", header: func() string { return "Bearer " + fixture.sign(t, "test-key", valid()) }, want: http.StatusNoContent, wantRole: RoleStudent},
		{
			name: "admin via metadata",
			header: func() string {
				c := valid()
				c["metadata"] = map[string]interface{}{"role": "Admin"}
				return "Bearer " + fixture.sign(t, "test-key", c)
			},
			want:     http.StatusNoContent,
			wantRole: RoleAdmin,
		},
		{name: "missing header", header: func() string { return "" }, want: http.StatusUnauthorized},
		{name: "not bearer", header: func() string { return "Basic abc" }, want: http.StatusUnauthorized},
		{
			name: "expired",
			header: func() string {
				c := valid()
				c["exp"] = time.Now().Add(-time.Minute).Unix()
				return "Bearer " + fixture.sign(t, "test-key", c)
			},
			want: http.StatusUnauthorized,
		},
		{
			name: "wrong issuer",
			header: func() string {
				c := valid()
				c["iss"] = "https://evil.test"
				return "Bearer " + fixture.sign(t, "test-key", c)
			},
			want: http.StatusUnauthorized,
		},
		{
			name: "wrong audience",
			header: func() string {
				c := valid()
				c["aud"] = "billing"
				return "Bearer " + fixture.sign(t, "test-key", c)
			},
			want: http.StatusUnauthorized,
		},
		{name: "unknown kid", header: func() string { return "Bearer " + fixture.sign(t, "rotated", valid()) }, want: http.StatusUnauthorized},
		{
			name: "missing subject",
			header: func() string {
				c := valid()
				delete(c, "sub")
				return "Bearer " + fixture.sign(t, "test-key", c)
			},
			want: http.StatusUnauthorized,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			seen = Principal{}
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if h := tc.header(); h != "" {
				req.Header.Set("Authorization", h)
			}
			rec := httptest.NewRecorder()
			protected.ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
			if tc.wantRole != "" && seen.Role != tc.wantRole {
				t.Fatalf("role = %q, want %q", seen.Role, tc.wantRole)
			}
		})
	}
}

func TestJWKSCache_ReusesKeysWithinTTL(t *testing.T) {
	fixture := newJWKSFixture(t)
	keys := NewJWKSCache(fixture.server.URL, time.Hour)

	for i := 0; i < 3; i++ {
		if _, err := keys.Key("test-key"); err != nil {
			t.Fatalf("Key returned error: %v", err)
		}
	}
	if got := atomic.LoadInt32(&fixture.fetches); got != 1 {
		t.Fatalf("expected one JWKS fetch, got %d", got)
	}

	if _, err := keys.Key("missing"); err == nil {
		t.Fatal("expected unknown kid to fail")
	}
	if got := atomic.LoadInt32(&fixture.fetches); got != 2 {
		t.Fatalf("unknown kid should trigger a refetch, got %d fetches", got)
	}
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name      string
		principal *Principal
		want      int
	}{
		{name: "admin", principal: &Principal{UserID: "a", Role: RoleAdmin}, want: http.StatusNoContent},
		{name: "student", principal: &Principal{UserID: "s", Role: RoleStudent}, want: http.StatusForbidden},
		{name: "anonymous", want: http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.principal != nil {
				req = req.WithContext(contextWithPrincipal(req.Context(), *tc.principal))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestInternalAuthMiddleware_DisabledWithoutKey(t *testing.T) {
	handler := InternalAuthMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodPost, "/internal/payouts/batch", nil)
	req.Header.Set("X-Internal-API-Key", "")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
