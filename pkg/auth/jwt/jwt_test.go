package jwt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/auth"
	"github.com/rhuss/plume/pkg/service"
)

// testKeyPair holds the RSA key pair used throughout the tests.
var testKeyPair *rsa.PrivateKey

func init() {
	var err error
	testKeyPair, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(fmt.Sprintf("generating test RSA key: %v", err))
	}
}

const (
	testKID    = "test-key-1"
	testSecret = "plume-test-secret"
	testIssuer = "https://auth.example.com"
)

// jwksHandler serves the test public key as a JWKS and counts fetches.
func jwksHandler(fetchCount *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fetchCount != nil {
			fetchCount.Add(1)
		}

		pubKey := testKeyPair.PublicKey
		jwks := map[string]any{
			"keys": []map[string]string{
				{
					"kty": "RSA",
					"kid": testKID,
					"use": "sig",
					"n":   base64.RawURLEncoding.EncodeToString(pubKey.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pubKey.E)).Bytes()),
				},
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jwks)
	}
}

func createRSAToken(t *testing.T, claims jwtlib.MapClaims) string {
	t.Helper()
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, claims)
	token.Header["kid"] = testKID

	tokenStr, err := token.SignedString(testKeyPair)
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return tokenStr
}

func createHMACToken(t *testing.T, secret string, claims jwtlib.MapClaims) string {
	t.Helper()
	tokenStr, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return tokenStr
}

func validClaims() jwtlib.MapClaims {
	return jwtlib.MapClaims{
		"sub": "user-123",
		"iss": testIssuer,
		"aud": "my-api",
		"exp": time.Now().Add(1 * time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
}

// newTestStrategy creates a JWKS server and a strategy accepting both
// HMAC and RSA tokens.
func newTestStrategy(t *testing.T, cfgOverride func(*Config), fetchCount *atomic.Int32) *Strategy {
	t.Helper()

	server := httptest.NewServer(jwksHandler(fetchCount))
	t.Cleanup(server.Close)

	cfg := Config{
		Secret:   testSecret,
		Issuer:   testIssuer,
		Audience: "my-api",
		JWKSURL:  server.URL + "/.well-known/jwks.json",
		CacheTTL: 1 * time.Hour,
	}
	if cfgOverride != nil {
		cfgOverride(&cfg)
	}

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func bearerContext(token string) *service.Context {
	hc := service.NewContext("users", service.Find)
	hc.SetHeader("Authorization", "Bearer "+token)
	return hc
}

func TestJWT_ValidRSAToken(t *testing.T) {
	s := newTestStrategy(t, nil, nil)

	p, err := s.Authenticate(context.Background(), bearerContext(createRSAToken(t, validClaims())))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Subject != "user-123" {
		t.Errorf("Subject = %q, want %q", p.Subject, "user-123")
	}
	if p.Strategy != StrategyName {
		t.Errorf("Strategy = %q, want %q", p.Strategy, StrategyName)
	}
}

func TestJWT_ValidHMACToken(t *testing.T) {
	s := newTestStrategy(t, nil, nil)

	claims := validClaims()
	claims["permissions"] = []any{"users:find", "messages:*"}
	p, err := s.Authenticate(context.Background(), bearerContext(createHMACToken(t, testSecret, claims)))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	want := []string{"users:find", "messages:*"}
	if !reflect.DeepEqual(p.Permissions, want) {
		t.Errorf("Permissions = %v, want %v", p.Permissions, want)
	}
}

func TestJWT_PayloadAccessToken(t *testing.T) {
	s := newTestStrategy(t, nil, nil)
	token := createHMACToken(t, testSecret, validClaims())

	hc := service.NewContext("authentication", service.Create)
	hc.Data = api.Record{"strategy": "jwt", "accessToken": token}
	if _, err := s.Authenticate(context.Background(), hc); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}

func TestJWT_Rejections(t *testing.T) {
	s := newTestStrategy(t, nil, nil)

	expired := validClaims()
	expired["exp"] = time.Now().Add(-1 * time.Hour).Unix()
	noExp := validClaims()
	delete(noExp, "exp")
	wrongAud := validClaims()
	wrongAud["aud"] = "other-api"
	wrongIss := validClaims()
	wrongIss["iss"] = "https://evil.example.com"
	noSub := validClaims()
	delete(noSub, "sub")

	tests := []struct {
		name  string
		token string
	}{
		{"expired", createRSAToken(t, expired)},
		{"missing exp", createHMACToken(t, testSecret, noExp)},
		{"wrong audience", createRSAToken(t, wrongAud)},
		{"wrong issuer", createHMACToken(t, testSecret, wrongIss)},
		{"missing sub", createHMACToken(t, testSecret, noSub)},
		{"wrong secret", createHMACToken(t, "other-secret", validClaims())},
		{"garbage", "not-a-jwt"},
		{"partial jwt", "eyJhbGciOiJSUzI1NiJ9.invalidpayload"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := s.Authenticate(context.Background(), bearerContext(tc.token))
			if err == nil {
				t.Fatalf("Authenticate succeeded with %+v, want rejection", p)
			}
			if errors.Is(err, auth.ErrNoCredentials) {
				t.Errorf("error = %v, want rejection not abstention", err)
			}
		})
	}
}

func TestJWT_NoBearerToken(t *testing.T) {
	s := newTestStrategy(t, nil, nil)

	tests := []struct {
		name   string
		header string
		data   api.Record
	}{
		{"no header", "", nil},
		{"basic auth", "Basic dXNlcjpwYXNz", nil},
		{"empty bearer", "Bearer ", nil},
		{"local payload", "", api.Record{"strategy": "local", "email": "a", "password": "b"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hc := service.NewContext("authentication", service.Create)
			if tc.header != "" {
				hc.SetHeader("Authorization", tc.header)
			}
			hc.Data = tc.data

			_, err := s.Authenticate(context.Background(), hc)
			if !errors.Is(err, auth.ErrNoCredentials) {
				t.Fatalf("error = %v, want ErrNoCredentials", err)
			}
		})
	}
}

func TestJWT_HMACOnlyRejectsRSA(t *testing.T) {
	s, err := New(Config{Secret: testSecret})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Authenticate(context.Background(), bearerContext(createRSAToken(t, validClaims()))); err == nil {
		t.Error("RSA token accepted without a JWKS endpoint")
	}
}

func TestJWT_PermissionsFromScopeString(t *testing.T) {
	s := newTestStrategy(t, func(c *Config) { c.PermissionsClaim = "scope" }, nil)

	claims := validClaims()
	claims["scope"] = "users:find  users:get"
	p, err := s.Authenticate(context.Background(), bearerContext(createRSAToken(t, claims)))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !reflect.DeepEqual(p.Permissions, []string{"users:find", "users:get"}) {
		t.Errorf("Permissions = %v", p.Permissions)
	}
}

func TestJWT_JWKSCaching(t *testing.T) {
	var fetchCount atomic.Int32
	s := newTestStrategy(t, nil, &fetchCount)
	token := createRSAToken(t, validClaims())

	for i := 0; i < 5; i++ {
		if _, err := s.Authenticate(context.Background(), bearerContext(token)); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	if count := fetchCount.Load(); count != 1 {
		t.Errorf("JWKS fetch count = %d, want 1 (caching broken)", count)
	}
}

func TestJWT_NoIssuerValidation(t *testing.T) {
	s := newTestStrategy(t, func(c *Config) { c.Issuer = ""; c.Audience = "" }, nil)

	claims := validClaims()
	claims["iss"] = "https://anything.example.com"
	claims["aud"] = "anything"
	if _, err := s.Authenticate(context.Background(), bearerContext(createHMACToken(t, testSecret, claims))); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}

func TestNew_RequiresKeys(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNoKeys) {
		t.Errorf("New(Config{}) error = %v, want ErrNoKeys", err)
	}
}

func TestIssue_RoundTrip(t *testing.T) {
	s := newTestStrategy(t, nil, nil)

	token, err := s.Issue(&auth.Principal{Subject: "42", Permissions: []string{"*"}})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	p, err := s.Authenticate(context.Background(), bearerContext(token))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Subject != "42" {
		t.Errorf("Subject = %q, want 42", p.Subject)
	}
	if !p.HasPermission("users:remove") {
		t.Error("wildcard permission lost in token")
	}
	if p.Metadata[MetaTokenID] == "" {
		t.Error("issued token carries no jti")
	}
	if p.Metadata[MetaExpires] == "" {
		t.Error("expiry not recorded in metadata")
	}
}

func TestIssue_Expiry(t *testing.T) {
	s := newTestStrategy(t, func(c *Config) { c.Expiry = time.Minute }, nil)
	issuedAt := time.Now()
	s.now = func() time.Time { return issuedAt }

	token, err := s.Issue(&auth.Principal{Subject: "42"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	s.now = func() time.Time { return issuedAt.Add(2 * time.Minute) }
	if _, err := s.Authenticate(context.Background(), bearerContext(token)); err == nil {
		t.Error("expired issued token accepted")
	}
}

func TestIssue_Errors(t *testing.T) {
	server := httptest.NewServer(jwksHandler(nil))
	defer server.Close()

	s, err := New(Config{JWKSURL: server.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Issue(&auth.Principal{Subject: "x"}); !errors.Is(err, ErrNoSecret) {
		t.Errorf("Issue without secret: err = %v, want ErrNoSecret", err)
	}

	s = newTestStrategy(t, nil, nil)
	if _, err := s.Issue(&auth.Principal{}); err == nil {
		t.Error("Issue without subject should fail")
	}
}

func TestRevoke(t *testing.T) {
	revocations, err := NewMemoryRevocations(16)
	if err != nil {
		t.Fatalf("NewMemoryRevocations: %v", err)
	}
	s := newTestStrategy(t, func(c *Config) { c.Revocations = revocations }, nil)

	token, err := s.Issue(&auth.Principal{Subject: "42"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	p, err := s.Authenticate(context.Background(), bearerContext(token))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if err := s.Revoke(context.Background(), p); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := s.Authenticate(context.Background(), bearerContext(token)); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("revoked token: err = %v, want ErrTokenRevoked", err)
	}

	other, _ := s.Issue(&auth.Principal{Subject: "42"})
	if _, err := s.Authenticate(context.Background(), bearerContext(other)); err != nil {
		t.Errorf("unrelated token rejected: %v", err)
	}
}

func TestMemoryRevocations_ExpiredEntries(t *testing.T) {
	r, _ := NewMemoryRevocations(4)
	now := time.Now()
	r.now = func() time.Time { return now }
	ctx := context.Background()

	r.Revoke(ctx, "a", now.Add(time.Minute))
	if revoked, _ := r.Revoked(ctx, "a"); !revoked {
		t.Fatal("token not revoked")
	}

	now = now.Add(2 * time.Minute)
	if revoked, _ := r.Revoked(ctx, "a"); revoked {
		t.Error("revocation outlived the token")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after expiry", r.Len())
	}
}

func TestMemoryRevocations_Bounded(t *testing.T) {
	r, _ := NewMemoryRevocations(2)
	ctx := context.Background()
	until := time.Now().Add(time.Hour)
	for _, id := range []string{"a", "b", "c"} {
		r.Revoke(ctx, id, until)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
	if revoked, _ := r.Revoked(ctx, "a"); revoked {
		t.Error("oldest entry should have been evicted")
	}
}
