package authn

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func setSecret(t *testing.T) {
	t.Helper()
	t.Setenv("GRANTA_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestTokenRoundTrip(t *testing.T) {
	setSecret(t)

	token, err := GenerateToken("ops@example.com", []string{ScopeAdmin, ScopeAdmin, "reports:read"}, time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "ops@example.com" {
		t.Fatalf("subject = %q", claims.Subject)
	}
	if !claims.HasScope(ScopeAdmin) || !claims.HasScope("reports:read") {
		t.Fatalf("scopes lost: %v", claims.Scopes)
	}
	if claims.HasScope("other:scope") {
		t.Fatal("unexpected scope accepted")
	}
	// Duplicate scopes collapse.
	count := 0
	for _, s := range claims.Scopes {
		if s == ScopeAdmin {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("admin scope appears %d times", count)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	setSecret(t)

	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "ops@example.com",
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token err = %v, want ErrInvalidToken", err)
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	setSecret(t)

	if _, err := GenerateToken("", []string{ScopeAdmin}, time.Minute); err == nil {
		t.Fatal("empty subject must be rejected")
	}
	if _, err := GenerateToken("ops@example.com", nil, 0); err == nil {
		t.Fatal("zero ttl must be rejected")
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	setSecret(t)

	token, err := GenerateToken("ops@example.com", []string{ScopeAdmin}, time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %q", token)
	}
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := ParseAndValidate(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered token err = %v, want ErrInvalidToken", err)
	}
}

func TestEnabledFollowsSecret(t *testing.T) {
	t.Setenv("GRANTA_AUTH_SECRET", "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
	if Enabled() {
		t.Fatal("auth must be disabled without a secret")
	}

	t.Setenv("GRANTA_AUTH_SECRET", "xyz")
	ResetSecretForTests()
	if !Enabled() {
		t.Fatal("auth must be enabled with a secret")
	}
}

func TestApplicationContext(t *testing.T) {
	ctx := ContextWithApplication(t.Context(), "docs")
	code, ok := ApplicationFromContext(ctx)
	if !ok || code != "docs" {
		t.Fatalf("application = (%q, %v)", code, ok)
	}
	if _, ok := ApplicationFromContext(t.Context()); ok {
		t.Fatal("empty context must not carry an application")
	}
}
