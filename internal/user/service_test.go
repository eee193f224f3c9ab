package user

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mintToken(t *testing.T, secret string, id int, username string, expiresIn time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:       id,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "go-converse",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
	})
	ss, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return ss
}

func TestValidateToken(t *testing.T) {
	svc := NewService(nil, "test-secret")

	id, username, err := svc.ValidateToken(mintToken(t, "test-secret", 7, "olivia", time.Hour))
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if id != 7 || username != "olivia" {
		t.Errorf("ValidateToken() = (%d, %q), want (7, olivia)", id, username)
	}
}

func TestValidateToken_WrongSecret(t *testing.T) {
	svc := NewService(nil, "test-secret")

	if _, _, err := svc.ValidateToken(mintToken(t, "other-secret", 7, "olivia", time.Hour)); err == nil {
		t.Error("ValidateToken() accepted a token signed with the wrong secret")
	}
}

func TestValidateToken_Expired(t *testing.T) {
	svc := NewService(nil, "test-secret")

	if _, _, err := svc.ValidateToken(mintToken(t, "test-secret", 7, "olivia", -time.Minute)); err == nil {
		t.Error("ValidateToken() accepted an expired token")
	}
}

func TestValidateToken_Garbage(t *testing.T) {
	svc := NewService(nil, "test-secret")

	if _, _, err := svc.ValidateToken("not.a.token"); err == nil {
		t.Error("ValidateToken() accepted garbage")
	}
}
