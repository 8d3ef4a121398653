package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/taskgate/pkg/models"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	token, err := service.Generate(&models.User{ID: "user-1", Email: "user@example.com", Name: "User", TenantID: "t-1"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	user, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if user.ID != "user-1" {
		t.Fatalf("expected user id, got %q", user.ID)
	}
	if user.Email != "user@example.com" {
		t.Fatalf("expected email, got %q", user.Email)
	}
	if user.Name != "User" {
		t.Fatalf("expected name, got %q", user.Name)
	}
	if user.TenantID != "t-1" {
		t.Fatalf("expected tenant, got %q", user.TenantID)
	}
}

func TestJWTServiceRejectsForeignSignature(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	other := NewJWTService("other", time.Hour)
	token, err := other.Generate(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := service.Validate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTServiceRejectsNoneAlgorithm(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}
	if _, err := service.Validate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTServiceIssuer(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	service.issuer = "taskgate"
	token, err := service.Generate(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := service.Validate(token); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	unscoped := NewJWTService("secret", time.Hour)
	foreign, err := unscoped.Generate(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := service.Validate(foreign); err != ErrInvalidToken {
		t.Fatalf("expected issuer mismatch to fail, got %v", err)
	}
}
