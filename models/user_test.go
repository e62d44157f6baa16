package models

import (
	"os"
	"testing"
)

func TestCreateAndAuthenticateUser(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	user, err := CreateUser(UserRegisterInput{Username: "Rounder1", Password: "collect-em-all"})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if user.Username != "rounder1" {
		t.Errorf("usernames should normalize to lowercase: %s", user.Username)
	}
	if user.GUID == "" {
		t.Error("user should get a guid")
	}

	// Duplicate username rejected.
	if _, err := CreateUser(UserRegisterInput{Username: "rounder1", Password: "collect-em-all"}); err == nil {
		t.Error("duplicate username should be rejected")
	}

	// Wrong password: nil user, nil error.
	got, err := AuthenticateUser("rounder1", "wrong")
	if err != nil {
		t.Fatalf("authenticate errored: %v", err)
	}
	if got != nil {
		t.Error("wrong password should not authenticate")
	}

	got, err = AuthenticateUser("rounder1", "collect-em-all")
	if err != nil || got == nil {
		t.Fatalf("valid credentials should authenticate: %v", err)
	}
	if got.GUID != user.GUID {
		t.Error("authenticated user mismatch")
	}
}

func TestCreateUserValidation(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	if _, err := CreateUser(UserRegisterInput{Username: "ab", Password: "long-enough-pw"}); err == nil {
		t.Error("short username should be rejected")
	}
	if _, err := CreateUser(UserRegisterInput{Username: "valid", Password: "short"}); err == nil {
		t.Error("short password should be rejected")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	os.Setenv(JWTSecretEnvVar, "test-secret-that-is-long-enough-0123456789")
	defer os.Unsetenv(JWTSecretEnvVar)
	if err := InitJWT(); err != nil {
		t.Fatalf("init jwt failed: %v", err)
	}

	user := &User{GUID: "user-guid-1", Username: "rounder1"}
	token, err := GenerateToken(user)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	claims, err := ValidateToken(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims.UserGUID != "user-guid-1" || claims.Username != "rounder1" {
		t.Errorf("claims mismatch: %+v", claims)
	}

	if _, err := ValidateToken(token + "tampered"); err == nil {
		t.Error("tampered token should fail validation")
	}
}
