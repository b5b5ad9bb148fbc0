package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	svc, err := NewTokenService("unit-test-secret", time.Minute)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	token, err := svc.Issue("profile-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	profileID, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if profileID != "profile-1" {
		t.Fatalf("expected profile-1, got %q", profileID)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	svc, err := NewTokenService("unit-test-secret", time.Minute)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	svc.ttl = -time.Minute
	token, err := svc.Issue("profile-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	issuer, err := NewTokenService("issuer-secret", time.Minute)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	verifier, err := NewTokenService("other-secret", time.Minute)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	token, err := issuer.Issue("profile-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestVerifyRequiresToken(t *testing.T) {
	svc, err := NewTokenService("unit-test-secret", time.Minute)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	if _, err := svc.Verify("  "); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected ErrTokenRequired, got %v", err)
	}
}

func TestNewTokenServiceRequiresSecret(t *testing.T) {
	if _, err := NewTokenService("   ", time.Minute); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
