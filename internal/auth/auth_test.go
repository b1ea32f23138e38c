package auth

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret")

	token, err := v.Sign(42, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	userID, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != 42 {
		t.Errorf("expected user 42, got %d", userID)
	}
}

func TestVerifyRejectsEmptyToken(t *testing.T) {
	v := NewVerifier("test-secret")

	if _, err := v.Verify(""); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := NewVerifier("secret-a")
	other := NewVerifier("secret-b")

	token, err := v.Sign(7, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := other.Verify(token); err == nil {
		t.Fatal("expected error for token signed with different secret")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewVerifier("test-secret")

	// Expired well past the parser's 30s leeway.
	token, err := v.Sign(7, -5*time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestVerifyRequestQueryParam(t *testing.T) {
	v := NewVerifier("test-secret")
	token, _ := v.Sign(9, time.Hour)

	r := httptest.NewRequest("GET", "/ws?token="+token, nil)
	userID, err := v.VerifyRequest(r)
	if err != nil {
		t.Fatalf("verify request: %v", err)
	}
	if userID != 9 {
		t.Errorf("expected user 9, got %d", userID)
	}
}

func TestVerifyRequestBearerHeader(t *testing.T) {
	v := NewVerifier("test-secret")
	token, _ := v.Sign(11, time.Hour)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	userID, err := v.VerifyRequest(r)
	if err != nil {
		t.Fatalf("verify request: %v", err)
	}
	if userID != 11 {
		t.Errorf("expected user 11, got %d", userID)
	}
}

func TestVerifyRequestNoToken(t *testing.T) {
	v := NewVerifier("test-secret")

	r := httptest.NewRequest("GET", "/ws", nil)
	if _, err := v.VerifyRequest(r); err == nil {
		t.Fatal("expected error for request without token")
	}
}
