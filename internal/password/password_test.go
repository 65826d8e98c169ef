package password

import "testing"

func TestHashAndVerifyRoundTrip(t *testing.T) {
	h := NewBcryptHasher(bcryptTestCost)

	hash, err := h.Hash("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !h.Verify("correct-horse-battery-staple", hash) {
		t.Fatal("expected the original password to verify")
	}
	if h.Verify("wrong-password", hash) {
		t.Fatal("expected a wrong password to fail verification")
	}
}

func TestNewBcryptHasherDefaultsCost(t *testing.T) {
	h := NewBcryptHasher(0)
	hash, err := h.Hash("x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !h.Verify("x", hash) {
		t.Fatal("expected default-cost hasher to verify its own hash")
	}
}

// bcryptTestCost keeps the test suite fast: the minimum valid bcrypt cost.
const bcryptTestCost = 4
