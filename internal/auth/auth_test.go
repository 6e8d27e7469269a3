package auth

import (
	"context"
	"testing"
)

func TestFingerprintIsStable(t *testing.T) {
	creds := Credentials{
		APIKey:      "key-123",
		AccessToken: "tok-456",
		Env:         map[string]string{"FOO": "bar", "BAZ": "qux"},
	}
	if creds.Fingerprint() != creds.Fingerprint() {
		t.Error("fingerprint must be deterministic")
	}
}

func TestFingerprintIgnoresEnvMapOrder(t *testing.T) {
	a := Credentials{
		APIKey:      "k",
		AccessToken: "t",
		Env:         map[string]string{"A": "1", "B": "2", "C": "3"},
	}
	b := Credentials{
		APIKey:      "k",
		AccessToken: "t",
		Env:         map[string]string{"C": "3", "B": "2", "A": "1"},
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical env material must fingerprint identically regardless of map order")
	}
}

func TestFingerprintSensitiveToEveryField(t *testing.T) {
	base := Credentials{APIKey: "k", AccessToken: "t", Env: map[string]string{"A": "1"}}
	variants := []Credentials{
		{APIKey: "k2", AccessToken: "t", Env: map[string]string{"A": "1"}},
		{APIKey: "k", AccessToken: "t2", Env: map[string]string{"A": "1"}},
		{APIKey: "k", AccessToken: "t", Env: map[string]string{"A": "2"}},
		{APIKey: "k", AccessToken: "t", Env: map[string]string{"B": "1"}},
		{APIKey: "k", AccessToken: "t"},
	}
	for i, v := range variants {
		if v.Fingerprint() == base.Fingerprint() {
			t.Errorf("variant %d must produce a different fingerprint", i)
		}
	}
}

func TestFingerprintFieldBoundaries(t *testing.T) {
	// Length prefixing must keep adjacent fields from blurring together.
	a := Credentials{APIKey: "ab", AccessToken: "c"}
	b := Credentials{APIKey: "a", AccessToken: "bc"}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("shifting bytes across field boundaries must change the fingerprint")
	}
}

func TestFingerprintsEqual(t *testing.T) {
	fp := Credentials{APIKey: "k", AccessToken: "t"}.Fingerprint()
	if !FingerprintsEqual(fp, fp) {
		t.Error("identical fingerprints must compare equal")
	}
	if FingerprintsEqual(fp, fp+"0") {
		t.Error("different fingerprints must not compare equal")
	}
	if FingerprintsEqual(fp, "") {
		t.Error("empty fingerprint must not match")
	}
}

func TestPresenceValidator(t *testing.T) {
	v := PresenceValidator{}
	ctx := context.Background()

	if err := v.Validate(ctx, Credentials{APIKey: "k", AccessToken: "t"}); err != nil {
		t.Errorf("non-empty credentials should pass: %v", err)
	}
	if err := v.Validate(ctx, Credentials{AccessToken: "t"}); err != ErrInvalidCredentials {
		t.Errorf("missing api key should fail with ErrInvalidCredentials, got %v", err)
	}
	if err := v.Validate(ctx, Credentials{APIKey: "k"}); err != ErrInvalidCredentials {
		t.Errorf("missing token should fail with ErrInvalidCredentials, got %v", err)
	}
}
