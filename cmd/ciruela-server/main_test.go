package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func TestParseKeyringEmptySpec(t *testing.T) {
	kr, err := parseKeyring("")
	if err != nil {
		t.Fatalf("parseKeyring(\"\"): %v", err)
	}
	if len(kr) != 0 {
		t.Fatalf("expected an empty keyring, got %d entries", len(kr))
	}
}

func TestParseKeyringParsesEntries(t *testing.T) {
	pub1, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pub2, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	spec := "alice=" + base64.StdEncoding.EncodeToString(pub1) + ",bob=" + base64.StdEncoding.EncodeToString(pub2)

	kr, err := parseKeyring(spec)
	if err != nil {
		t.Fatalf("parseKeyring: %v", err)
	}
	if len(kr) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(kr))
	}
	if !kr["alice"].Equal(pub1) {
		t.Fatal("alice's public key did not round-trip")
	}
	if !kr["bob"].Equal(pub2) {
		t.Fatal("bob's public key did not round-trip")
	}
}

func TestParseKeyringRejectsMissingEquals(t *testing.T) {
	if _, err := parseKeyring("no-equals-here"); err == nil {
		t.Fatal("expected an error for an entry without signer=base64pubkey shape")
	}
}

func TestParseKeyringRejectsBadBase64(t *testing.T) {
	if _, err := parseKeyring("alice=not-valid-base64!!"); err == nil {
		t.Fatal("expected an error for invalid base64")
	}
}

func TestParseKeyringRejectsWrongKeyLength(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	if _, err := parseKeyring("alice=" + short); err == nil {
		t.Fatal("expected an error for a public key that isn't 32 bytes")
	}
}

func TestRunRejectsBadFlag(t *testing.T) {
	if code := run([]string{"--not-a-real-flag"}); code != 1 {
		t.Fatalf("expected exit 1 for an unrecognized flag, got %d", code)
	}
}

func TestRunRejectsBadKeyring(t *testing.T) {
	if code := run([]string{"--keyring", "garbage-no-equals"}); code != 1 {
		t.Fatalf("expected exit 1 for an invalid --keyring spec, got %d", code)
	}
}
