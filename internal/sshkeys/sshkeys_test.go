package sshkeys

import (
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestGenerateKeyPair(t *testing.T) {
	pubKey, privKey, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	parsed, comment, _, _, err := ssh.ParseAuthorizedKey(pubKey)
	if err != nil {
		t.Fatalf("public key is not valid authorized_keys format: %v", err)
	}
	if parsed.Type() != "ssh-ed25519" {
		t.Errorf("expected key type ssh-ed25519, got %s", parsed.Type())
	}
	if comment != keyComment {
		t.Errorf("comment = %q, want %q", comment, keyComment)
	}

	block, _ := pem.Decode(privKey)
	if block == nil {
		t.Fatal("private key is not valid PEM")
	}

	signer, err := ParsePrivateKey(privKey)
	if err != nil {
		t.Fatalf("private key cannot be parsed: %v", err)
	}
	if string(signer.PublicKey().Marshal()) != string(parsed.Marshal()) {
		t.Error("public key does not match private key")
	}
}

func TestGenerateKeyPairUniqueness(t *testing.T) {
	pub1, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("first GenerateKeyPair() error: %v", err)
	}
	pub2, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("second GenerateKeyPair() error: %v", err)
	}
	if string(pub1) == string(pub2) {
		t.Error("two generated key pairs have identical public keys")
	}
}

func TestEnsureKeyPair_GeneratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "id_ed25519")

	kp, err := EnsureKeyPair(path, "")
	if err != nil {
		t.Fatalf("EnsureKeyPair() error: %v", err)
	}
	if kp.Path() != path {
		t.Errorf("Path() = %q, want %q", kp.Path(), path)
	}
	if !kp.Exists() {
		t.Fatal("key pair should exist after EnsureKeyPair")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("private key permissions = %o, want 600", perm)
	}

	first, err := kp.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey() error: %v", err)
	}

	kp2, err := EnsureKeyPair(path, "")
	if err != nil {
		t.Fatalf("second EnsureKeyPair() error: %v", err)
	}
	second, _ := kp2.PublicKey()
	if first != second {
		t.Error("EnsureKeyPair regenerated an existing key")
	}
	if !strings.HasPrefix(first, "ssh-ed25519 ") {
		t.Errorf("unexpected public key: %q", first)
	}
}

func TestEnsureKeyPair_FallsBack(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can write to read-only directories")
	}
	base := t.TempDir()
	readOnly := filepath.Join(base, "ro")
	if err := os.Mkdir(readOnly, 0500); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	defer os.Chmod(readOnly, 0700)

	fallback := filepath.Join(base, "home", ".ssh-mcp", "id_ed25519")
	kp, err := EnsureKeyPair(filepath.Join(readOnly, "id_ed25519"), fallback)
	if err != nil {
		t.Fatalf("EnsureKeyPair() error: %v", err)
	}
	if kp.Path() != fallback {
		t.Errorf("Path() = %q, want fallback %q", kp.Path(), fallback)
	}
	if !kp.Exists() {
		t.Error("fallback key pair should exist")
	}
}

func TestEnsureKeyPair_PrimaryIsAFile(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	fallback := filepath.Join(base, "fallback", "id_ed25519")
	kp, err := EnsureKeyPair(filepath.Join(blocker, "id_ed25519"), fallback)
	if err != nil {
		t.Fatalf("EnsureKeyPair() error: %v", err)
	}
	if kp.Path() != fallback {
		t.Errorf("Path() = %q, want %q", kp.Path(), fallback)
	}
}

func TestPublicKey_NotGenerated(t *testing.T) {
	kp := NewKeyPair(filepath.Join(t.TempDir(), "missing"))
	if kp.Exists() {
		t.Fatal("Exists() = true for missing key")
	}
	_, err := kp.PublicKey()
	if !errors.Is(err, ErrNotGenerated) {
		t.Errorf("PublicKey() error = %v, want ErrNotGenerated", err)
	}

	var nilPair *KeyPair
	if _, err := nilPair.PublicKey(); !errors.Is(err, ErrNotGenerated) {
		t.Errorf("nil PublicKey() error = %v, want ErrNotGenerated", err)
	}
}

func TestFingerprint(t *testing.T) {
	kp, err := EnsureKeyPair(filepath.Join(t.TempDir(), "id_ed25519"), "")
	if err != nil {
		t.Fatalf("EnsureKeyPair() error: %v", err)
	}
	fp, err := kp.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint() error: %v", err)
	}
	signer, err := LoadSigner(kp.Path())
	if err != nil {
		t.Fatalf("LoadSigner() error: %v", err)
	}
	if want := ssh.FingerprintSHA256(signer.PublicKey()); fp != want {
		t.Errorf("Fingerprint() = %q, want %q", fp, want)
	}
}
