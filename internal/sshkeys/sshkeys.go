package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// keyComment is appended to generated public keys so they can be recognised
// in authorized_keys files.
const keyComment = "sshmux"

// ErrNotGenerated is returned when the public key file does not exist.
var ErrNotGenerated = errors.New("system key not generated yet")

// GenerateKeyPair generates an ED25519 key pair and returns the
// OpenSSH-format public key and the PEM-encoded private key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	publicKey = []byte(authorized + " " + keyComment + "\n")

	return publicKey, privateKeyPEM, nil
}

// KeyPair is the system key pair persisted at Path (private key) and
// Path+".pub" (public key).
type KeyPair struct {
	path string
}

// NewKeyPair returns a KeyPair rooted at path without touching the disk.
func NewKeyPair(path string) *KeyPair {
	return &KeyPair{path: path}
}

// EnsureKeyPair makes sure a key pair exists at primaryPath, generating it if
// needed. When primaryPath is unusable it retries at fallbackPath.
func EnsureKeyPair(primaryPath, fallbackPath string) (*KeyPair, error) {
	kp := NewKeyPair(primaryPath)
	err := kp.ensure()
	if err == nil {
		return kp, nil
	}
	if fallbackPath == "" || fallbackPath == primaryPath {
		return nil, err
	}

	log.Printf("[sshkeys] could not use %s (%v), falling back to %s", primaryPath, err, fallbackPath)
	kp = NewKeyPair(fallbackPath)
	if err := kp.ensure(); err != nil {
		return nil, fmt.Errorf("fallback key location: %w", err)
	}
	return kp, nil
}

// Path returns the private key path.
func (kp *KeyPair) Path() string {
	return kp.path
}

// PublicKeyPath returns the public key path.
func (kp *KeyPair) PublicKeyPath() string {
	return kp.path + ".pub"
}

// Exists reports whether both key files are present.
func (kp *KeyPair) Exists() bool {
	if kp == nil || kp.path == "" {
		return false
	}
	if _, err := os.Stat(kp.path); err != nil {
		return false
	}
	if _, err := os.Stat(kp.PublicKeyPath()); err != nil {
		return false
	}
	return true
}

// PublicKey reads the persisted public key (authorized_keys format, trimmed).
func (kp *KeyPair) PublicKey() (string, error) {
	if kp == nil || kp.path == "" {
		return "", ErrNotGenerated
	}
	data, err := os.ReadFile(kp.PublicKeyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotGenerated
		}
		return "", fmt.Errorf("read public key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Fingerprint returns the SHA256 fingerprint of the persisted public key.
func (kp *KeyPair) Fingerprint() (string, error) {
	pub, err := kp.PublicKey()
	if err != nil {
		return "", err
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pub))
	if err != nil {
		return "", fmt.Errorf("parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(parsed), nil
}

// ensure creates the key directory and generates the pair if it is missing.
// An existing readable pair is accepted even in a read-only directory.
func (kp *KeyPair) ensure() error {
	if kp.Exists() {
		if _, err := LoadSigner(kp.path); err != nil {
			return err
		}
		return nil
	}

	dir := filepath.Dir(kp.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create key directory %s: %w", dir, err)
	}
	if err := checkWritable(dir); err != nil {
		return err
	}

	log.Printf("[sshkeys] generating new system key pair at %s", kp.path)
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := os.WriteFile(kp.path, priv, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(kp.PublicKeyPath(), pub, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	log.Printf("[sshkeys] system key pair saved to %s", dir)
	return nil
}

// checkWritable probes dir by creating and removing a temporary file.
func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".sshmux-probe-*")
	if err != nil {
		return fmt.Errorf("key directory is not writable: %s: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return nil
}

// LoadSigner reads and parses a private key file into an ssh.Signer.
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParsePrivateKey(data)
}

// ParsePrivateKey parses a PEM-encoded private key into an ssh.Signer.
func ParsePrivateKey(privateKeyPEM []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
