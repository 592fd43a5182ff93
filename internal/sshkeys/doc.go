// Package sshkeys manages the process-wide system key pair used as the
// default SSH credential when a caller supplies neither a password nor an
// explicit private key.
//
// # Key Lifecycle
//
// 1. Generation: [GenerateKeyPair] creates an ED25519 key pair and returns the
// public key in authorized_keys format and the private key in PEM format.
//
// 2. Placement: [EnsureKeyPair] looks for the pair at a primary path
// (typically /data/id_ed25519). If the primary directory cannot be created or
// is not writable and no key exists there yet, it falls back to a per-user
// path (typically ~/.ssh-mcp/id_ed25519). A missing key is generated once.
//
// 3. Use: the resulting [KeyPair] is read-only. It is constructed explicitly
// and handed to each multiplexer; there is no package-level singleton.
//
// The private key is written with 0600 permissions, the public key with 0644
// and the key directory with 0700.
package sshkeys
