// Package sshkey mints the ephemeral ed25519 identity each VM boot uses to
// authenticate over the remote shell channel. Grounded on
// golang.org/x/crypto/ssh's key marshaling, confirmed idiomatic for this
// exact purpose by the ed25519-keygen-then-ssh.ParsePrivateKey round trip
// in tailscale's VM integration test harness.
package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// Pair is a freshly minted or reused ed25519 key pair, plus its
// authorized_keys and OpenSSH-private-key wire encodings.
type Pair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey

	// AuthorizedKeysLine is the public key in authorized_keys format,
	// e.g. "ssh-ed25519 AAAA...\n" (no comment field, trailing newline).
	AuthorizedKeysLine string

	// OpenSSHPrivateKeyPEM is the private key in OpenSSH PEM format, the
	// format ssh -i and scp -i both accept.
	OpenSSHPrivateKeyPEM []byte
}

// Generate mints a fresh ed25519 key pair. Every boot calls this unless
// Config.ReuseSeedIfPresent opts into a colocated pre-built pair — see
// DESIGN.md's Open Questions entry on pre-built seed/key reuse.
func Generate() (*Pair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sshkey: generate: %w", err)
	}
	return fromRaw(pub, priv)
}

func fromRaw(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*Pair, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("sshkey: derive ssh public key: %w", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(priv, "carapaceos")
	if err != nil {
		return nil, fmt.Errorf("sshkey: marshal private key: %w", err)
	}

	return &Pair{
		PublicKey:            pub,
		PrivateKey:           priv,
		AuthorizedKeysLine:   string(ssh.MarshalAuthorizedKey(sshPub)),
		OpenSSHPrivateKeyPEM: pem.EncodeToMemory(pemBlock),
	}, nil
}

// WriteFiles writes the private key to privatePath (mode 0600, per spec's
// "the private key never leaves the work directory" invariant — the mode
// ensures ssh itself won't refuse it) and the public key to
// privatePath+".pub".
func (p *Pair) WriteFiles(privatePath string) error {
	if err := os.WriteFile(privatePath, p.OpenSSHPrivateKeyPEM, 0o600); err != nil {
		return fmt.Errorf("sshkey: write private key: %w", err)
	}
	if err := os.WriteFile(privatePath+".pub", []byte(p.AuthorizedKeysLine), 0o644); err != nil {
		return fmt.Errorf("sshkey: write public key: %w", err)
	}
	return nil
}

// LoadPair reads a pre-built key pair from disk (the colocated
// base-image-adjacent pair referenced by Config.ReuseSeedIfPresent). The
// returned Pair's PrivateKey field is left nil; the private key is carried
// only as OpenSSHPrivateKeyPEM.
func LoadPair(privatePath string) (*Pair, error) {
	raw, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("sshkey: read %s: %w", privatePath, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("sshkey: parse %s: %w", privatePath, err)
	}
	edKey, ok := signer.PublicKey().(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("sshkey: %s is not an ed25519 key", privatePath)
	}
	pub, ok := edKey.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("sshkey: %s is not an ed25519 key", privatePath)
	}
	return &Pair{
		PublicKey:            pub,
		AuthorizedKeysLine:   string(ssh.MarshalAuthorizedKey(signer.PublicKey())),
		OpenSSHPrivateKeyPEM: raw,
	}, nil
}
