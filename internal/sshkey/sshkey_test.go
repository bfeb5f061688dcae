package sshkey

import (
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestGenerateProducesValidAuthorizedKeysLine(t *testing.T) {
	pair, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasPrefix(pair.AuthorizedKeysLine, "ssh-ed25519 ") {
		t.Fatalf("authorized_keys line = %q, want ssh-ed25519 prefix", pair.AuthorizedKeysLine)
	}

	signer, err := ssh.ParsePrivateKey(pair.OpenSSHPrivateKeyPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKey round-trip: %v", err)
	}
	if signer.PublicKey().Type() != "ssh-ed25519" {
		t.Fatalf("round-tripped key type = %q", signer.PublicKey().Type())
	}
}

func TestWriteFilesAndLoadPairRoundTrip(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "id_private")

	pair, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := pair.WriteFiles(priv); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}

	loaded, err := LoadPair(priv)
	if err != nil {
		t.Fatalf("LoadPair: %v", err)
	}
	if loaded.AuthorizedKeysLine != pair.AuthorizedKeysLine {
		t.Fatalf("loaded key = %q, want %q", loaded.AuthorizedKeysLine, pair.AuthorizedKeysLine)
	}
}

func TestTwoGeneratesProduceDistinctKeys(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if a.AuthorizedKeysLine == b.AuthorizedKeysLine {
		t.Fatal("expected distinct ephemeral key pairs")
	}
}
