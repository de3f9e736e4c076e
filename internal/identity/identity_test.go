package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrGenerateCreatesKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "peer_keypair.bin")

	kp, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if kp.ID == "" {
		t.Fatalf("expected a non-empty peer id")
	}
}

func TestLoadOrGenerateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer_keypair.bin")

	first, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("first LoadOrGenerate: %v", err)
	}

	second, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("second LoadOrGenerate: %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("expected stable peer id across loads, got %s and %s", first.ID, second.ID)
	}
}

func TestLoadOrGenerateCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer_keypair.bin")

	if err := os.WriteFile(path, []byte("not a keypair"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadOrGenerate(path); err == nil {
		t.Fatalf("expected an error decoding a corrupt keypair file")
	}
}
