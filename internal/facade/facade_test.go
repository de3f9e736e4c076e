package facade

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	dir := t.TempDir()
	n, err := New(Config{KeypairPath: filepath.Join(dir, "peer_keypair.bin")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(n.Shutdown)
	return n
}

func TestTwoNodesConnectAndListDir(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	shared := t.TempDir()
	if err := os.WriteFile(filepath.Join(shared, "hello.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := a.ShareReadOnlyFolder(shared); err != nil {
		t.Fatalf("ShareReadOnlyFolder: %v", err)
	}

	addrs := a.Addrs()
	if len(addrs) == 0 {
		t.Fatalf("expected node a to have at least one listen address")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	targetID, err := b.Connect(ctx, addrs[0])
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if targetID != a.ID() {
		t.Fatalf("expected to connect to node a's id %s, got %s", a.ID(), targetID)
	}

	entries, err := b.ListDir(ctx, targetID, shared)
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(entries.Entries) != 1 || entries.Entries[0].Name != "hello.txt" {
		t.Fatalf("unexpected entries: %+v", entries.Entries)
	}
}

func TestLocalCallsBypassTheNetwork(t *testing.T) {
	n := newTestNode(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx := context.Background()
	entries, err := n.ListDir(ctx, "", dir)
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(entries.Entries) != 1 || entries.Entries[0].Name != "a.txt" {
		t.Fatalf("unexpected entries: %+v", entries.Entries)
	}
}

func TestAsyncCallHonorsContextDeadline(t *testing.T) {
	n := newTestNode(t)

	_, pub, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatalf("GenerateEd25519Key: %v", err)
	}
	unreachable, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("IDFromPublicKey: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = n.ListCpus(ctx, unreachable)
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected error wrapping context.DeadlineExceeded, got %v", err)
	}
	// actor.RequestTimeout is 15s; a ctx-honoring call must return long
	// before that once its own, much shorter, deadline expires.
	if elapsed > 5*time.Second {
		t.Fatalf("expected ListCpus to return once ctx expired, took %s", elapsed)
	}
}
