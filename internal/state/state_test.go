package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

func mustPeerID(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatalf("GenerateEd25519Key: %v", err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("IDFromPublicKey: %v", err)
	}
	return id
}

func TestHasFsAccessSelf(t *testing.T) {
	me := mustPeerID(t)
	s := New(me)
	if !s.HasFsAccess(me, "/anything", Read) {
		t.Fatalf("expected self access to always be granted")
	}
}

func TestHasFsAccessSharedFolder(t *testing.T) {
	me := mustPeerID(t)
	other := mustPeerID(t)
	s := New(me)
	s.AddSharedFolder("/home/pub", Read|Search)

	if !s.HasFsAccess(other, "/home/pub/notes.txt", Read) {
		t.Fatalf("expected shared-folder read access")
	}
	if s.HasFsAccess(other, "/home/pub/notes.txt", Write) {
		t.Fatalf("expected write access to be denied")
	}
	if s.HasFsAccess(other, "/home/private/notes.txt", Read) {
		t.Fatalf("expected access outside the shared folder to be denied")
	}
}

func TestHasFsAccessOwnerRelationship(t *testing.T) {
	me := mustPeerID(t)
	other := mustPeerID(t)
	s := New(me)
	s.GrantRelationship(other, OwnerRule{}, nil)

	if !s.HasFsAccess(other, "/any/path/at/all", Write) {
		t.Fatalf("expected an Owner relationship to grant unrestricted access")
	}
}

func TestHasFsAccessExpiredRuleSkipped(t *testing.T) {
	me := mustPeerID(t)
	other := mustPeerID(t)
	s := New(me)

	past := time.Now().Add(-time.Hour)
	s.GrantRelationship(other, FolderRuleEntry{Folder: FolderRule{Path: "/data", Flags: Read}}, &past)

	if s.HasFsAccess(other, "/data/file.txt", Read) {
		t.Fatalf("expected an expired rule to be skipped")
	}
}

func TestHasFsAccessFolderRelationshipScoped(t *testing.T) {
	me := mustPeerID(t)
	other := mustPeerID(t)
	s := New(me)
	s.GrantRelationship(other, FolderRuleEntry{Folder: FolderRule{Path: "/data", Flags: Read | Write}}, nil)

	if !s.HasFsAccess(other, "/data/sub/file.txt", Write) {
		t.Fatalf("expected scoped folder relationship to grant write access under its prefix")
	}
	if s.HasFsAccess(other, "/elsewhere/file.txt", Write) {
		t.Fatalf("expected access outside the granted folder to be denied")
	}
}

func TestCanonicalizeResolvesSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	pub := filepath.Join(root, "pub")
	secretParent := filepath.Join(root, "secret-parent")
	if err := os.Mkdir(pub, 0o755); err != nil {
		t.Fatalf("Mkdir pub: %v", err)
	}
	if err := os.Mkdir(secretParent, 0o755); err != nil {
		t.Fatalf("Mkdir secret-parent: %v", err)
	}
	secretFile := filepath.Join(secretParent, "secret.txt")
	if err := os.WriteFile(secretFile, []byte("shh"), 0o644); err != nil {
		t.Fatalf("WriteFile secret: %v", err)
	}

	escape := filepath.Join(pub, "escape")
	if err := os.Symlink(secretParent, escape); err != nil {
		t.Skipf("symlinks unsupported in this environment: %v", err)
	}

	me := mustPeerID(t)
	other := mustPeerID(t)
	s := New(me)
	if err := s.AddSharedFolder(pub, Read|Search); err != nil {
		t.Fatalf("AddSharedFolder: %v", err)
	}

	canon, err := Canonicalize(filepath.Join(escape, "secret.txt"))
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if canon != secretFile {
		t.Fatalf("expected canonicalize to resolve the symlink to %s, got %s", secretFile, canon)
	}
	if s.HasFsAccess(other, canon, Read) {
		t.Fatalf("expected the symlink escape target to fall outside the shared folder")
	}
}

func TestCanonicalizeResolvesParentForNewFile(t *testing.T) {
	dir := t.TempDir()
	canon, err := Canonicalize(filepath.Join(dir, "does-not-exist-yet.txt"))
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	if canon != filepath.Join(resolvedDir, "does-not-exist-yet.txt") {
		t.Fatalf("expected parent-resolved path, got %s", canon)
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	s := New(mustPeerID(t))
	if err := s.CreateUser("alice", "hash", nil); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := s.CreateUser("alice", "hash2", nil); err != ErrUserExists {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestPeerDiscoveredAndExpired(t *testing.T) {
	s := New(mustPeerID(t))
	other := mustPeerID(t)

	s.PeerDiscovered(other, nil)
	if len(s.DiscoveredPeers()) != 1 {
		t.Fatalf("expected one discovered peer")
	}

	s.PeerExpired(other)
	if len(s.DiscoveredPeers()) != 0 {
		t.Fatalf("expected the expired peer to be removed")
	}
}
