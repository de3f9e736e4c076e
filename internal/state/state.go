// Package state holds the shared, mutex-protected node state: discovered
// peers, shared folders, relationships, and the has_fs_access ACL
// algorithm every filesystem request is gated through.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// AccessFlags is a bitset of the operations a rule grants.
type AccessFlags uint8

const (
	Read AccessFlags = 1 << iota
	Write
	Execute
	Search
)

// Has reports whether f grants every flag set in want.
func (f AccessFlags) Has(want AccessFlags) bool {
	return f&want == want
}

// FolderRule grants AccessFlags on everything under Path.
type FolderRule struct {
	Path  string
	Flags AccessFlags
}

// Rule is the tagged union a RelationshipRule carries: either an Owner
// grant (unconditional, short-circuits the scan) or a scoped FolderRule.
type Rule interface {
	isRule()
}

// OwnerRule grants unrestricted access, matching spec.md's "Owner"
// relationship tag.
type OwnerRule struct{}

func (OwnerRule) isRule() {}

// FolderRuleEntry wraps a FolderRule so it satisfies Rule.
type FolderRuleEntry struct {
	Folder FolderRule
}

func (FolderRuleEntry) isRule() {}

// RelationshipRule is one rule attached to a Relationship, with an
// optional expiry.
type RelationshipRule struct {
	Rule      Rule
	ExpiresAt *time.Time
}

// Relationship is the set of rules a peer has been granted.
type Relationship struct {
	Peer  peer.ID
	Rules []RelationshipRule
}

// DiscoveredPeer is a peer seen via mDNS (or pubsub presence), along with
// its last-known addresses.
type DiscoveredPeer struct {
	ID       peer.ID
	Addrs    []multiaddr.Multiaddr
	LastSeen time.Time
}

// Connection records a live libp2p connection to a peer.
type Connection struct {
	Peer        peer.ID
	ConnectedAt time.Time
}

// User is a local account usable by the reserved authentication surface.
type User struct {
	Username     string
	PasswordHash string
	Roles        []string
}

// ErrUserExists is returned by CreateUser for a duplicate username.
var ErrUserExists = errors.New("state: user already exists")

// State is the node's shared, mutex-protected memory.
type State struct {
	mu sync.RWMutex

	me peer.ID

	sharedFolders []FolderRule
	relationships map[peer.ID]*Relationship
	discovered    map[peer.ID]*DiscoveredPeer
	connections   map[peer.ID]*Connection
	users         map[string]*User
}

// New builds empty shared state for a node whose own peer ID is me.
func New(me peer.ID) *State {
	return &State{
		me:            me,
		relationships: make(map[peer.ID]*Relationship),
		discovered:    make(map[peer.ID]*DiscoveredPeer),
		connections:   make(map[peer.ID]*Connection),
		users:         make(map[string]*User),
	}
}

// PeerConnected records a newly-established connection.
func (s *State) PeerConnected(id peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[id] = &Connection{Peer: id, ConnectedAt: time.Now()}
}

// PeerDisconnected drops a closed connection.
func (s *State) PeerDisconnected(id peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, id)
}

// Connections returns a snapshot of currently live connections.
func (s *State) Connections() []Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Connection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, *c)
	}
	return out
}

// AddSharedFolder registers a folder the local node exposes to any peer,
// independent of any per-peer relationship. path is canonicalised
// (symlinks resolved) before insertion, per spec.md's FolderRule invariant.
func (s *State) AddSharedFolder(path string, flags AccessFlags) error {
	canon, err := Canonicalize(path)
	if err != nil {
		return fmt.Errorf("state: canonicalize shared folder %s: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sharedFolders = append(s.sharedFolders, FolderRule{Path: canon, Flags: flags})
	return nil
}

// SharedFolders returns a copy of the registered shared folders.
func (s *State) SharedFolders() []FolderRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FolderRule, len(s.sharedFolders))
	copy(out, s.sharedFolders)
	return out
}

// PeerDiscovered records or refreshes a peer seen on the LAN.
func (s *State) PeerDiscovered(id peer.ID, addrs []multiaddr.Multiaddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(addrs) == 0 {
		if prev, ok := s.discovered[id]; ok {
			addrs = prev.Addrs
		}
	}
	s.discovered[id] = &DiscoveredPeer{ID: id, Addrs: addrs, LastSeen: time.Now()}
}

// PeerExpired drops a peer that has not been seen recently.
func (s *State) PeerExpired(id peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.discovered, id)
}

// DiscoveredPeers returns a snapshot of currently known peers.
func (s *State) DiscoveredPeers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DiscoveredPeer, 0, len(s.discovered))
	for _, p := range s.discovered {
		out = append(out, *p)
	}
	return out
}

// GrantRelationship attaches a rule to a peer's relationship, creating the
// relationship if it does not already exist.
func (s *State) GrantRelationship(p peer.ID, rule Rule, expiresAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.relationships[p]
	if !ok {
		rel = &Relationship{Peer: p}
		s.relationships[p] = rel
	}
	rel.Rules = append(rel.Rules, RelationshipRule{Rule: rule, ExpiresAt: expiresAt})
}

// CreateUser registers a local account for the reserved authentication
// surface.
func (s *State) CreateUser(username, passwordHash string, roles []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return ErrUserExists
	}
	s.users[username] = &User{Username: username, PasswordHash: passwordHash, Roles: roles}
	return nil
}

// HasFsAccess reports whether requester may perform the operations in want
// against path. Callers must pass path through Canonicalize first — this
// only re-applies cheap lexical cleanup, not symlink resolution, so a
// caller that skips Canonicalize can be bypassed by a symlink pointing
// outside every granted rule. The scan order is: the requester being this
// node itself, then a direct match against the registered shared folders
// (independent of any relationship), then the requester's own relationship
// rules, with an Owner rule short-circuiting to full access and expired
// rules skipped.
func (s *State) HasFsAccess(requester peer.ID, path string, want AccessFlags) bool {
	if requester == s.me {
		return true
	}

	canon := canonicalize(path)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, fr := range s.sharedFolders {
		if hasPathPrefix(canon, fr.Path) && fr.Flags.Has(want) {
			return true
		}
	}

	rel, ok := s.relationships[requester]
	if !ok {
		return false
	}

	now := time.Now()
	for _, rr := range rel.Rules {
		if rr.ExpiresAt != nil && rr.ExpiresAt.Before(now) {
			continue
		}
		switch r := rr.Rule.(type) {
		case OwnerRule:
			return true
		case FolderRuleEntry:
			if hasPathPrefix(canon, r.Folder.Path) && r.Folder.Flags.Has(want) {
				return true
			}
		}
	}

	return false
}

// PermissionsForPeer lists the rules in effect for requester: any shared
// folder everyone can reach, plus its own relationship rules.
func (s *State) PermissionsForPeer(requester peer.ID) []RelationshipRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RelationshipRule, 0, len(s.sharedFolders))
	for _, fr := range s.sharedFolders {
		out = append(out, RelationshipRule{Rule: FolderRuleEntry{Folder: fr}})
	}
	if rel, ok := s.relationships[requester]; ok {
		out = append(out, rel.Rules...)
	}
	return out
}

// Canonicalize resolves path to its absolute, symlink-free form, matching
// spec.md §4.1/§4.4's fs::canonicalize-equivalent requirement. When path
// (or a suffix of it) does not yet exist — the WriteFile-on-a-new-file
// case — it canonicalises the deepest existing ancestor directory and
// re-appends the non-existent remainder, per spec.md §4.4's "canonicalise
// the parent then append the final component" rule.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("state: resolve absolute path for %s: %w", path, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("state: canonicalize %s: %w", path, err)
	}

	parent := filepath.Dir(abs)
	if parent == abs {
		// Reached the filesystem root without finding an existing
		// ancestor; propagate the original not-exist error.
		return "", fmt.Errorf("state: canonicalize %s: %w", path, err)
	}
	resolvedParent, err := Canonicalize(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, filepath.Base(abs)), nil
}

// canonicalize performs pure lexical normalisation, used only for
// comparing a path already resolved by Canonicalize against a rule's
// path. It does not touch the filesystem.
func canonicalize(path string) string {
	return filepath.Clean(path)
}

func hasPathPrefix(path, prefix string) bool {
	path = filepath.Clean(path)
	prefix = filepath.Clean(prefix)
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}
