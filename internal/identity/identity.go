// Package identity loads or generates the long-lived Ed25519 keypair that
// gives a PuppyPeer node its stable PeerID across restarts.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrCorrupt is returned when the keypair file exists but cannot be decoded.
var ErrCorrupt = errors.New("identity: keypair file is corrupt")

// DefaultKeypairPath is used when neither an explicit path nor the KEYPAIR
// environment variable is supplied.
const DefaultKeypairPath = "peer_keypair.bin"

// KeypairPathFromEnv resolves the keypair path the way the façade's
// constructor does: an explicit override always wins, otherwise the KEYPAIR
// environment variable, otherwise DefaultKeypairPath.
func KeypairPathFromEnv(override string) string {
	if override != "" {
		return override
	}
	if env := os.Getenv("KEYPAIR"); env != "" {
		return env
	}
	return DefaultKeypairPath
}

// Keypair is the node's long-lived Ed25519 identity.
type Keypair struct {
	Priv crypto.PrivKey
	Pub  crypto.PubKey
	ID   peer.ID
}

// LoadOrGenerate loads the keypair at path, or generates and persists a new
// one if the file does not exist. The operation is idempotent: calling it
// twice with the same path yields keys whose public halves are equal.
func LoadOrGenerate(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
		}
		return keypairFromPriv(priv)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: reading keypair %s: %w", path, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("identity: generating keypair: %w", err)
	}

	if err := persist(path, priv); err != nil {
		return nil, err
	}

	return keypairFromPriv(priv)
}

func persist(path string, priv crypto.PrivKey) error {
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("identity: encoding keypair: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("identity: creating keypair directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("identity: writing keypair %s: %w", path, err)
	}

	return nil
}

func keypairFromPriv(priv crypto.PrivKey) (*Keypair, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("identity: deriving peer id: %w", err)
	}
	return &Keypair{Priv: priv, Pub: priv.GetPublic(), ID: id}, nil
}
