// Package facade is the public, thread-safe entry point for embedding a
// puppypeer node in a host process: construct a Node, share folders,
// issue calls, and Wait() for shutdown. Every call here is a thin,
// synchronous wrapper around a Command submitted to the actor — the
// shape blacktrace-go/node/app.go uses for CreateOrder/ListOrders.
package facade

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/j45k4/puppypeer/internal/actor"
	"github.com/j45k4/puppypeer/internal/identity"
	"github.com/j45k4/puppypeer/internal/state"
	"github.com/j45k4/puppypeer/internal/transport"
	"github.com/j45k4/puppypeer/internal/wire"
)

// DefaultBindAddr is used when Config.BindAddr is empty.
const DefaultBindAddr = "/ip4/0.0.0.0/tcp/0"

// Config configures a new Node.
type Config struct {
	// KeypairPath overrides where the node's identity is persisted; see
	// identity.KeypairPathFromEnv for the fallback order.
	KeypairPath string
	// BindAddr is the libp2p listen multiaddr. Defaults to a random TCP
	// port on all interfaces.
	BindAddr string
}

// Node is a running puppypeer node.
type Node struct {
	identity  *identity.Keypair
	transport *transport.Manager
	state     *state.State
	actor     *actor.Actor

	cancel context.CancelFunc
	done   chan struct{}
}

// New loads or generates the node's identity, opens the libp2p host, and
// starts the actor loop in the background.
func New(cfg Config) (*Node, error) {
	path := identity.KeypairPathFromEnv(cfg.KeypairPath)
	kp, err := identity.LoadOrGenerate(path)
	if err != nil {
		return nil, fmt.Errorf("facade: load identity: %w", err)
	}

	bind := cfg.BindAddr
	if bind == "" {
		bind = DefaultBindAddr
	}

	ctx, cancel := context.WithCancel(context.Background())

	st := state.New(kp.ID)
	a := actor.New(st)

	tp, err := transport.New(ctx, kp, bind, a)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("facade: start transport: %w", err)
	}
	a.Attach(tp)

	n := &Node{
		identity:  kp,
		transport: tp,
		state:     st,
		actor:     a,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go func() {
		a.Run(ctx)
		close(n.done)
	}()

	return n, nil
}

// ID returns this node's own peer ID.
func (n *Node) ID() peer.ID {
	return n.transport.ID()
}

// Addrs returns this node's listen addresses as printable p2p multiaddrs.
func (n *Node) Addrs() []string {
	addrs := n.transport.Addrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.ID()))
	}
	return out
}

// await submits cmd and waits for its reply, honoring ctx's cancellation
// and deadline. The command's own reply channel is buffered, so a ctx that
// fires first leaves the in-flight command to finish and deliver into a
// channel nothing reads from again — the caller-side "drop the future"
// cancellation spec.md §5 describes, not a leak.
func (n *Node) await(ctx context.Context, cmd actor.Command) actor.Result {
	replyCh := n.actor.Submit(cmd)
	select {
	case res := <-replyCh:
		return res
	case <-ctx.Done():
		return actor.Result{Err: fmt.Errorf("facade: %w", ctx.Err())}
	}
}

// Connect dials a peer by its full p2p multiaddr and blocks until
// connected or ctx is done.
func (n *Node) Connect(ctx context.Context, addr string) (peer.ID, error) {
	res := n.await(ctx, actor.Command{Kind: actor.CmdConnect, Addr: addr})
	return res.PeerID, res.Err
}

// ShareReadOnlyFolder exposes path, and everything under it, for READ and
// SEARCH to any peer.
func (n *Node) ShareReadOnlyFolder(path string) error {
	res := <-n.actor.Submit(actor.Command{
		Kind: actor.CmdShareFolder, Path: path, Flags: state.Read | state.Search,
	})
	return res.Err
}

// ShareReadWriteFolder exposes path, and everything under it, for READ,
// WRITE, and SEARCH to any peer.
func (n *Node) ShareReadWriteFolder(path string) error {
	res := <-n.actor.Submit(actor.Command{
		Kind: actor.CmdShareFolder, Path: path, Flags: state.Read | state.Write | state.Search,
	})
	return res.Err
}

// ListDir lists a directory on target, or locally when target is empty.
func (n *Node) ListDir(ctx context.Context, target peer.ID, path string) (wire.DirEntriesResponse, error) {
	res := n.await(ctx, actor.Command{Kind: actor.CmdListDir, Target: target, Path: path})
	return res.DirEntries, res.Err
}

// StatFile stats a single path on target, or locally when target is empty.
func (n *Node) StatFile(ctx context.Context, target peer.ID, path string) (wire.FileStatResponse, error) {
	res := n.await(ctx, actor.Command{Kind: actor.CmdStatFile, Target: target, Path: path})
	return res.FileStat, res.Err
}

// ReadFile reads up to length bytes at offset from target, or locally
// when target is empty. A nil length defers to the handler's own cap.
func (n *Node) ReadFile(ctx context.Context, target peer.ID, path string, offset uint64, length *uint64) (wire.FileChunk, error) {
	res := n.await(ctx, actor.Command{
		Kind: actor.CmdReadFile, Target: target, Path: path, Offset: offset, Length: length,
	})
	return res.Chunk, res.Err
}

// WriteFile writes data at offset into path on target, or locally when
// target is empty.
func (n *Node) WriteFile(ctx context.Context, target peer.ID, path string, offset uint64, data []byte) (wire.FileWriteAck, error) {
	res := n.await(ctx, actor.Command{
		Kind: actor.CmdWriteFile, Target: target, Path: path, Offset: offset, Data: data,
	})
	return res.WriteAck, res.Err
}

// ListCpus samples target's CPUs, or this node's own when target is empty.
func (n *Node) ListCpus(ctx context.Context, target peer.ID) (wire.CpusResponse, error) {
	res := n.await(ctx, actor.Command{Kind: actor.CmdListCpus, Target: target})
	return res.Cpus, res.Err
}

// ListInterfaces samples target's network interfaces, or this node's own
// when target is empty.
func (n *Node) ListInterfaces(ctx context.Context, target peer.ID) (wire.InterfacesResponse, error) {
	res := n.await(ctx, actor.Command{Kind: actor.CmdListInterfaces, Target: target})
	return res.Interfaces, res.Err
}

// ListDisks samples target's mounted volumes, or this node's own when
// target is empty.
func (n *Node) ListDisks(ctx context.Context, target peer.ID) (wire.DisksResponse, error) {
	res := n.await(ctx, actor.Command{Kind: actor.CmdListDisks, Target: target})
	return res.Disks, res.Err
}

// ListPermissions lists the access rules target has in effect for us — or,
// when target is empty, what every peer is currently granted locally.
func (n *Node) ListPermissions(ctx context.Context, target peer.ID) ([]wire.Permission, error) {
	res := n.await(ctx, actor.Command{Kind: actor.CmdListPermissions, Target: target})
	return res.WirePermissions(), res.Err
}

// Peers lists currently-connected peers.
func (n *Node) Peers() []state.Connection {
	return n.state.Connections()
}

// Wait blocks until SIGINT/SIGTERM is received, then shuts the node down
// and waits for the actor loop to exit.
func (n *Node) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	n.Shutdown()
}

// Shutdown cancels the actor loop and closes the transport. Safe to call
// more than once.
func (n *Node) Shutdown() {
	n.cancel()
	<-n.done
	_ = n.transport.Close()
}
