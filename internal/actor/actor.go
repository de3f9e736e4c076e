// Package actor is the node's single-owner event loop: every outbound
// operation — local or remote — is funneled through one command channel,
// the Go shape of the cooperative select loop blacktrace-go/node/app.go
// runs and original_source/core/src/app.rs::App::run names explicitly.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/j45k4/puppypeer/internal/handlers"
	"github.com/j45k4/puppypeer/internal/state"
	"github.com/j45k4/puppypeer/internal/transport"
	"github.com/j45k4/puppypeer/internal/wire"
)

// CommandKind names a Command's operation.
type CommandKind string

const (
	CmdConnect         CommandKind = "connect"
	CmdShareFolder     CommandKind = "share_folder"
	CmdListDir         CommandKind = "list_dir"
	CmdStatFile        CommandKind = "stat_file"
	CmdReadFile        CommandKind = "read_file"
	CmdWriteFile       CommandKind = "write_file"
	CmdListCpus        CommandKind = "list_cpus"
	CmdListInterfaces  CommandKind = "list_interfaces"
	CmdListDisks       CommandKind = "list_disks"
	CmdListPermissions CommandKind = "list_permissions"
)

// RequestTimeout bounds a remote round trip.
const RequestTimeout = 15 * time.Second

// Command is one operation submitted to the actor. Which of its fields
// are meaningful depends on Kind.
type Command struct {
	Kind   CommandKind
	Target peer.ID // zero value means "this node"

	Addr   string            // CmdConnect
	Path   string            // Cmd{ListDir,StatFile,ReadFile,WriteFile}
	Offset uint64            // CmdReadFile, CmdWriteFile
	Length *uint64           // CmdReadFile
	Data   []byte            // CmdWriteFile
	Flags  state.AccessFlags // CmdShareFolder

	Reply chan Result
}

// Result carries a Command's outcome.
type Result struct {
	Err         error
	PeerID      peer.ID
	DirEntries  wire.DirEntriesResponse
	FileStat    wire.FileStatResponse
	Chunk       wire.FileChunk
	WriteAck    wire.FileWriteAck
	Cpus        wire.CpusResponse
	Interfaces  wire.InterfacesResponse
	Disks       wire.DisksResponse
	Permissions []state.RelationshipRule
}

// WirePermissions converts Result.Permissions to its wire form.
func (r Result) WirePermissions() []wire.Permission {
	return toWirePermissions(r.Permissions)
}

// ErrActorShutdown is delivered to any command still queued, or submitted
// after, the actor loop has exited — it stands in for the "waiter sees
// channel closed" terminal state spec.md §4.4's outbound-request state
// machine names for ActorShutdown.
var ErrActorShutdown = errors.New("actor: node is shutting down")

// Sentinel errors for the rest of spec.md §7's inbound/outbound error
// taxonomy. The wire protocol itself only ever carries the resulting
// string (Error(msg)) — there is no typed error on the wire — but callers
// within this process, in particular the façade and its own tests, can
// still check these with errors.Is against the wrapped local error.
var (
	ErrAccessDenied    = errors.New("access denied")
	ErrUnknownRequest  = errors.New("unknown request")
	ErrInternalError   = errors.New("Internal error")
	ErrOutboundFailure = errors.New("actor: outbound request failed")
)

// Actor drives the command loop and answers inbound requests.
type Actor struct {
	transport *transport.Manager
	state     *state.State

	commandCh chan Command
	closed    chan struct{}
}

// New builds an actor over shared state. Call Attach once the transport
// exists — the two are constructed in opposite order (the transport needs
// the actor as its discovery notifee before the actor can hold a
// transport reference back).
func New(st *state.State) *Actor {
	return &Actor{state: st, commandCh: make(chan Command, 64), closed: make(chan struct{})}
}

// Attach wires the actor to its transport and installs it as the
// transport's inbound request handler.
func (a *Actor) Attach(tp *transport.Manager) {
	a.transport = tp
	tp.SetRequestHandler(a.handleInbound)
}

// Submit enqueues cmd and returns the channel its Result will arrive on.
// A command submitted once the actor loop has already exited is answered
// immediately with ErrActorShutdown instead of blocking forever.
func (a *Actor) Submit(cmd Command) chan Result {
	if cmd.Reply == nil {
		cmd.Reply = make(chan Result, 1)
	}
	// Checked first: after shutdown the queue may still have buffer room,
	// and a single two-way select would pick the enqueue half the time.
	select {
	case <-a.closed:
		cmd.Reply <- Result{Err: ErrActorShutdown}
		return cmd.Reply
	default:
	}
	select {
	case a.commandCh <- cmd:
	case <-a.closed:
		cmd.Reply <- Result{Err: ErrActorShutdown}
	}
	return cmd.Reply
}

// Run drives the command loop until ctx is cancelled. On exit it drains
// any commands still sitting in the queue and fails each of them, so a
// caller blocked on a Submit reply never waits forever — the single
// cooperative loop's only guarantee is "exactly one reply per command",
// shutdown included.
func (a *Actor) Run(ctx context.Context) {
	defer func() {
		close(a.closed)
		a.drainPending()
	}()
	for {
		// Checked separately, and first, so a context already cancelled
		// when a command is sitting in the queue always takes the
		// shutdown path rather than racing select's pseudo-random case
		// choice into one last dispatch.
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case cmd := <-a.commandCh:
			a.dispatch(ctx, cmd)
		}
	}
}

func (a *Actor) drainPending() {
	for {
		select {
		case cmd := <-a.commandCh:
			cmd.Reply <- Result{Err: ErrActorShutdown}
		default:
			return
		}
	}
}

// PeerDiscovered implements transport.DiscoveryNotifee.
func (a *Actor) PeerDiscovered(id peer.ID, addrs []multiaddr.Multiaddr) {
	a.state.PeerDiscovered(id, addrs)
}

// PeerConnected implements transport.DiscoveryNotifee.
func (a *Actor) PeerConnected(id peer.ID) {
	a.state.PeerConnected(id)
}

// PeerDisconnected implements transport.DiscoveryNotifee.
func (a *Actor) PeerDisconnected(id peer.ID) {
	a.state.PeerDisconnected(id)
}

func (a *Actor) dispatch(ctx context.Context, cmd Command) {
	switch cmd.Kind {
	case CmdConnect:
		go a.doConnect(ctx, cmd)
	case CmdShareFolder:
		err := a.state.AddSharedFolder(cmd.Path, cmd.Flags)
		cmd.Reply <- Result{Err: err}
	default:
		go a.doRemoteOrLocal(ctx, cmd)
	}
}

func (a *Actor) doConnect(ctx context.Context, cmd Command) {
	cctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()
	id, err := a.transport.Connect(cctx, cmd.Addr)
	cmd.Reply <- Result{PeerID: id, Err: err}
}

// doRemoteOrLocal runs off the command loop goroutine so a slow disk read
// or a stalled peer cannot stall the next queued command.
func (a *Actor) doRemoteOrLocal(ctx context.Context, cmd Command) {
	if cmd.Target == "" || cmd.Target == a.transport.ID() {
		cmd.Reply <- a.runLocal(ctx, cmd)
		return
	}

	req, err := requestFor(cmd)
	if err != nil {
		cmd.Reply <- Result{Err: err}
		return
	}

	cctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	res, err := a.transport.SendRequest(cctx, cmd.Target, req)
	if err != nil {
		cmd.Reply <- Result{Err: fmt.Errorf("%w: %w", ErrOutboundFailure, err)}
		return
	}
	if msg, isErr := res.IsError(); isErr {
		cmd.Reply <- Result{Err: fmt.Errorf("remote peer: %s", msg)}
		return
	}

	result, err := decodeResult(cmd.Kind, res)
	if err != nil {
		result.Err = err
	}
	cmd.Reply <- result
}

func (a *Actor) runLocal(ctx context.Context, cmd Command) Result {
	switch cmd.Kind {
	case CmdListDir:
		res, err := handlers.ListDir(cmd.Path)
		return Result{DirEntries: res, Err: err}
	case CmdStatFile:
		res, err := handlers.StatFile(cmd.Path)
		return Result{FileStat: res, Err: err}
	case CmdReadFile:
		res, err := handlers.ReadFile(cmd.Path, cmd.Offset, cmd.Length)
		return Result{Chunk: res, Err: err}
	case CmdWriteFile:
		res, err := handlers.WriteFile(cmd.Path, cmd.Offset, cmd.Data)
		return Result{WriteAck: res, Err: err}
	case CmdListCpus:
		res, err := handlers.ListCpus(ctx)
		return Result{Cpus: res, Err: err}
	case CmdListInterfaces:
		res, err := handlers.ListInterfaces(ctx)
		return Result{Interfaces: res, Err: err}
	case CmdListDisks:
		res, err := handlers.ListDisks(ctx)
		return Result{Disks: res, Err: err}
	case CmdListPermissions:
		return Result{Permissions: a.state.PermissionsForPeer(a.transport.ID())}
	default:
		return Result{Err: fmt.Errorf("actor: unknown command %q", cmd.Kind)}
	}
}

// handleInbound answers a request from another peer. It runs outside the
// command loop: State is mutex-protected and handlers only ever touch
// paths the ACL already cleared, so answering concurrently with whatever
// the command loop is doing is safe, and keeps one slow peer from
// stalling every other peer's requests.
//
// It never lets a panic escape: spec.md §4.4/§7 require exactly one reply
// per inbound request even on a catastrophic handler failure, so a panic
// is recovered and turned into Error("Internal error") instead of taking
// down the stream-handling goroutine (an unrecovered panic is fatal to
// the whole process in Go).
func (a *Actor) handleInbound(ctx context.Context, from peer.ID, req wire.PeerReq) (res wire.PeerRes) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("puppypeer: recovered panic handling %s request from %s: %v", req.Type, from, r)
			res = wire.NewError(ErrInternalError.Error())
		}
	}()
	return a.dispatchInbound(ctx, from, req)
}

func (a *Actor) dispatchInbound(ctx context.Context, from peer.ID, req wire.PeerReq) wire.PeerRes {
	if !wire.KnownReqTypes[req.Type] {
		return wire.NewError(ErrUnknownRequest.Error())
	}

	switch req.Type {
	case wire.ReqListDir:
		var payload wire.ListDirRequest
		if err := req.Decode(&payload); err != nil {
			return wire.NewError("malformed request")
		}
		canon, err := state.Canonicalize(payload.Path)
		if err != nil {
			return wire.NewError(fmt.Sprintf("failed to access %s: %v", payload.Path, err))
		}
		if !a.state.HasFsAccess(from, canon, state.Read|state.Search) {
			return wire.NewError(ErrAccessDenied.Error())
		}
		res, err := handlers.ListDir(canon)
		if err != nil {
			return wire.NewError(err.Error())
		}
		return wire.NewResponse(wire.ResDirEntries, res)

	case wire.ReqStatFile:
		var payload wire.StatFileRequest
		if err := req.Decode(&payload); err != nil {
			return wire.NewError("malformed request")
		}
		canon, err := state.Canonicalize(payload.Path)
		if err != nil {
			return wire.NewError(fmt.Sprintf("failed to access %s: %v", payload.Path, err))
		}
		if !a.state.HasFsAccess(from, canon, state.Read|state.Search) {
			return wire.NewError(ErrAccessDenied.Error())
		}
		res, err := handlers.StatFile(canon)
		if err != nil {
			return wire.NewError(err.Error())
		}
		return wire.NewResponse(wire.ResFileStat, res)

	case wire.ReqReadFile:
		var payload wire.ReadFileRequest
		if err := req.Decode(&payload); err != nil {
			return wire.NewError("malformed request")
		}
		canon, err := state.Canonicalize(payload.Path)
		if err != nil {
			return wire.NewError(fmt.Sprintf("failed to access %s: %v", payload.Path, err))
		}
		if !a.state.HasFsAccess(from, canon, state.Read|state.Search) {
			return wire.NewError(ErrAccessDenied.Error())
		}
		chunk, err := handlers.ReadFile(canon, payload.Offset, payload.Length)
		if err != nil {
			return wire.NewError(err.Error())
		}
		return wire.NewResponse(wire.ResFileChunk, chunk)

	case wire.ReqWriteFile:
		var payload wire.WriteFileRequest
		if err := req.Decode(&payload); err != nil {
			return wire.NewError("malformed request")
		}
		canon, err := state.Canonicalize(payload.Path)
		if err != nil {
			return wire.NewError(fmt.Sprintf("failed to access %s: %v", payload.Path, err))
		}
		if !a.state.HasFsAccess(from, canon, state.Read|state.Write|state.Search) {
			return wire.NewError(ErrAccessDenied.Error())
		}
		ack, err := handlers.WriteFile(canon, payload.Offset, payload.Data)
		if err != nil {
			return wire.NewError(err.Error())
		}
		return wire.NewResponse(wire.ResWriteAck, ack)

	case wire.ReqListCpus:
		res, err := handlers.ListCpus(ctx)
		if err != nil {
			return wire.NewError(err.Error())
		}
		return wire.NewResponse(wire.ResCpus, res)

	case wire.ReqListInterfaces:
		res, err := handlers.ListInterfaces(ctx)
		if err != nil {
			return wire.NewError(err.Error())
		}
		return wire.NewResponse(wire.ResInterfaces, res)

	case wire.ReqListDisks:
		res, err := handlers.ListDisks(ctx)
		if err != nil {
			return wire.NewError(err.Error())
		}
		return wire.NewResponse(wire.ResDisks, res)

	case wire.ReqListPermissions:
		perms := a.state.PermissionsForPeer(from)
		return wire.NewResponse(wire.ResPermissions, wire.PermissionsResponse{Permissions: toWirePermissions(perms)})

	default:
		// A known but not-yet-actionable tag from the reserved
		// authentication surface.
		return wire.NewError("not implemented")
	}
}

func requestFor(cmd Command) (wire.PeerReq, error) {
	switch cmd.Kind {
	case CmdListDir:
		return wire.NewRequest(wire.ReqListDir, wire.ListDirRequest{Path: cmd.Path}), nil
	case CmdStatFile:
		return wire.NewRequest(wire.ReqStatFile, wire.StatFileRequest{Path: cmd.Path}), nil
	case CmdReadFile:
		return wire.NewRequest(wire.ReqReadFile, wire.ReadFileRequest{Path: cmd.Path, Offset: cmd.Offset, Length: cmd.Length}), nil
	case CmdWriteFile:
		return wire.NewRequest(wire.ReqWriteFile, wire.WriteFileRequest{Path: cmd.Path, Offset: cmd.Offset, Data: cmd.Data}), nil
	case CmdListCpus:
		return wire.NewRequest(wire.ReqListCpus, nil), nil
	case CmdListInterfaces:
		return wire.NewRequest(wire.ReqListInterfaces, nil), nil
	case CmdListDisks:
		return wire.NewRequest(wire.ReqListDisks, nil), nil
	case CmdListPermissions:
		return wire.NewRequest(wire.ReqListPermissions, nil), nil
	default:
		return wire.PeerReq{}, fmt.Errorf("actor: command %q has no remote request form", cmd.Kind)
	}
}

func decodeResult(kind CommandKind, res wire.PeerRes) (Result, error) {
	switch kind {
	case CmdListDir:
		var payload wire.DirEntriesResponse
		err := res.Decode(&payload)
		return Result{DirEntries: payload}, err
	case CmdStatFile:
		var payload wire.FileStatResponse
		err := res.Decode(&payload)
		return Result{FileStat: payload}, err
	case CmdReadFile:
		var payload wire.FileChunk
		err := res.Decode(&payload)
		return Result{Chunk: payload}, err
	case CmdWriteFile:
		var payload wire.FileWriteAck
		err := res.Decode(&payload)
		return Result{WriteAck: payload}, err
	case CmdListCpus:
		var payload wire.CpusResponse
		err := res.Decode(&payload)
		return Result{Cpus: payload}, err
	case CmdListInterfaces:
		var payload wire.InterfacesResponse
		err := res.Decode(&payload)
		return Result{Interfaces: payload}, err
	case CmdListDisks:
		var payload wire.DisksResponse
		err := res.Decode(&payload)
		return Result{Disks: payload}, err
	case CmdListPermissions:
		var payload wire.PermissionsResponse
		if err := res.Decode(&payload); err != nil {
			return Result{}, err
		}
		return Result{Permissions: fromWirePermissions(payload.Permissions)}, nil
	default:
		return Result{}, fmt.Errorf("actor: unknown response decode for %q", kind)
	}
}

func toWirePermissions(rules []state.RelationshipRule) []wire.Permission {
	out := make([]wire.Permission, 0, len(rules))
	for _, rr := range rules {
		var wr wire.Rule
		switch r := rr.Rule.(type) {
		case state.OwnerRule:
			wr = wire.Rule{Kind: "owner"}
		case state.FolderRuleEntry:
			wr = wire.Rule{Kind: "folder", Folder: &wire.FolderRuleWire{Path: r.Folder.Path, Flags: uint8(r.Folder.Flags)}}
		}
		out = append(out, wire.Permission{Rule: wr, ExpiresAt: rr.ExpiresAt})
	}
	return out
}

func fromWirePermissions(perms []wire.Permission) []state.RelationshipRule {
	out := make([]state.RelationshipRule, 0, len(perms))
	for _, p := range perms {
		var r state.Rule
		switch {
		case p.Rule.Kind == "owner":
			r = state.OwnerRule{}
		case p.Rule.Folder != nil:
			r = state.FolderRuleEntry{Folder: state.FolderRule{Path: p.Rule.Folder.Path, Flags: state.AccessFlags(p.Rule.Folder.Flags)}}
		}
		out = append(out, state.RelationshipRule{Rule: r, ExpiresAt: p.ExpiresAt})
	}
	return out
}
