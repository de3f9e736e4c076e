package actor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/j45k4/puppypeer/internal/state"
	"github.com/j45k4/puppypeer/internal/wire"
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

func TestHandleInboundUnknownRequestType(t *testing.T) {
	me := mustPeerID(t)
	a := &Actor{state: state.New(me)}

	res := a.handleInbound(context.Background(), mustPeerID(t), wire.PeerReq{Type: "made_up"})
	if msg, isErr := res.IsError(); !isErr || msg != "unknown request" {
		t.Fatalf("expected unknown request error, got %+v", res)
	}
}

func TestHandleInboundAccessDenied(t *testing.T) {
	me := mustPeerID(t)
	stranger := mustPeerID(t)
	a := &Actor{state: state.New(me)}

	req := wire.NewRequest(wire.ReqListDir, wire.ListDirRequest{Path: t.TempDir()})
	res := a.handleInbound(context.Background(), stranger, req)

	if msg, isErr := res.IsError(); !isErr || msg != "access denied" {
		t.Fatalf("expected access denied error, got %+v", res)
	}
}

func TestHandleInboundListDirViaSharedFolder(t *testing.T) {
	me := mustPeerID(t)
	peerID := mustPeerID(t)
	s := state.New(me)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s.AddSharedFolder(dir, state.Read|state.Search)

	a := &Actor{state: s}
	req := wire.NewRequest(wire.ReqListDir, wire.ListDirRequest{Path: dir})
	res := a.handleInbound(context.Background(), peerID, req)

	if res.Type != wire.ResDirEntries {
		t.Fatalf("expected dir_entries response, got %+v", res)
	}
	var payload wire.DirEntriesResponse
	if err := res.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Entries) != 1 || payload.Entries[0].Name != "f.txt" {
		t.Fatalf("unexpected entries: %+v", payload.Entries)
	}
}

func TestRequestResponseRoundTripForListDir(t *testing.T) {
	cmd := Command{Kind: CmdListDir, Path: "/tmp/x"}
	req, err := requestFor(cmd)
	if err != nil {
		t.Fatalf("requestFor: %v", err)
	}

	name := "f.txt"
	wantRes := wire.NewResponse(wire.ResDirEntries, wire.DirEntriesResponse{
		Entries: []wire.DirEntry{{Name: name, Size: 3}},
	})

	result, err := decodeResult(CmdListDir, wantRes)
	if err != nil {
		t.Fatalf("decodeResult: %v", err)
	}
	if len(result.DirEntries.Entries) != 1 || result.DirEntries.Entries[0].Name != name {
		t.Fatalf("unexpected decoded result: %+v", result)
	}

	var decodedReq wire.ListDirRequest
	if err := req.Decode(&decodedReq); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if decodedReq.Path != "/tmp/x" {
		t.Fatalf("expected path /tmp/x, got %q", decodedReq.Path)
	}
}

func TestSubmitAfterShutdownFailsInsteadOfBlocking(t *testing.T) {
	a := New(state.New(mustPeerID(t)))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(runDone)
	}()
	cancel()
	<-runDone

	select {
	case res := <-a.Submit(Command{Kind: CmdListCpus}):
		if !errors.Is(res.Err, ErrActorShutdown) {
			t.Fatalf("expected ErrActorShutdown, got %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Submit after shutdown blocked instead of returning ErrActorShutdown")
	}
}

func TestQueuedCommandFailsWhenLoopExitsBeforeDispatch(t *testing.T) {
	a := New(state.New(mustPeerID(t)))

	ctx, cancel := context.WithCancel(context.Background())
	// Fill the queue without a loop running to consume it, simulating a
	// command that was accepted right as Run is about to return.
	reply := a.Submit(Command{Kind: CmdListCpus})
	cancel()

	runDone := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(runDone)
	}()
	<-runDone

	select {
	case res := <-reply:
		if res.Err == nil {
			t.Fatalf("expected an error for a command that never got dispatched")
		}
	case <-time.After(time.Second):
		t.Fatalf("queued command was never answered after shutdown")
	}
}

func TestWirePermissionsRoundTrip(t *testing.T) {
	rules := []state.RelationshipRule{
		{Rule: state.OwnerRule{}},
		{Rule: state.FolderRuleEntry{Folder: state.FolderRule{Path: "/shared", Flags: state.Read | state.Write}}},
	}

	wirePerms := toWirePermissions(rules)
	if len(wirePerms) != 2 {
		t.Fatalf("expected 2 wire permissions, got %d", len(wirePerms))
	}

	back := fromWirePermissions(wirePerms)
	if len(back) != 2 {
		t.Fatalf("expected 2 rules back, got %d", len(back))
	}
	if _, ok := back[0].Rule.(state.OwnerRule); !ok {
		t.Fatalf("expected first rule to be OwnerRule, got %T", back[0].Rule)
	}
	fr, ok := back[1].Rule.(state.FolderRuleEntry)
	if !ok || fr.Folder.Path != "/shared" || !fr.Folder.Flags.Has(state.Write) {
		t.Fatalf("unexpected folder rule: %+v", back[1].Rule)
	}
}
