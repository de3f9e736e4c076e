// Package transport wires the libp2p host, mDNS LAN discovery, and the
// puppypeer application protocol stream handler. It owns the network side
// of the node: the actor package drives it, never the other way around.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/j45k4/puppypeer/internal/identity"
	"github.com/j45k4/puppypeer/internal/wire"
)

// ProtocolID names the puppypeer application-level stream protocol.
const ProtocolID = protocol.ID("/puppypeer/0.0.1")

// PresenceTopic is the optional gossipsub topic peers broadcast a
// lightweight "I'm here" announcement on. It is a non-authoritative
// supplement to mDNS: presence on this topic never grants access by
// itself, and its absence never revokes a connection mDNS already
// established.
const PresenceTopic = "puppypeer-presence"

// presenceInterval is how often a node re-broadcasts its presence hint on
// PresenceTopic, independent of mDNS's own announce cadence.
const presenceInterval = 30 * time.Second

// presenceMessage is the payload published on PresenceTopic.
type presenceMessage struct {
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`
}

// Connection manager watermarks and grace period sized for a LAN peer set
// (tens of hosts, not a public DHT's thousands): trimming only kicks in far
// past what a household or office network will ever reach, and the long
// grace period means a freshly discovered peer is never trimmed before it
// has a chance to be used.
const (
	lowWatermark    = 100
	highWatermark   = 400
	connGracePeriod = time.Hour
)

// RequestHandler answers one inbound request from a connected peer.
type RequestHandler func(ctx context.Context, from peer.ID, req wire.PeerReq) wire.PeerRes

// DiscoveryNotifee is notified as peers are found, connect, or disconnect.
// addrs carries whatever listen addresses the discovery source observed for
// id; mDNS always supplies them, the presence-topic fallback never does
// (gossipsub messages carry no address information of their own).
type DiscoveryNotifee interface {
	PeerDiscovered(id peer.ID, addrs []multiaddr.Multiaddr)
	PeerConnected(id peer.ID)
	PeerDisconnected(id peer.ID)
}

// Manager owns the libp2p host and its discovery mechanisms.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	host   host.Host
	ps     *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription

	handlerMu sync.RWMutex
	handler   RequestHandler

	notifee DiscoveryNotifee
}

// New builds a libp2p host bound to bindAddr (e.g. "/ip4/0.0.0.0/tcp/0"),
// starts mDNS discovery, and joins the presence topic. The returned
// Manager has no request handler installed yet; call SetRequestHandler
// before accepting connections from peers that expect replies.
func New(ctx context.Context, kp *identity.Keypair, bindAddr string, notifee DiscoveryNotifee) (*Manager, error) {
	listenAddr, err := multiaddr.NewMultiaddr(bindAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: parse bind address %q: %w", bindAddr, err)
	}

	// original_source/core/src/p2p.rs::build_swarm keeps every discovered
	// LAN peer connected indefinitely rather than idling connections out;
	// go-libp2p has no single "idle timeout" knob, so a ConnectionManager
	// with a long grace period and high watermarks tuned for a LAN (not a
	// public-DHT-scale) peer set is the idiomatic equivalent.
	connMgr, err := connmgr.NewConnManager(
		lowWatermark, highWatermark,
		connmgr.WithGracePeriod(connGracePeriod),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: create connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(kp.Priv),
		libp2p.ListenAddrs(listenAddr),
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
		libp2p.ConnectionManager(connMgr),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: create host: %w", err)
	}

	log.Printf("puppypeer host id: %s", h.ID())
	log.Printf("puppypeer listening on: %s", h.Addrs())

	mctx, cancel := context.WithCancel(ctx)

	ps, err := pubsub.NewGossipSub(mctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("transport: create gossipsub: %w", err)
	}

	topic, err := ps.Join(PresenceTopic)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("transport: join presence topic: %w", err)
	}

	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("transport: subscribe to presence topic: %w", err)
	}

	m := &Manager{
		ctx:     mctx,
		cancel:  cancel,
		host:    h,
		ps:      ps,
		topic:   topic,
		sub:     sub,
		notifee: notifee,
	}

	h.SetStreamHandler(ProtocolID, m.handleStream)

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			if m.notifee != nil {
				m.notifee.PeerConnected(conn.RemotePeer())
			}
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			if m.notifee != nil {
				m.notifee.PeerDisconnected(conn.RemotePeer())
			}
		},
	})

	mdnsService := mdns.NewMdnsService(h, "puppypeer-mdns", &discoveryNotifee{m: m})
	if err := mdnsService.Start(); err != nil {
		log.Printf("puppypeer: mDNS discovery unavailable: %v", err)
	}

	go m.presenceLoop()
	go m.announceLoop()

	return m, nil
}

// ID returns this node's own peer ID.
func (m *Manager) ID() peer.ID {
	return m.host.ID()
}

// Addrs returns this node's listen addresses.
func (m *Manager) Addrs() []multiaddr.Multiaddr {
	return m.host.Addrs()
}

// SetRequestHandler installs the function invoked for every inbound
// request. Each inbound stream carries exactly one request/response pair.
func (m *Manager) SetRequestHandler(h RequestHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handler = h
}

func (m *Manager) requestHandler() RequestHandler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return m.handler
}

// Connect dials a peer by its full p2p multiaddr (e.g.
// "/ip4/.../tcp/.../p2p/<id>").
func (m *Manager) Connect(ctx context.Context, addr string) (peer.ID, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("transport: invalid multiaddr %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return "", fmt.Errorf("transport: parse peer info from %q: %w", addr, err)
	}
	if err := m.host.Connect(ctx, *info); err != nil {
		return "", fmt.Errorf("transport: connect to %s: %w", info.ID, err)
	}
	return info.ID, nil
}

// SendRequest opens a fresh stream to target, writes req, reads the single
// response, and closes the stream.
func (m *Manager) SendRequest(ctx context.Context, target peer.ID, req wire.PeerReq) (wire.PeerRes, error) {
	s, err := m.host.NewStream(ctx, target, ProtocolID)
	if err != nil {
		return wire.PeerRes{}, fmt.Errorf("transport: open stream to %s: %w", target, err)
	}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	if err := wire.WriteMessage(s, req); err != nil {
		return wire.PeerRes{}, fmt.Errorf("transport: send request to %s: %w", target, err)
	}
	if err := s.CloseWrite(); err != nil {
		return wire.PeerRes{}, fmt.Errorf("transport: close write side to %s: %w", target, err)
	}

	var res wire.PeerRes
	if err := wire.ReadMessage(s, &res); err != nil {
		return wire.PeerRes{}, fmt.Errorf("transport: read response from %s: %w", target, err)
	}
	return res, nil
}

func (m *Manager) handleStream(s network.Stream) {
	defer s.Close()

	from := s.Conn().RemotePeer()

	var req wire.PeerReq
	if err := wire.ReadMessage(s, &req); err != nil {
		log.Printf("puppypeer: reading request from %s: %v", from, err)
		return
	}

	handler := m.requestHandler()
	var res wire.PeerRes
	if handler == nil {
		res = wire.NewError("node not ready")
	} else {
		res = handler(m.ctx, from, req)
	}

	if err := wire.WriteMessage(s, res); err != nil {
		log.Printf("puppypeer: writing response to %s: %v", from, err)
	}
}

// Announce publishes this node's {peer_id, display_name} presence hint on
// the supplementary topic. display_name falls back to the peer ID itself
// when the host's name cannot be determined.
func (m *Manager) Announce(ctx context.Context) error {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = m.host.ID().String()
	}
	raw, err := json.Marshal(presenceMessage{PeerID: m.host.ID().String(), DisplayName: name})
	if err != nil {
		return fmt.Errorf("transport: encode presence message: %w", err)
	}
	return m.topic.Publish(ctx, raw)
}

// announceLoop re-publishes this node's presence hint every
// presenceInterval until the manager is closed.
func (m *Manager) announceLoop() {
	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.Announce(m.ctx); err != nil && m.ctx.Err() == nil {
				log.Printf("puppypeer: presence announce failed: %v", err)
			}
		}
	}
}

func (m *Manager) presenceLoop() {
	for {
		msg, err := m.sub.Next(m.ctx)
		if err != nil {
			if m.ctx.Err() == nil {
				log.Printf("puppypeer: presence topic error: %v", err)
			}
			return
		}
		if msg.ReceivedFrom == m.host.ID() {
			continue
		}
		var payload presenceMessage
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			log.Printf("puppypeer: malformed presence message from %s: %v", msg.ReceivedFrom, err)
			continue
		}
		log.Printf("puppypeer: presence hint from %s (%s)", msg.ReceivedFrom, payload.DisplayName)
		if m.notifee != nil {
			m.notifee.PeerDiscovered(msg.ReceivedFrom, nil)
		}
	}
}

// Close tears down the host and its background loops.
func (m *Manager) Close() error {
	m.cancel()
	if m.sub != nil {
		m.sub.Cancel()
	}
	if m.topic != nil {
		m.topic.Close()
	}
	return m.host.Close()
}

type discoveryNotifee struct {
	m *Manager
}

func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.m.host.ID() {
		return
	}

	if d.m.notifee != nil {
		d.m.notifee.PeerDiscovered(pi.ID, pi.Addrs)
	}

	go d.connect(pi)
}

func (d *discoveryNotifee) connect(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(d.m.ctx, 10*time.Second)
	defer cancel()

	if err := d.m.host.Connect(ctx, pi); err != nil {
		log.Printf("puppypeer: failed to connect to discovered peer %s: %v", pi.ID, err)
		return
	}
	log.Printf("puppypeer: connected to discovered peer %s", pi.ID)
}
