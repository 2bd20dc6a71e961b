// Package peertest provides an in-memory peer.Network for tests.
package peertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mcdev12/vsmeter/go/internal/peer"
)

// Network is an in-process peer.Network. Connections are pairs of linked
// inboxes; closing either end closes both.
type Network struct {
	mu    sync.Mutex
	peers map[string]*Peer

	openHook    func(id string) error
	connectHook func(localID, remoteID string) error
}

var _ peer.Network = (*Network)(nil)

func NewNetwork() *Network {
	return &Network{peers: make(map[string]*Peer)}
}

// FailOpen makes Open run fn first and fail with any error it returns.
func (n *Network) FailOpen(fn func(id string) error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.openHook = fn
}

// FailConnect makes Connect run fn first and fail with any error it
// returns.
func (n *Network) FailConnect(fn func(localID, remoteID string) error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connectHook = fn
}

// Open registers a peer. An empty id gets a random one.
func (n *Network) Open(ctx context.Context, id string) (peer.Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.openHook != nil {
		if err := n.openHook(id); err != nil {
			return nil, err
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := n.peers[id]; exists {
		return nil, fmt.Errorf("%w: %s", peer.ErrIDTaken, id)
	}

	p := &Peer{
		id:       id,
		network:  n,
		incoming: make(chan peer.Conn),
		done:     make(chan struct{}),
		conns:    make(map[*Conn]struct{}),
	}
	n.peers[id] = p
	return p, nil
}

// Peer returns the registered peer with id, or nil.
func (n *Network) Peer(id string) *Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[id]
}

// Peers returns the number of registered peers.
func (n *Network) Peers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

func (n *Network) lookup(localID, remoteID string) (*Peer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.connectHook != nil {
		if err := n.connectHook(localID, remoteID); err != nil {
			return nil, err
		}
	}
	remote, ok := n.peers[remoteID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", peer.ErrPeerUnavailable, remoteID)
	}
	return remote, nil
}

func (n *Network) remove(p *Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.peers[p.id] == p {
		delete(n.peers, p.id)
	}
}

// Peer is an in-memory peer.Peer.
type Peer struct {
	id       string
	network  *Network
	incoming chan peer.Conn
	done     chan struct{}
	once     sync.Once

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

var _ peer.Peer = (*Peer)(nil)

func (p *Peer) ID() string { return p.id }
func (p *Peer) Incoming() <-chan peer.Conn { return p.incoming }
func (p *Peer) Done() <-chan struct{} { return p.done }

// Connect links a new connection pair and blocks until the remote peer
// takes it from Incoming.
func (p *Peer) Connect(ctx context.Context, remoteID string) (peer.Conn, error) {
	select {
	case <-p.done:
		return nil, peer.ErrClosed
	default:
	}

	remote, err := p.network.lookup(p.id, remoteID)
	if err != nil {
		return nil, err
	}

	local, far := pair(p, remote)
	select {
	case remote.incoming <- far:
	case <-remote.done:
		return nil, fmt.Errorf("%w: %s", peer.ErrPeerUnavailable, remoteID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.track(local)
	remote.track(far)
	return local, nil
}

// Close destroys the peer and closes its connections.
func (p *Peer) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.network.remove(p)

		p.mu.Lock()
		conns := make([]*Conn, 0, len(p.conns))
		for c := range p.conns {
			conns = append(conns, c)
		}
		p.mu.Unlock()

		for _, c := range conns {
			c.Close()
		}
	})
	return nil
}

// Connections returns the number of open connections owned by the peer.
func (p *Peer) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Peer) track(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.Open() {
		p.conns[c] = struct{}{}
	}
}

func (p *Peer) untrack(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, c)
}

// Conn is one end of an in-memory connection.
type Conn struct {
	owner    *Peer
	remoteID string
	inbox    *peer.Inbox
	partner  *Conn
}

var _ peer.Conn = (*Conn)(nil)

func pair(a, b *Peer) (*Conn, *Conn) {
	ca := &Conn{owner: a, remoteID: b.id, inbox: peer.NewInbox(64)}
	cb := &Conn{owner: b, remoteID: a.id, inbox: peer.NewInbox(64)}
	ca.partner, cb.partner = cb, ca
	return ca, cb
}

func (c *Conn) RemoteID() string { return c.remoteID }
func (c *Conn) Recv() <-chan []byte { return c.inbox.Recv() }
func (c *Conn) Done() <-chan struct{} { return c.inbox.Done() }
func (c *Conn) Open() bool { return !c.inbox.Closed() }

// Send delivers a copy of data to the other end.
func (c *Conn) Send(data []byte) error {
	if c.inbox.Closed() {
		return peer.ErrClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	if !c.partner.inbox.Deliver(buf) {
		return peer.ErrClosed
	}
	return nil
}

// Close closes both ends.
func (c *Conn) Close() error {
	if c.inbox.Close() {
		c.owner.untrack(c)
		c.partner.Close()
	}
	return nil
}
