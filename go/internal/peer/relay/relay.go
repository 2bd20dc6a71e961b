// Package relay implements peer.Network on top of the signaling broker:
// connection lifecycle and data both travel as broker frames. It works
// wherever the broker is reachable, at the cost of routing every message
// through it.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/vsmeter/go/internal/peer"
	"github.com/mcdev12/vsmeter/go/internal/peer/signal"
)

const inboxSize = 64

// ErrInvalidPayload is returned when sending data that is not JSON.
var ErrInvalidPayload = errors.New("relay payload must be valid JSON")

// Network dials peers through a broker.
type Network struct {
	brokerURL string
}

var _ peer.Network = (*Network)(nil)

func NewNetwork(brokerURL string) *Network {
	return &Network{brokerURL: brokerURL}
}

// Open registers with the broker under id.
func (n *Network) Open(ctx context.Context, id string) (peer.Peer, error) {
	client, err := signal.Dial(ctx, n.brokerURL, id)
	if err != nil {
		return nil, err
	}

	p := &Peer{
		client:   client,
		incoming: make(chan peer.Conn),
		conns:    make(map[string]*Conn),
		pending:  make(map[string]chan error),
		done:     make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// Peer is a relay peer.Peer.
type Peer struct {
	client   *signal.Client
	incoming chan peer.Conn

	mu      sync.Mutex
	conns   map[string]*Conn      // by connection id
	pending map[string]chan error // outgoing connects awaiting ACCEPT

	done chan struct{}
	once sync.Once
}

var _ peer.Peer = (*Peer)(nil)

func (p *Peer) ID() string {
	return p.client.ID()
}

func (p *Peer) Incoming() <-chan peer.Conn {
	return p.incoming
}

func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Connect asks remoteID to accept a new connection.
func (p *Peer) Connect(ctx context.Context, remoteID string) (peer.Conn, error) {
	select {
	case <-p.done:
		return nil, peer.ErrClosed
	default:
	}

	connID := uuid.NewString()
	accepted := make(chan error, 1)
	c := p.newConn(remoteID, connID)

	p.mu.Lock()
	p.conns[connID] = c
	p.pending[connID] = accepted
	p.mu.Unlock()

	fail := func(err error) (peer.Conn, error) {
		p.mu.Lock()
		delete(p.pending, connID)
		p.mu.Unlock()
		c.closeLocal()
		return nil, err
	}

	if err := p.client.Send(signal.Frame{
		Type:         signal.FrameConnect,
		Dst:          remoteID,
		ConnectionID: connID,
	}); err != nil {
		return fail(err)
	}

	select {
	case err := <-accepted:
		if err != nil {
			return fail(err)
		}
		return c, nil
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-p.done:
		return fail(peer.ErrClosed)
	}
}

// Close destroys the peer. Remote peers learn about it from the broker.
func (p *Peer) Close() error {
	p.once.Do(func() {
		close(p.done)

		p.mu.Lock()
		conns := make([]*Conn, 0, len(p.conns))
		for _, c := range p.conns {
			conns = append(conns, c)
		}
		p.mu.Unlock()

		for _, c := range conns {
			c.closeLocal()
		}
		p.client.Close()
	})
	return nil
}

func (p *Peer) run() {
	for {
		select {
		case frame := <-p.client.Frames():
			p.handleFrame(frame)
		case <-p.client.Done():
			if err := p.client.Err(); err != nil {
				log.Warn().Err(err).Str("peer_id", p.ID()).Msg("lost broker connection")
			}
			p.Close()
			return
		case <-p.done:
			return
		}
	}
}

func (p *Peer) handleFrame(frame signal.Frame) {
	switch frame.Type {
	case signal.FrameConnect:
		c := p.newConn(frame.Src, frame.ConnectionID)
		p.mu.Lock()
		p.conns[frame.ConnectionID] = c
		p.mu.Unlock()

		if err := p.client.Send(signal.Frame{
			Type:         signal.FrameAccept,
			Dst:          frame.Src,
			ConnectionID: frame.ConnectionID,
		}); err != nil {
			log.Error().Err(err).Str("remote_id", frame.Src).Msg("failed to accept relay connection")
			c.closeLocal()
			return
		}

		go func() {
			select {
			case p.incoming <- c:
			case <-p.done:
			case <-c.Done():
			}
		}()

	case signal.FrameAccept:
		p.resolve(frame.ConnectionID, nil)

	case signal.FrameData:
		if c := p.conn(frame.ConnectionID); c != nil {
			c.inbox.Deliver([]byte(frame.Payload))
		}

	case signal.FrameClose:
		if c := p.conn(frame.ConnectionID); c != nil {
			c.closeLocal()
		}

	case signal.FrameExpire:
		err := fmt.Errorf("%w: %s", peer.ErrPeerUnavailable, frame.Src)
		if !p.resolve(frame.ConnectionID, err) {
			p.dropRemote(frame.Src)
		}

	case signal.FrameLeave:
		p.dropRemote(frame.Src)

	case signal.FrameError:
		var msg string
		json.Unmarshal(frame.Payload, &msg)
		log.Warn().Str("peer_id", p.ID()).Str("error", msg).Msg("broker rejected frame")

	default:
		log.Debug().Str("frame_type", string(frame.Type)).Msg("ignoring frame")
	}
}

// resolve completes a pending Connect. It reports whether one was waiting.
func (p *Peer) resolve(connID string, err error) bool {
	p.mu.Lock()
	ch, ok := p.pending[connID]
	delete(p.pending, connID)
	p.mu.Unlock()

	if ok {
		ch <- err
	}
	return ok
}

// dropRemote closes every connection to remoteID and fails pending
// connects to it.
func (p *Peer) dropRemote(remoteID string) {
	p.mu.Lock()
	var drop []*Conn
	for connID, c := range p.conns {
		if c.remoteID != remoteID {
			continue
		}
		drop = append(drop, c)
		if ch, ok := p.pending[connID]; ok {
			delete(p.pending, connID)
			ch <- fmt.Errorf("%w: %s", peer.ErrPeerUnavailable, remoteID)
		}
	}
	p.mu.Unlock()

	for _, c := range drop {
		c.closeLocal()
	}
}

func (p *Peer) conn(connID string) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[connID]
}

func (p *Peer) forget(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, connID)
}

func (p *Peer) newConn(remoteID, connID string) *Conn {
	return &Conn{
		peer:     p,
		remoteID: remoteID,
		connID:   connID,
		inbox:    peer.NewInbox(inboxSize),
	}
}

// Conn is a relayed peer.Conn.
type Conn struct {
	peer     *Peer
	remoteID string
	connID   string
	inbox    *peer.Inbox
}

var _ peer.Conn = (*Conn)(nil)

func (c *Conn) RemoteID() string {
	return c.remoteID
}

func (c *Conn) Recv() <-chan []byte {
	return c.inbox.Recv()
}

func (c *Conn) Done() <-chan struct{} {
	return c.inbox.Done()
}

func (c *Conn) Open() bool {
	return !c.inbox.Closed()
}

// Send relays data, which must be a JSON document, to the remote peer.
func (c *Conn) Send(data []byte) error {
	if c.inbox.Closed() {
		return peer.ErrClosed
	}
	if !json.Valid(data) {
		return ErrInvalidPayload
	}
	return c.peer.client.Send(signal.Frame{
		Type:         signal.FrameData,
		Dst:          c.remoteID,
		ConnectionID: c.connID,
		Payload:      json.RawMessage(data),
	})
}

// Close closes the connection on both sides.
func (c *Conn) Close() error {
	if !c.inbox.Close() {
		return nil
	}
	c.peer.forget(c.connID)
	err := c.peer.client.Send(signal.Frame{
		Type:         signal.FrameClose,
		Dst:          c.remoteID,
		ConnectionID: c.connID,
	})
	if errors.Is(err, peer.ErrClosed) {
		return nil
	}
	return err
}

// closeLocal closes the connection without notifying the remote side.
func (c *Conn) closeLocal() {
	if c.inbox.Close() {
		c.peer.forget(c.connID)
	}
}
