// Package peer defines the peer-to-peer transport the voting sessions run
// on: a Network hands out peer identities, a Peer accepts and opens
// connections, and a Conn carries opaque messages between two peers.
package peer

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrIDTaken is returned by Network.Open when another peer already
	// holds the requested id.
	ErrIDTaken = errors.New("peer id is already taken")
	// ErrPeerUnavailable is returned by Peer.Connect when the remote id is
	// not registered.
	ErrPeerUnavailable = errors.New("peer is unavailable")
	// ErrClosed is returned when sending on a closed connection or using a
	// destroyed peer.
	ErrClosed = errors.New("peer connection is closed")
)

// Network creates peer identities.
type Network interface {
	// Open registers a peer under id. An empty id asks the network to
	// assign one.
	Open(ctx context.Context, id string) (Peer, error)
}

// Peer is a registered identity on a Network.
type Peer interface {
	ID() string
	// Incoming yields connections opened by remote peers.
	Incoming() <-chan Conn
	// Connect opens a connection to remoteID.
	Connect(ctx context.Context, remoteID string) (Conn, error)
	// Done is closed once the peer is destroyed or loses its network.
	Done() <-chan struct{}
	// Close destroys the peer and every connection it owns. Idempotent.
	Close() error
}

// Conn is a bidirectional message channel between two peers.
type Conn interface {
	RemoteID() string
	Send(data []byte) error
	Recv() <-chan []byte
	// Done is closed when either side closes the connection.
	Done() <-chan struct{}
	Open() bool
	// Close closes the connection. Idempotent.
	Close() error
}

// Inbox is the receive queue behind a Conn. Delivery blocks while the
// queue is full and gives up once the inbox is closed; the receive channel
// itself is never closed, consumers select on Done.
type Inbox struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// NewInbox creates an inbox buffering up to size messages.
func NewInbox(size int) *Inbox {
	return &Inbox{
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// Deliver queues data. It reports false if the inbox is closed.
func (i *Inbox) Deliver(data []byte) bool {
	select {
	case <-i.done:
		return false
	default:
	}
	select {
	case i.ch <- data:
		return true
	case <-i.done:
		return false
	}
}

func (i *Inbox) Recv() <-chan []byte {
	return i.ch
}

func (i *Inbox) Done() <-chan struct{} {
	return i.done
}

// Closed reports whether Close has been called.
func (i *Inbox) Closed() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

// Close closes the inbox and reports whether this call did it.
func (i *Inbox) Close() bool {
	closed := false
	i.once.Do(func() {
		close(i.done)
		closed = true
	})
	return closed
}
