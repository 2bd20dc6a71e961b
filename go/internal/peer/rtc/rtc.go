// Package rtc implements peer.Network with WebRTC data channels. The
// signaling broker carries the offer/answer exchange; once a channel is
// open, messages flow directly between the two peers.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/vsmeter/go/internal/peer"
	"github.com/mcdev12/vsmeter/go/internal/peer/signal"
)

const (
	channelLabel = "vsmeter"
	inboxSize    = 64
)

// Network opens WebRTC peers that signal through a broker.
type Network struct {
	brokerURL string
	api       *webrtc.API
	config    webrtc.Configuration
}

var _ peer.Network = (*Network)(nil)

// NewNetwork creates a network using the given STUN/TURN urls for ICE.
func NewNetwork(brokerURL string, iceURLs []string) *Network {
	config := webrtc.Configuration{}
	if len(iceURLs) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceURLs}}
	}
	return &Network{
		brokerURL: brokerURL,
		api:       webrtc.NewAPI(),
		config:    config,
	}
}

// Open registers with the broker under id.
func (n *Network) Open(ctx context.Context, id string) (peer.Peer, error) {
	client, err := signal.Dial(ctx, n.brokerURL, id)
	if err != nil {
		return nil, err
	}

	p := &Peer{
		network:  n,
		client:   client,
		incoming: make(chan peer.Conn),
		conns:    make(map[string]*Conn),
		pending:  make(map[string]chan answer),
		done:     make(chan struct{}),
	}
	go p.run()
	return p, nil
}

type answer struct {
	sdp webrtc.SessionDescription
	err error
}

// Peer is a WebRTC peer.Peer.
type Peer struct {
	network  *Network
	client   *signal.Client
	incoming chan peer.Conn

	mu      sync.Mutex
	conns   map[string]*Conn       // by connection id
	pending map[string]chan answer // offers awaiting an answer

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

// Connect offers a data channel to remoteID and waits until it opens.
func (p *Peer) Connect(ctx context.Context, remoteID string) (peer.Conn, error) {
	select {
	case <-p.done:
		return nil, peer.ErrClosed
	default:
	}

	pc, err := p.network.api.NewPeerConnection(p.network.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	dc, err := pc.CreateDataChannel(channelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	connID := uuid.NewString()
	c := p.newConn(remoteID, connID, pc)
	opened := make(chan struct{})
	dc.OnOpen(func() {
		c.attach(dc)
		close(opened)
	})

	answers := make(chan answer, 1)
	p.mu.Lock()
	p.conns[connID] = c
	p.pending[connID] = answers
	p.mu.Unlock()

	fail := func(err error) (peer.Conn, error) {
		p.mu.Lock()
		delete(p.pending, connID)
		p.mu.Unlock()
		c.closeLocal()
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("create offer: %w", err))
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("set local description: %w", err))
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	payload, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		return fail(fmt.Errorf("marshal offer: %w", err))
	}
	if err := p.client.Send(signal.Frame{
		Type:         signal.FrameOffer,
		Dst:          remoteID,
		ConnectionID: connID,
		Payload:      payload,
	}); err != nil {
		return fail(err)
	}

	select {
	case a := <-answers:
		if a.err != nil {
			return fail(a.err)
		}
		if err := pc.SetRemoteDescription(a.sdp); err != nil {
			return fail(fmt.Errorf("set remote description: %w", err))
		}
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-p.done:
		return fail(peer.ErrClosed)
	}

	select {
	case <-opened:
		return c, nil
	case <-c.Done():
		return fail(fmt.Errorf("%w: %s", peer.ErrPeerUnavailable, remoteID))
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-p.done:
		return fail(peer.ErrClosed)
	}
}

// Close destroys the peer and all its peer connections.
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
	case signal.FrameOffer:
		// Answering waits for ICE gathering; keep the frame loop free.
		go p.answerOffer(frame)

	case signal.FrameAnswer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(frame.Payload, &sdp); err != nil {
			p.resolve(frame.ConnectionID, answer{err: fmt.Errorf("unmarshal answer: %w", err)})
			return
		}
		p.resolve(frame.ConnectionID, answer{sdp: sdp})

	case signal.FrameClose:
		if c := p.conn(frame.ConnectionID); c != nil {
			c.closeLocal()
		}

	case signal.FrameExpire:
		err := fmt.Errorf("%w: %s", peer.ErrPeerUnavailable, frame.Src)
		if !p.resolve(frame.ConnectionID, answer{err: err}) {
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

// answerOffer accepts a remote offer and yields the connection once its
// data channel opens.
func (p *Peer) answerOffer(frame signal.Frame) {
	logger := log.With().
		Str("peer_id", p.ID()).
		Str("remote_id", frame.Src).
		Str("connection_id", frame.ConnectionID).
		Logger()

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(frame.Payload, &offer); err != nil {
		logger.Warn().Err(err).Msg("malformed offer")
		return
	}

	pc, err := p.network.api.NewPeerConnection(p.network.config)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create peer connection")
		return
	}

	c := p.newConn(frame.Src, frame.ConnectionID, pc)
	p.mu.Lock()
	p.conns[frame.ConnectionID] = c
	p.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			c.attach(dc)
			select {
			case p.incoming <- c:
			case <-p.done:
			case <-c.Done():
			}
		})
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		logger.Error().Err(err).Msg("failed to apply offer")
		c.closeLocal()
		return
	}
	local, err := pc.CreateAnswer(nil)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create answer")
		c.closeLocal()
		return
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(local); err != nil {
		logger.Error().Err(err).Msg("failed to set local description")
		c.closeLocal()
		return
	}
	select {
	case <-gathered:
	case <-p.done:
		return
	}

	payload, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshal answer")
		c.closeLocal()
		return
	}
	if err := p.client.Send(signal.Frame{
		Type:         signal.FrameAnswer,
		Dst:          frame.Src,
		ConnectionID: frame.ConnectionID,
		Payload:      payload,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to send answer")
		c.closeLocal()
	}
}

func (p *Peer) resolve(connID string, a answer) bool {
	p.mu.Lock()
	ch, ok := p.pending[connID]
	delete(p.pending, connID)
	p.mu.Unlock()

	if ok {
		ch <- a
	}
	return ok
}

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
			ch <- answer{err: fmt.Errorf("%w: %s", peer.ErrPeerUnavailable, remoteID)}
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

func (p *Peer) newConn(remoteID, connID string, pc *webrtc.PeerConnection) *Conn {
	c := &Conn{
		peer:     p,
		remoteID: remoteID,
		connID:   connID,
		pc:       pc,
		inbox:    peer.NewInbox(inboxSize),
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().
			Str("connection_id", connID).
			Str("state", state.String()).
			Msg("peer connection state changed")
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			c.closeLocal()
		}
	})
	return c
}

// Conn is a data-channel peer.Conn.
type Conn struct {
	peer     *Peer
	remoteID string
	connID   string
	pc       *webrtc.PeerConnection
	inbox    *peer.Inbox

	mu sync.Mutex
	dc *webrtc.DataChannel
}

var _ peer.Conn = (*Conn)(nil)

func (c *Conn) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.inbox.Deliver(msg.Data)
	})
	dc.OnClose(func() {
		c.closeLocal()
	})
}

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
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	return !c.inbox.Closed() && dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Send writes data to the data channel as a text message.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if c.inbox.Closed() || dc == nil {
		return peer.ErrClosed
	}
	if err := dc.SendText(string(data)); err != nil {
		return fmt.Errorf("send on data channel: %w", err)
	}
	return nil
}

// Close tears down the data channel and tells the remote side through the
// broker so it does not have to wait for ICE to time out.
func (c *Conn) Close() error {
	if !c.inbox.Closed() {
		c.peer.client.Send(signal.Frame{
			Type:         signal.FrameClose,
			Dst:          c.remoteID,
			ConnectionID: c.connID,
		})
	}
	c.closeLocal()
	return nil
}

func (c *Conn) closeLocal() {
	if !c.inbox.Close() {
		return
	}
	c.peer.forget(c.connID)

	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	// pion invokes close callbacks synchronously; do not block them.
	go func() {
		if dc != nil {
			dc.Close()
		}
		if err := c.pc.Close(); err != nil {
			log.Debug().Err(err).Str("connection_id", c.connID).Msg("peer connection close")
		}
	}()
}
