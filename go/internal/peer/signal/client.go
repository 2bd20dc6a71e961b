package signal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/vsmeter/go/internal/peer"
)

const clientWriteTimeout = 10 * time.Second

// Client is a peer's connection to the broker.
type Client struct {
	id     string
	conn   *websocket.Conn
	frames chan Frame

	writeMu sync.Mutex

	done chan struct{}
	once sync.Once
	err  error
}

// Dial registers with the broker at brokerURL under id and waits for the
// broker to accept it. An empty id asks the broker to assign one.
func Dial(ctx context.Context, brokerURL, id string) (*Client, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	if id != "" {
		q := u.Query()
		q.Set("id", id)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	// Abort the handshake read if ctx ends first.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})

	var open Frame
	readErr := conn.ReadJSON(&open)
	if !stop() {
		conn.Close()
		return nil, ctx.Err()
	}
	if readErr != nil {
		conn.Close()
		return nil, fmt.Errorf("read broker handshake: %w", readErr)
	}

	switch open.Type {
	case FrameOpen:
	case FrameIDTaken:
		conn.Close()
		return nil, fmt.Errorf("%w: %s", peer.ErrIDTaken, id)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected broker handshake frame %q", open.Type)
	}

	c := &Client{
		id:     open.Dst,
		conn:   conn,
		frames: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()

	log.Debug().Str("peer_id", c.id).Str("broker", u.Host).Msg("registered with broker")
	return c, nil
}

// ID returns the id the broker registered.
func (c *Client) ID() string {
	return c.id
}

// Frames yields frames routed to this client. It is never closed; select
// on Done as well.
func (c *Client) Frames() <-chan Frame {
	return c.frames
}

// Done is closed when the broker connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is alive or after
// a clean Close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Send writes a frame to the broker.
func (c *Client) Send(frame Frame) error {
	select {
	case <-c.done:
		return peer.ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	if err := c.conn.WriteJSON(frame); err != nil {
		c.shutdown(err)
		return fmt.Errorf("write %s frame: %w", frame.Type, err)
	}
	return nil
}

// Close leaves the broker. Idempotent.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				err = nil
			}
			c.shutdown(err)
			return
		}

		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}
