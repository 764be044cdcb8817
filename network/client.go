package network

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hktstudios/hktcore/core"
)

// BatchHandler consumes a decoded frame batch on the client side.
type BatchHandler func(*core.FrameBatch)

// Client maintains one websocket connection to the server, submitting
// intents upstream and delivering frame batches to the handler. Dialing
// retries with exponential backoff.
type Client struct {
	url     string
	handler BatchHandler

	mu sync.Mutex
	ws *websocket.Conn
	id core.ClientID

	closeOnce sync.Once
	closeCh   chan struct{}

	log zerolog.Logger
}

// NewClient creates a client for the given websocket URL.
func NewClient(url string, handler BatchHandler, log zerolog.Logger) *Client {
	return &Client{
		url:     url,
		handler: handler,
		closeCh: make(chan struct{}),
		log:     log.With().Str("sys", "network").Logger(),
	}
}

// Connect dials the server, retrying with exponential backoff, and
// starts the read loop. Blocks until the welcome handshake completes or
// the backoff gives up.
func (c *Client) Connect() error {
	dial := func() error {
		ws, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			return err
		}

		// First message is the welcome with the assigned client id.
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return err
		}
		if len(data) != 5 || MessageType(data[0]) != MsgWelcome {
			ws.Close()
			return ErrShortMessage
		}

		c.mu.Lock()
		c.ws = ws
		c.id = core.ClientID(binary.LittleEndian.Uint32(data[1:]))
		c.mu.Unlock()
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(dial, policy); err != nil {
		return err
	}

	c.log.Info().Uint32("client", uint32(c.ID())).Str("url", c.url).Msg("connected")
	go c.readLoop()
	return nil
}

// ID returns the server-assigned client id, valid after Connect.
func (c *Client) ID() core.ClientID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// SubmitIntent sends one intent event to the server.
func (c *Client) SubmitIntent(ev *core.IntentEvent) error {
	data, err := EncodeSubmitIntent(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrShortMessage
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Close tears the connection down.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.mu.Lock()
		if c.ws != nil {
			c.ws.Close()
		}
		c.mu.Unlock()
	})
}

func (c *Client) readLoop() {
	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws == nil {
			return
		}

		kind, data, err := ws.ReadMessage()
		if err != nil {
			c.log.Debug().Err(err).Msg("read loop ended")
			return
		}
		if kind != websocket.BinaryMessage || len(data) < 1 {
			continue
		}
		if MessageType(data[0]) != MsgFrameBatch {
			continue
		}

		batch, err := DecodeBatch(data[1:])
		if err != nil {
			c.log.Warn().Err(err).Msg("bad batch")
			continue
		}
		if c.handler != nil {
			c.handler(&batch)
		}
	}
}
