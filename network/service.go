package network

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hktstudios/hktcore/core"
	"github.com/hktstudios/hktcore/sim"
)

const (
	writeTimeout  = 5 * time.Second
	sendQueueSize = 64
)

// conn wraps one connected client. Outbound batches go through a buffered
// channel drained by a dedicated writer goroutine; a full queue drops the
// batch rather than stalling the simulation thread.
type conn struct {
	id      core.ClientID
	ws      *websocket.Conn
	sendCh  chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
	closeCh   chan struct{}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.ws.Close()
	})
}

// send queues an encoded message. Returns false when the client is too
// slow and the queue is full.
func (c *conn) send(data []byte) bool {
	select {
	case c.sendCh <- data:
		return true
	default:
		return false
	}
}

// Service accepts websocket clients, feeds their intents to the server
// and pushes the server's batches back out. It implements sim.Transport.
type Service struct {
	server *sim.Server

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu     sync.RWMutex
	conns  map[core.ClientID]*conn
	nextID core.ClientID

	intentRate  rate.Limit
	intentBurst int

	log zerolog.Logger
}

// NewService creates a transport service for the server. Rate limiting is
// per connection.
func NewService(server *sim.Server, intentRate float64, intentBurst int, log zerolog.Logger) *Service {
	return &Service{
		server: server,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		conns:       make(map[core.ClientID]*conn),
		nextID:      1,
		intentRate:  rate.Limit(intentRate),
		intentBurst: intentBurst,
		log:         log.With().Str("sys", "network").Logger(),
	}
}

// Start listens on addr and serves websocket upgrades on /ws until
// Shutdown.
func (s *Service) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("transport serve failed")
		}
	}()

	s.log.Info().Str("addr", addr).Msg("transport listening")
	return nil
}

// Shutdown closes every connection and stops the listener.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.conns {
		c.close()
	}
	s.conns = make(map[core.ClientID]*conn)
	s.mu.Unlock()

	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// SendBatch implements sim.Transport. Called on the simulation thread;
// the actual write happens on the connection's writer goroutine.
func (s *Service) SendBatch(id core.ClientID, b *core.FrameBatch) {
	s.mu.RLock()
	c := s.conns[id]
	s.mu.RUnlock()
	if c == nil {
		return
	}

	data, err := EncodeBatch(b)
	if err != nil {
		s.log.Error().Err(err).Uint32("client", uint32(id)).Msg("batch encode failed")
		return
	}
	if !c.send(data) {
		s.log.Warn().Uint32("client", uint32(id)).Msg("send queue full, dropping batch")
	}
}

func (s *Service) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	c := &conn{
		id:      id,
		ws:      ws,
		sendCh:  make(chan []byte, sendQueueSize),
		limiter: rate.NewLimiter(s.intentRate, s.intentBurst),
		closeCh: make(chan struct{}),
	}
	s.conns[id] = c
	s.mu.Unlock()

	// The pawn is bound later by gameplay (the character-spawn flow);
	// until then the client only receives global events.
	s.server.AddClient(id, core.InvalidEntity)

	s.log.Info().Uint32("client", uint32(id)).Str("addr", ws.RemoteAddr().String()).Msg("client connected")

	go s.writeLoop(c)
	go s.readLoop(c)
}

func (s *Service) writeLoop(c *conn) {
	// Welcome handshake carries the assigned client id.
	var hello bytes.Buffer
	hello.WriteByte(byte(MsgWelcome))
	hello.Write([]byte{byte(c.id), byte(c.id >> 8), byte(c.id >> 16), byte(c.id >> 24)})
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, hello.Bytes()); err != nil {
		s.drop(c)
		return
	}

	for {
		select {
		case data := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				s.drop(c)
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func (s *Service) readLoop(c *conn) {
	defer s.drop(c)

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage || len(data) < 1 {
			continue
		}

		switch MessageType(data[0]) {
		case MsgSubmitIntent:
			if !c.limiter.Allow() {
				s.log.Warn().Uint32("client", uint32(c.id)).Msg("intent rate limit exceeded")
				continue
			}
			ev, err := DecodeIntent(bytes.NewReader(data[1:]))
			if err != nil {
				s.log.Warn().Err(err).Uint32("client", uint32(c.id)).Msg("bad intent")
				continue
			}
			s.server.SubmitIntent(ev)

		case MsgHello:
			// Already welcomed on connect; ignored.

		default:
			s.log.Warn().Uint8("type", data[0]).Msg("unexpected message type")
		}
	}
}

// drop removes a connection and unregisters its client.
func (s *Service) drop(c *conn) {
	c.close()
	s.mu.Lock()
	removed := false
	if s.conns[c.id] == c {
		delete(s.conns, c.id)
		removed = true
	}
	s.mu.Unlock()
	if removed {
		s.server.RemoveClient(c.id)
	}
	s.log.Info().Uint32("client", uint32(c.id)).Msg("client disconnected")
}
