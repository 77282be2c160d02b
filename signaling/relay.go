package signaling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/voicelink/shared"
	"github.com/bytedance/sonic"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
)

// Relay exposes a Memory hub over HTTP and websockets so that peers in
// different processes can share one signaling channel.
type Relay struct {
	hub    *Memory
	logger shared.LoggerAdapter

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}

	connections atomic.Int64
	relayed     atomic.Uint64
}

func NewRelay(logger shared.LoggerAdapter, hub *Memory) (*Relay, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if hub == nil {
		return nil, shared.ErrNoChannel
	}
	return &Relay{
		hub:    hub,
		logger: logger.With(zap.String("component", "signaling-relay")),
		subs:   make(map[string]map[*subscriber]struct{}),
	}, nil
}

// NewRelayApp builds a fiber app with sonic as JSON codec and the relay routes registered.
func NewRelayApp(r *Relay) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
	})
	r.RegisterRoutes(app)
	return app
}

func (r *Relay) RegisterRoutes(app *fiber.App) {
	app.Use("/v1/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	v1 := app.Group("/v1")
	v1.Post("/envelopes", r.handleSend)
	v1.Get("/calls/:identity", r.handleGetCall)
	v1.Delete("/calls/:identity", r.handleDeleteCall)
	v1.Get("/ws/:identity", websocket.New(r.handleSubscriber))
}

// Connections reports the number of open websocket subscribers.
func (r *Relay) Connections() int {
	return int(r.connections.Load())
}

func (r *Relay) Relayed() uint64 {
	return r.relayed.Load()
}

// Disconnect closes every websocket held by identity and returns how many
// were closed. Clients reconnect on their own.
func (r *Relay) Disconnect(identity string) int {
	r.mu.Lock()
	subs := make([]*subscriber, 0, len(r.subs[identity]))
	for sub := range r.subs[identity] {
		subs = append(subs, sub)
	}
	r.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
	return len(subs)
}

// Close sends a close frame to every subscriber so the server can shut down
// without waiting on idle sockets.
func (r *Relay) Close() {
	r.mu.Lock()
	identities := make([]string, 0, len(r.subs))
	for identity := range r.subs {
		identities = append(identities, identity)
	}
	r.mu.Unlock()
	for _, identity := range identities {
		r.Disconnect(identity)
	}
}

func (r *Relay) track(sub *subscriber) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[sub.identity]
	if !ok {
		set = make(map[*subscriber]struct{})
		r.subs[sub.identity] = set
	}
	set[sub] = struct{}{}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(set, sub)
		if len(r.subs[sub.identity]) == 0 {
			delete(r.subs, sub.identity)
		}
	}
}

func (r *Relay) handleSend(c *fiber.Ctx) error {
	env, err := DecodeEnvelope(c.Body())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := r.hub.Send(c.UserContext(), env); err != nil {
		return r.hubError(c, err)
	}
	r.relayed.Add(1)
	return c.SendStatus(fiber.StatusAccepted)
}

func (r *Relay) handleGetCall(c *fiber.Ctx) error {
	offer, err := r.hub.GetPendingOffer(c.UserContext(), c.Params("identity"))
	if err != nil {
		return r.hubError(c, err)
	}
	if offer == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no pending call"})
	}
	return c.JSON(offer)
}

func (r *Relay) handleDeleteCall(c *fiber.Ctx) error {
	if err := r.hub.RemoveCallRecord(c.UserContext(), c.Params("identity")); err != nil {
		return r.hubError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (r *Relay) hubError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, shared.ErrInvalidEnvelope):
		status = fiber.StatusBadRequest
	case errors.Is(err, shared.ErrChannelClosed):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		status = fiber.StatusRequestTimeout
	}
	r.logger.Error("relay request failed", err, zap.String("path", c.Path()))
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

type subscriber struct {
	identity string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	// closed by writePump on exit; the conn goes back to fiber's pool once
	// the handler returns, so the handler waits on it.
	writerDone chan struct{}
	logger     shared.LoggerAdapter
}

func (s *subscriber) push(env Envelope) {
	data, err := env.Encode()
	if err != nil {
		s.logger.Error("encoding envelope", err)
		return
	}
	select {
	case s.send <- data:
	case <-s.done:
	default:
		s.logger.Warn("subscriber queue full, envelope dropped", zap.String("type", string(env.Type)))
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (r *Relay) handleSubscriber(conn *websocket.Conn) {
	identity := conn.Params("identity")
	sub := &subscriber{
		identity:   identity,
		conn:       conn,
		send:       make(chan []byte, sendQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		logger:     r.logger.With(zap.String("identity", identity)),
	}

	var unsubs []Unsubscribe
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()
	for _, typ := range envelopeTypes {
		unsub, err := r.hub.Subscribe(identity, typ, sub.push)
		if err != nil {
			sub.logger.Error("subscribing relay client", err)
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
			return
		}
		unsubs = append(unsubs, unsub)
	}

	untrack := r.track(sub)
	defer untrack()

	count := r.connections.Add(1)
	sub.logger.Info("subscriber connected", zap.Int64("connections", count))
	defer func() {
		count := r.connections.Add(-1)
		sub.logger.Info("subscriber disconnected", zap.Int64("connections", count))
	}()

	go sub.writePump()
	sub.readPump()
	sub.stop()
	<-sub.writerDone
}

// readPump only consumes control frames; subscribers never write envelopes
// over the socket.
func (s *subscriber) readPump() {
	defer s.stop()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("subscriber read failed", zap.Error(err))
			}
			return
		}
	}
}

// writePump is the only writer on the connection. Closing the conn on exit
// unblocks readPump.
func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.stop()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.stop()
				return
			}
		}
	}
}
