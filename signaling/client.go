package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bt-bridge/voicelink/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	reconnectMinBackoff = 250 * time.Millisecond
	reconnectMaxBackoff = 5 * time.Second
)

// Client is a Channel backed by a remote Relay.
type Client struct {
	baseURL *url.URL
	timeout time.Duration
	http    *fasthttp.Client
	dialer  *websocket.Dialer
	logger  shared.LoggerAdapter

	mu     sync.Mutex
	conns  map[string]*stream
	nextID uint64
	closed bool
}

var _ Channel = (*Client)(nil)

func NewClient(logger shared.LoggerAdapter, rawURL string, timeout time.Duration) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if rawURL == "" {
		return nil, shared.ErrNoChannel
	}
	baseURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing signaling url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported signaling url scheme %q", baseURL.Scheme)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		timeout: timeout,
		http: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
		},
		logger: logger.With(zap.String("component", "signaling-client")),
		conns:  make(map[string]*stream),
	}, nil
}

type response struct {
	status int
	body   []byte
	err    error
}

// do runs one request. The request objects are owned by the worker goroutine
// so a cancelled caller never races with their release.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, nil, shared.ErrChannelClosed
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	respC := make(chan response, 1)
	go func() {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(c.baseURL.JoinPath(path).String())
		req.Header.SetMethod(method)
		if body != nil {
			req.Header.SetContentType("application/json")
			req.SetBody(body)
		}
		if err := c.http.DoTimeout(req, resp, c.timeout); err != nil {
			respC <- response{err: err}
			return
		}
		respC <- response{
			status: resp.StatusCode(),
			body:   append([]byte(nil), resp.Body()...),
		}
	}()

	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case r := <-respC:
		if r.err != nil {
			return 0, nil, fmt.Errorf("performing %s %s: %w", method, path, r.err)
		}
		return r.status, r.body, nil
	}
}

func (c *Client) Send(ctx context.Context, env Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	status, body, err := c.do(ctx, fasthttp.MethodPost, "/v1/envelopes", data)
	if err != nil {
		return err
	}
	if status != fasthttp.StatusAccepted {
		return statusError(status, body)
	}
	return nil
}

func (c *Client) RemoveCallRecord(ctx context.Context, identity string) error {
	status, body, err := c.do(ctx, fasthttp.MethodDelete, "/v1/calls/"+identity, nil)
	if err != nil {
		return err
	}
	if status != fasthttp.StatusNoContent && status != fasthttp.StatusNotFound {
		return statusError(status, body)
	}
	return nil
}

func (c *Client) GetPendingOffer(ctx context.Context, identity string) (*Envelope, error) {
	status, body, err := c.do(ctx, fasthttp.MethodGet, "/v1/calls/"+identity, nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case fasthttp.StatusOK:
		env, err := DecodeEnvelope(body)
		if err != nil {
			return nil, err
		}
		return &env, nil
	case fasthttp.StatusNotFound:
		return nil, nil
	default:
		return nil, statusError(status, body)
	}
}

func statusError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := sonic.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		if status == fasthttp.StatusServiceUnavailable {
			return fmt.Errorf("%w: %s", shared.ErrChannelClosed, payload.Error)
		}
		return fmt.Errorf("unexpected status code: %d, error: %s", status, payload.Error)
	}
	return fmt.Errorf("unexpected status code: %d, body: %s", status, string(body))
}

func (c *Client) Listen(identity string, onOffer Handler) (Unsubscribe, error) {
	s, unsub, err := c.subscribe(identity, EnvelopeTypeOffer, onOffer)
	if err != nil {
		return nil, err
	}
	go c.deliverPendingOffer(s)
	return unsub, nil
}

// deliverPendingOffer fetches the call record of the stream's identity and
// dispatches it. Offers already seen by the stream are skipped by dispatch.
func (c *Client) deliverPendingOffer(s *stream) {
	if !s.wants(EnvelopeTypeOffer) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	offer, err := c.GetPendingOffer(ctx, s.identity)
	if err != nil {
		c.logger.Warn("fetching pending offer", zap.String("identity", s.identity), zap.Error(err))
		return
	}
	if offer != nil {
		s.dispatch(*offer)
	}
}

func (c *Client) ListenForAnswer(identity string, onAnswer Handler) (Unsubscribe, error) {
	_, unsub, err := c.subscribe(identity, EnvelopeTypeAnswer, onAnswer)
	return unsub, err
}

func (c *Client) ListenForIceCandidates(identity string, onCandidate Handler) (Unsubscribe, error) {
	_, unsub, err := c.subscribe(identity, EnvelopeTypeIceCandidate, onCandidate)
	return unsub, err
}

func (c *Client) ListenForTeardown(identity string, onTeardown Handler) (Unsubscribe, error) {
	_, unsub, err := c.subscribe(identity, EnvelopeTypeTeardown, onTeardown)
	return unsub, err
}

func (c *Client) subscribe(identity string, typ EnvelopeType, h Handler) (*stream, Unsubscribe, error) {
	if identity == "" {
		return nil, nil, shared.ErrNoIdentity
	}
	if h == nil {
		return nil, nil, shared.ErrInvalidEnvelope
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, shared.ErrChannelClosed
	}
	s, ok := c.conns[identity]
	c.mu.Unlock()

	var fresh *websocket.Conn
	if !ok {
		var err error
		if fresh, err = c.dial(identity); err != nil {
			return nil, nil, err
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if fresh != nil {
			_ = fresh.Close()
		}
		return nil, nil, shared.ErrChannelClosed
	}
	start := false
	if existing, ok := c.conns[identity]; ok {
		s = existing
	} else {
		if fresh == nil {
			// the stream we saw was closed meanwhile
			c.mu.Unlock()
			return c.subscribe(identity, typ, h)
		}
		s = c.newStream(identity, fresh)
		c.conns[identity] = s
		start = true
	}
	c.nextID++
	id := c.nextID
	s.add(typ, id, h)
	c.mu.Unlock()

	if start {
		go s.run(fresh)
	} else if fresh != nil {
		_ = fresh.Close()
	}

	return s, func() {
		c.mu.Lock()
		empty := s.remove(typ, id)
		if empty && c.conns[identity] == s {
			delete(c.conns, identity)
		}
		c.mu.Unlock()
		if empty {
			s.close()
		}
	}, nil
}

func (c *Client) wsURL(identity string) string {
	u := *c.baseURL.JoinPath("/v1/ws", identity)
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	return u.String()
}

func (c *Client) dial(identity string) (*websocket.Conn, error) {
	conn, _, err := c.dialer.Dial(c.wsURL(identity), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing relay: %v", shared.ErrTransportFailed, err)
	}
	return conn, nil
}

func (c *Client) newStream(identity string, conn *websocket.Conn) *stream {
	s := &stream{
		identity: identity,
		conn:     conn,
		handlers: make(map[EnvelopeType]map[uint64]Handler),
		done:     make(chan struct{}),
		logger:   c.logger.With(zap.String("identity", identity)),
	}
	s.redial = func() (*websocket.Conn, error) { return c.dial(identity) }
	s.resync = func() { c.deliverPendingOffer(s) }
	return s
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := c.conns
	c.conns = make(map[string]*stream)
	c.mu.Unlock()

	for _, s := range conns {
		s.close()
	}
	return nil
}

// stream is one websocket subscription to the relay shared by every handler
// of an identity. It redials until closed when the relay drops the socket.
type stream struct {
	identity string
	logger   shared.LoggerAdapter
	redial   func() (*websocket.Conn, error)
	resync   func()

	mu        sync.Mutex
	handlers  map[EnvelopeType]map[uint64]Handler
	lastOffer *Envelope

	// writeMu guards conn and every write on it.
	writeMu sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	once    sync.Once
}

func (s *stream) add(typ EnvelopeType, id uint64, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.handlers[typ]
	if !ok {
		byID = make(map[uint64]Handler)
		s.handlers[typ] = byID
	}
	byID[id] = h
}

// remove reports whether the stream has no handlers left.
func (s *stream) remove(typ EnvelopeType, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers[typ], id)
	if len(s.handlers[typ]) == 0 {
		delete(s.handlers, typ)
	}
	return len(s.handlers) == 0
}

func (s *stream) wants(typ EnvelopeType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers[typ]) > 0
}

// dispatch delivers env to the handlers of its type. An offer identical to
// the last one seen is skipped, since both the relay replay and the pending
// offer fetch may deliver it.
func (s *stream) dispatch(env Envelope) {
	s.mu.Lock()
	if env.Type == EnvelopeTypeOffer {
		if s.lastOffer != nil && s.lastOffer.From == env.From && s.lastOffer.SDP == env.SDP {
			s.mu.Unlock()
			return
		}
		s.lastOffer = &env
	}
	handlers := make([]Handler, 0, len(s.handlers[env.Type]))
	for _, h := range s.handlers[env.Type] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

func (s *stream) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// run reads from conn and, whenever the socket is lost, redials with
// exponential backoff. Offers sent while disconnected are fetched again once
// the subscription is restored.
func (s *stream) run(conn *websocket.Conn) {
	for {
		s.readLoop(conn)
		if s.closing() {
			return
		}
		s.logger.Warn("relay subscription lost, reconnecting")
		if conn = s.reconnect(); conn == nil {
			return
		}
		s.logger.Info("relay subscription restored")
		go s.resync()
	}
}

func (s *stream) reconnect() *websocket.Conn {
	backoff := reconnectMinBackoff
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	for {
		select {
		case <-s.done:
			return nil
		case <-timer.C:
		}
		conn, err := s.redial()
		if err == nil {
			if s.swap(conn) {
				return conn
			}
			_ = conn.Close()
			return nil
		}
		s.logger.Debug("redialing relay", zap.Error(err), zap.Duration("backoff", backoff))
		backoff = min(backoff*2, reconnectMaxBackoff)
		timer.Reset(backoff)
	}
}

// swap installs conn unless the stream was closed meanwhile.
func (s *stream) swap(conn *websocket.Conn) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closing() {
		return false
	}
	s.conn = conn
	return true
}

func (s *stream) readLoop(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !s.closing() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("relay read failed", zap.Error(err))
			}
			return
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			s.logger.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}
		s.dispatch(env)
	}
}

func (s *stream) close() {
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		_ = s.conn.Close()
	})
}
