package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/logger"
)

// Common errors
var (
	ErrLinkClosed       = errors.New("link closed")
	ErrConnectionClosed = errors.New("connection closed")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrSendBufferFull   = errors.New("send buffer full")
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from the gateway
	maxMessageSize = 1024 * 1024 // 1MB

	// Ceiling on bytes queued for send before messages are dropped.
	// The link is a best-effort real-time channel, not a reliable one.
	maxBufferedBytes = 2 * 1024 * 1024 // 2MB

	sendQueueLen = 256

	// Deadline for the connect handshake round trip.
	handshakeTimeout = 10 * time.Second
)

// State is the connection state of a Link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingChallenge
	StateHandshaking
	StateConnected
	StateReconnectWait
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateReconnectWait:
		return "reconnect_wait"
	default:
		return "unknown"
	}
}

// Config holds the settings for one gateway link.
type Config struct {
	URL           string
	Token         string
	ClientID      string
	ClientVersion string
	Scopes        []string

	// ReconnectDelay is the wait before re-dialing after an abnormal close.
	ReconnectDelay time.Duration

	// MaxReconnects caps reconnect attempts. Zero means unlimited.
	MaxReconnects int

	// HeartbeatInterval is the ping period once the socket is open.
	HeartbeatInterval time.Duration

	// HandshakeFallback is how long to wait for a connect.challenge event
	// before sending the connect frame unprompted.
	HandshakeFallback time.Duration
}

type requestResult struct {
	resp *Response
	err  error
}

// EventHandler receives the payload of a demultiplexed upstream event.
type EventHandler func(payload json.RawMessage)

// Link owns one outbound WebSocket connection to the agent gateway.
// Each consumer (the dashboard bridge, the executor) owns an independent
// instance.
type Link struct {
	cfg    Config
	logger *logger.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	attempts int
	fallback *time.Timer

	pendingMu sync.Mutex
	pending   map[string]chan requestResult

	handlersMu  sync.RWMutex
	handlers    map[string]map[int]EventHandler
	anyHandlers map[int]func(event string, payload json.RawMessage)
	nextHandler int

	send      chan []byte
	sendBytes atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
}

// NewLink creates a gateway link. Connect must be called to open it.
func NewLink(cfg Config, log *logger.Logger) *Link {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HandshakeFallback <= 0 {
		cfg.HandshakeFallback = 2 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "agentboard"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}
	return &Link{
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "gateway_link")),
		state:       StateDisconnected,
		pending:     make(map[string]chan requestResult),
		handlers:    make(map[string]map[int]EventHandler),
		anyHandlers: make(map[int]func(string, json.RawMessage)),
		send:        make(chan []byte, sendQueueLen),
		closed:      make(chan struct{}),
	}
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.setStateLocked(s)
	l.mu.Unlock()
}

func (l *Link) setStateLocked(s State) {
	if l.state == s {
		return
	}
	l.logger.Debug("link state change",
		zap.String("from", l.state.String()),
		zap.String("to", s.String()))
	l.state = s
}

// Connect dials the gateway and begins the handshake. On dial failure a
// reconnect is scheduled and the error returned.
func (l *Link) Connect(ctx context.Context) error {
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}

	l.setState(StateConnecting)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.cfg.URL, nil)
	if err != nil {
		l.logger.Warn("gateway dial failed",
			zap.String("url", l.cfg.URL),
			zap.Error(err))
		l.setState(StateDisconnected)
		l.scheduleReconnect()
		return err
	}

	connDone := make(chan struct{})

	l.mu.Lock()
	l.conn = conn
	l.setStateLocked(StateAwaitingChallenge)
	// Handshake fallback: tolerate gateways that skip the challenge step.
	l.fallback = time.AfterFunc(l.cfg.HandshakeFallback, func() {
		l.beginHandshake("fallback")
	})
	l.mu.Unlock()

	go l.readLoop(conn, connDone)
	go l.writeLoop(conn, connDone)

	l.logger.Info("gateway socket open", zap.String("url", l.cfg.URL))
	return nil
}

// Close performs a clean shutdown of the link.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.mu.Lock()
		conn := l.conn
		l.conn = nil
		if l.fallback != nil {
			l.fallback.Stop()
			l.fallback = nil
		}
		l.setStateLocked(StateDisconnected)
		l.mu.Unlock()

		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}
		l.rejectPending(ErrLinkClosed)
		l.logger.Info("gateway link closed")
	})
}

// Request sends a req frame and waits for the matching res frame. The
// returned Response carries the upstream payload or error. Timeouts and
// per-request errors are local to the call and do not affect the
// connection.
func (l *Link) Request(ctx context.Context, method string, params interface{}, timeout time.Duration) (*Response, error) {
	select {
	case <-l.closed:
		return nil, ErrLinkClosed
	default:
	}

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = data
	}

	id := uuid.New().String()
	ch := make(chan requestResult, 1)

	l.pendingMu.Lock()
	l.pending[id] = ch
	l.pendingMu.Unlock()

	defer func() {
		l.pendingMu.Lock()
		delete(l.pending, id)
		l.pendingMu.Unlock()
	}()

	frame := &Frame{Type: FrameTypeRequest, ID: id, Method: method, Params: raw}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	if err := l.enqueue(data); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", method, ErrRequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ErrLinkClosed
	}
}

// On subscribes to a demultiplexed upstream event by name. The returned
// function removes the subscription.
func (l *Link) On(event string, handler EventHandler) func() {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()

	id := l.nextHandler
	l.nextHandler++
	if _, ok := l.handlers[event]; !ok {
		l.handlers[event] = make(map[int]EventHandler)
	}
	l.handlers[event][id] = handler

	return func() {
		l.handlersMu.Lock()
		defer l.handlersMu.Unlock()
		if hs, ok := l.handlers[event]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(l.handlers, event)
			}
		}
	}
}

// OnAny subscribes to every demultiplexed event, including locally
// synthesized link.status events. Used by the dashboard relay.
func (l *Link) OnAny(handler func(event string, payload json.RawMessage)) func() {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()

	id := l.nextHandler
	l.nextHandler++
	l.anyHandlers[id] = handler

	return func() {
		l.handlersMu.Lock()
		defer l.handlersMu.Unlock()
		delete(l.anyHandlers, id)
	}
}

// enqueue hands a marshaled frame to the writer, dropping it when the
// queued byte count would exceed the backpressure ceiling.
func (l *Link) enqueue(data []byte) error {
	if l.sendBytes.Load()+int64(len(data)) > maxBufferedBytes {
		l.logger.Warn("dropping outbound message, send buffer over ceiling",
			zap.Int64("buffered", l.sendBytes.Load()),
			zap.Int("size", len(data)))
		return ErrSendBufferFull
	}
	select {
	case l.send <- data:
		l.sendBytes.Add(int64(len(data)))
		return nil
	default:
		l.logger.Warn("dropping outbound message, send queue full",
			zap.Int("size", len(data)))
		return ErrSendBufferFull
	}
}

func (l *Link) readLoop(conn *websocket.Conn, connDone chan struct{}) {
	defer close(connDone)

	conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.handleDisconnect(conn, err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			l.logger.Warn("failed to parse gateway frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case FrameTypeResponse:
			l.resolvePending(&frame)
		case FrameTypeEvent:
			if frame.Event == EventChallenge {
				l.beginHandshake("challenge")
				continue
			}
			// During the handshake only challenge and response frames are
			// processed; everything else is unauthenticated traffic.
			if l.State() != StateConnected {
				l.logger.Debug("dropping event before handshake complete",
					zap.String("event", frame.Event))
				continue
			}
			l.dispatch(frame.Event, frame.Payload)
		default:
			l.logger.Warn("unknown frame type", zap.String("type", frame.Type))
		}
	}
}

func (l *Link) writeLoop(conn *websocket.Conn, connDone chan struct{}) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-connDone:
			return
		case <-l.closed:
			return
		case data := <-l.send:
			l.sendBytes.Add(-int64(len(data)))
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				l.logger.Warn("gateway write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// beginHandshake sends the connect frame exactly once per connection
// attempt, whether prompted by the challenge or by the fallback timer.
func (l *Link) beginHandshake(trigger string) {
	l.mu.Lock()
	if l.state != StateAwaitingChallenge {
		l.mu.Unlock()
		return
	}
	if l.fallback != nil {
		l.fallback.Stop()
		l.fallback = nil
	}
	l.setStateLocked(StateHandshaking)
	l.mu.Unlock()

	l.logger.Debug("starting handshake", zap.String("trigger", trigger))

	go func() {
		params := &ConnectParams{
			MinProtocol: MinProtocol,
			MaxProtocol: MaxProtocol,
			Client: ClientInfo{
				ID:       l.cfg.ClientID,
				Version:  l.cfg.ClientVersion,
				Platform: runtime.GOOS,
				Mode:     "backend",
			},
			Role:   "operator",
			Scopes: l.cfg.Scopes,
			Auth:   AuthParams{Token: l.cfg.Token},
		}

		resp, err := l.Request(context.Background(), MethodConnect, params, handshakeTimeout)
		if err != nil {
			l.logger.Error("handshake request failed", zap.Error(err))
			l.emitStatus("error", err.Error())
			return
		}
		if !resp.OK {
			// Terminal for this connection attempt. A new handshake only
			// happens after a transport-level reconnect.
			l.logger.Error("handshake rejected", zap.String("error", resp.Error))
			l.emitStatus("error", resp.Error)
			return
		}

		l.mu.Lock()
		l.setStateLocked(StateConnected)
		l.attempts = 0
		l.mu.Unlock()

		l.logger.Info("gateway handshake complete")
		l.emitStatus("connected", "")

		// Immediate probe so a half-open session surfaces right away.
		go func() {
			if _, err := l.Request(context.Background(), "health", nil, handshakeTimeout); err != nil {
				l.logger.Warn("post-handshake health probe failed", zap.Error(err))
			}
		}()
	}()
}

func (l *Link) resolvePending(frame *Frame) {
	l.pendingMu.Lock()
	ch, ok := l.pending[frame.ID]
	l.pendingMu.Unlock()

	if !ok {
		l.logger.Warn("response for unknown request", zap.String("id", frame.ID))
		return
	}
	ch <- requestResult{resp: &Response{OK: frame.OK, Payload: frame.Payload, Error: frame.Error}}
}

// rejectPending fails every in-flight request with the given error.
func (l *Link) rejectPending(err error) {
	l.pendingMu.Lock()
	pending := l.pending
	l.pending = make(map[string]chan requestResult)
	l.pendingMu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- requestResult{err: err}:
		default:
		}
	}
}

// drainSend discards frames still queued for a dropped connection. Their
// pending entries were already rejected; flushing them onto the next
// connection would replay a dead attempt's traffic.
func (l *Link) drainSend() {
	for {
		select {
		case data := <-l.send:
			l.sendBytes.Add(-int64(len(data)))
		default:
			return
		}
	}
}

func (l *Link) dispatch(event string, payload json.RawMessage) {
	l.handlersMu.RLock()
	var handlers []EventHandler
	for _, h := range l.handlers[event] {
		handlers = append(handlers, h)
	}
	var anyHandlers []func(string, json.RawMessage)
	for _, h := range l.anyHandlers {
		anyHandlers = append(anyHandlers, h)
	}
	l.handlersMu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
	for _, h := range anyHandlers {
		h(event, payload)
	}
}

// emitStatus synthesizes a local link.status event for subscribers.
func (l *Link) emitStatus(state, errText string) {
	payload, err := json.Marshal(&StatusPayload{State: state, Error: errText, At: time.Now().UTC()})
	if err != nil {
		return
	}
	l.dispatch(EventLinkStatus, payload)
}

func (l *Link) handleDisconnect(conn *websocket.Conn, err error) {
	l.mu.Lock()
	if l.conn != conn {
		// A newer connection already replaced this one.
		l.mu.Unlock()
		return
	}
	l.conn = nil
	if l.fallback != nil {
		l.fallback.Stop()
		l.fallback = nil
	}
	l.setStateLocked(StateDisconnected)
	l.mu.Unlock()

	conn.Close()
	l.rejectPending(ErrConnectionClosed)
	l.drainSend()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		l.logger.Warn("gateway connection lost", zap.Error(err))
	} else {
		l.logger.Info("gateway connection closed")
	}
	l.emitStatus("disconnected", err.Error())

	select {
	case <-l.closed:
		return
	default:
	}
	l.scheduleReconnect()
}

func (l *Link) scheduleReconnect() {
	l.mu.Lock()
	l.attempts++
	attempts := l.attempts
	if l.cfg.MaxReconnects > 0 && attempts > l.cfg.MaxReconnects {
		l.setStateLocked(StateDisconnected)
		l.mu.Unlock()
		l.logger.Error("reconnect attempts exhausted",
			zap.Int("attempts", attempts-1))
		l.emitStatus("failed", "reconnect attempts exhausted")
		return
	}
	l.setStateLocked(StateReconnectWait)
	l.mu.Unlock()

	l.logger.Info("scheduling reconnect",
		zap.Duration("delay", l.cfg.ReconnectDelay),
		zap.Int("attempt", attempts))

	time.AfterFunc(l.cfg.ReconnectDelay, func() {
		select {
		case <-l.closed:
			return
		default:
		}
		_ = l.Connect(context.Background())
	})
}
