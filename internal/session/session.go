// Package session keeps one persistent chat socket per user: it dials the
// gateway, decodes pushed frames into events, writes outbound messages and
// reconnects after abnormal closes with a linear, capped backoff.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"rdv-chat/internal/chat"
	"rdv-chat/internal/logger"
	"rdv-chat/internal/observe"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait           = 10 * time.Second // Time allowed to write a frame to the gateway.
	defaultPingInterval = 30 * time.Second
	normalCloseReason   = "User disconnect"
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Dialer opens the socket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Options struct {
	// Token is passed as the token query parameter when set.
	Token                string
	Dialer               Dialer
	PingInterval         time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	Logger               *logger.Logger
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		}
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	o.Logger = logger.OrNop(o.Logger)
	return o
}

type stopper interface {
	Stop() bool
}

// Session owns one logical connection for one user.
type Session struct {
	userID int
	opts   Options
	log    *logger.Logger

	// afterFunc schedules reconnects; swapped out by tests.
	afterFunc func(time.Duration, func()) stopper

	mu             sync.Mutex
	state          ConnectionState
	endpoint       string
	conn           *websocket.Conn
	gen            uint64 // bumped on every open and on Disconnect; stale callbacks compare against it
	attempts       int
	autoReconnect  bool
	reconnectTimer stopper
	cancelDial     context.CancelFunc

	writeMu sync.Mutex

	stateValue *observe.Value[ConnectionState]
	lastError  *observe.Value[string]

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
}

func New(userID int, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		userID: userID,
		opts:   opts,
		log:    opts.Logger.With(zap.Int("user_id", userID)),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		stateValue: observe.NewValue(Disconnected),
		lastError:  observe.NewValue(""),
		subs:       make(map[*Subscription]struct{}),
	}
}

func (s *Session) UserID() int { return s.userID }

func (s *Session) State() ConnectionState {
	return s.stateValue.Get()
}

func (s *Session) IsConnected() bool {
	return s.State() == Connected
}

// WatchState streams connection state changes, starting with the current one.
func (s *Session) WatchState() (<-chan ConnectionState, func()) {
	return s.stateValue.Watch()
}

// LastError is the latest readable failure, or "" when cleared.
func (s *Session) LastError() string {
	return s.lastError.Get()
}

func (s *Session) WatchErrors() (<-chan string, func()) {
	return s.lastError.Watch()
}

func (s *Session) ClearError() {
	s.lastError.Set("")
}

// Subscribe starts a new event stream for one consumer.
func (s *Session) Subscribe() *Subscription {
	sub := newSubscription(s)
	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()
	return sub
}

func (s *Session) removeSubscription(sub *Subscription) {
	s.subsMu.Lock()
	delete(s.subs, sub)
	s.subsMu.Unlock()
}

// Connect opens the socket for endpoint, the REST base URL of the gateway.
// It returns immediately; progress shows up in State. Calling it while
// already connecting or connected does nothing.
func (s *Session) Connect(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Connecting || s.state == Connected {
		s.log.Warnf("connect ignored: session already %s", s.state)
		return
	}

	s.endpoint = endpoint
	s.autoReconnect = true
	s.attempts = 0
	s.stopReconnectLocked()
	s.openLocked()
}

// Send writes one message frame. It returns false without writing anything
// when the session is not connected; nothing is queued for later.
func (s *Session) Send(conversationID int, content string, messageType chat.MessageType) bool {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if state != Connected || conn == nil {
		s.log.Warnf("cannot send message: session %s", state)
		s.lastError.Set("not connected to server")
		return false
	}

	data, err := chat.EncodeClientFrame(conversationID, content, messageType)
	if err != nil {
		s.lastError.Set(fmt.Sprintf("send error: %v", err))
		return false
	}

	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		s.log.Errorf("send failed: %v", err)
		s.lastError.Set(fmt.Sprintf("send failed: %v", err))
		return false
	}

	s.log.Debugf("message sent to conversation %d", conversationID)
	return true
}

// Disconnect closes the socket with a normal close and turns off automatic
// reconnection until the next Connect. Open subscriptions end.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.autoReconnect = false
	s.stopReconnectLocked()
	s.gen++
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	conn := s.conn
	s.conn = nil
	s.setStateLocked(Disconnected)
	s.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, normalCloseReason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
	}

	s.subsMu.Lock()
	subs := s.subs
	s.subs = make(map[*Subscription]struct{})
	s.subsMu.Unlock()
	for sub := range subs {
		sub.end()
	}

	s.log.Infof("session disconnected by user")
}

// openLocked starts a dial for the current endpoint. Callers hold s.mu.
func (s *Session) openLocked() {
	s.setStateLocked(Connecting)
	s.gen++
	gen := s.gen

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelDial = cancel

	go s.run(ctx, gen, s.endpoint)
}

func (s *Session) run(ctx context.Context, gen uint64, endpoint string) {
	target, err := EndpointURL(endpoint, s.userID, s.opts.Token)
	if err != nil {
		s.rejectEndpoint(gen, err)
		return
	}

	s.log.Debugf("connecting to %s", target)
	conn, _, err := s.opts.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		s.handleLoss(gen, nil, websocket.CloseAbnormalClosure, fmt.Errorf("connection failed: %w", err))
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.attempts = 0
	s.setStateLocked(Connected)
	s.mu.Unlock()
	s.log.Infof("session connected")

	pingDone := make(chan struct{})
	go s.pingLoop(conn, pingDone)
	defer close(pingDone)

	s.readLoop(conn, gen)
}

// readLoop pumps frames from the socket to the subscribers until it fails.
func (s *Session) readLoop(conn *websocket.Conn, gen uint64) {
	pongWait := 2 * s.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleLoss(gen, conn, closeCode(err), err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.dispatch(data)
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Session) dispatch(data []byte) {
	frame, err := chat.DecodeServerFrame(data)
	if err != nil {
		s.log.Warnf("dropping malformed frame: %v", err)
		s.lastError.Set(fmt.Sprintf("parse error: %v", err))
		s.publish(Event{Kind: EventParseError, Text: err.Error()})
		return
	}

	switch frame.Type {
	case chat.FrameNewMessage:
		s.publish(Event{Kind: EventMessage, Message: *frame.Message})
	case chat.FrameError:
		s.log.Warnf("server error: %s", frame.Error)
		s.lastError.Set(frame.Error)
		s.publish(Event{Kind: EventServerError, Text: frame.Error})
	default:
		s.log.Debugf("ignoring frame of unknown type %q", frame.Type)
	}
}

func (s *Session) publish(ev Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs {
		sub.push(ev)
	}
}

// handleLoss runs when a dial fails or an open socket closes. Callbacks from
// a superseded connection are ignored.
func (s *Session) handleLoss(gen uint64, conn *websocket.Conn, code int, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.conn = nil
	s.cancelDial = nil
	s.setStateLocked(Disconnected)

	if code == websocket.CloseNormalClosure {
		s.log.Infof("session closed normally")
		return
	}

	s.log.Errorf("session lost (code %d): %v", code, cause)
	s.lastError.Set(cause.Error())
	s.scheduleReconnectLocked()
}

// rejectEndpoint stops a connect whose endpoint can never be dialed. No
// reconnect is scheduled since retrying cannot fix the address.
func (s *Session) rejectEndpoint(gen uint64, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	s.setStateLocked(Disconnected)
	s.log.Errorf("cannot connect: %v", cause)
	s.lastError.Set(cause.Error())
}

func (s *Session) scheduleReconnectLocked() {
	if !s.autoReconnect {
		return
	}
	if s.attempts >= s.opts.MaxReconnectAttempts {
		s.log.Warnf("giving up after %d reconnect attempts", s.attempts)
		return
	}

	s.attempts++
	delay := ReconnectDelay(s.attempts, s.opts.ReconnectBaseDelay, s.opts.ReconnectMaxDelay)
	gen := s.gen
	s.log.Infof("reconnecting in %s (attempt %d/%d)", delay, s.attempts, s.opts.MaxReconnectAttempts)

	s.reconnectTimer = s.afterFunc(delay, func() {
		s.reconnect(gen)
	})
}

func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.autoReconnect || gen != s.gen || s.state != Disconnected {
		return
	}
	s.reconnectTimer = nil
	s.openLocked()
}

func (s *Session) stopReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *Session) setStateLocked(state ConnectionState) {
	s.state = state
	s.stateValue.Set(state)
}

func closeCode(err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return websocket.CloseAbnormalClosure
}
