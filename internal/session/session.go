// Package session implements the upstream broker session manager: one
// logical WebSocket connection per account, request/response correlation by
// request id, unsolicited-message fan-out to streaming listeners, heartbeat,
// backpressure, and reconnect with full-jitter exponential backoff.
//
// The transport mirrors the teacher's websocket client: nhooyr.io/websocket
// over an HTTP/1.1-forced client (some CloudFront/Cloudflare-fronted
// brokers negotiate ALPN poorly for streaming connections over HTTP/2).
package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/tradecore/internal/events"
	"github.com/aristath/tradecore/internal/tradeerr"
)

const (
	defaultQueueDepth   = 256
	defaultIdleThreshold = 30 * time.Second
	defaultPongDeadline  = 10 * time.Second
	backoffBase          = 250 * time.Millisecond
	backoffCap           = 30 * time.Second

	// maxInFlightInbound is the in-flight inbound-frame count at which
	// readLoop briefly yields before the next read. readLoop dispatches
	// each frame synchronously, so the count never exceeds one and this
	// pause is not reached.
	maxInFlightInbound   = 128
	inboundBackpressurePause = 5 * time.Millisecond
)

// StreamingListener receives unsolicited inbound frames (no matching
// request id).
type StreamingListener func(msgType string, payload json.RawMessage)

// ConnectionReadyListener is invoked once a session is (re)authorized.
type ConnectionReadyListener func(isReconnect bool)

type pendingRequest struct {
	resultCh chan requestResult
	deadline time.Time
}

type requestResult struct {
	payload json.RawMessage
	err     error
}

// outboundFrame is one queued write.
type outboundFrame struct {
	data []byte
}

// Session is one logical connection to the upstream broker for a single
// account. At most one socket is open at a time; all outbound frames are
// serialized through outbox.
type Session struct {
	accountID string
	token     string
	url       string

	mu            sync.Mutex
	conn          *websocket.Conn
	connCtx       context.Context
	cancelConn    context.CancelFunc
	authorized    bool
	reconnecting  bool
	reconnectAttempt int
	lastActivity  time.Time

	outbox chan outboundFrame

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	streamListeners []StreamingListener
	readyListeners  []ConnectionReadyListener
	listenerMu      sync.RWMutex

	stopCh chan struct{}
	stopped bool

	inFlightInbound int32

	bus *events.Manager
	log zerolog.Logger
}

func newHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			ForceAttemptHTTP2: false,
			TLSClientConfig:   &tls.Config{NextProtos: []string{"http/1.1"}},
		},
		Timeout: 15 * time.Second,
	}
}

func newSession(accountID, token, url string, bus *events.Manager, log zerolog.Logger) *Session {
	return &Session{
		accountID: accountID,
		token:     token,
		url:       url,
		outbox:    make(chan outboundFrame, defaultQueueDepth),
		pending:   make(map[string]*pendingRequest),
		stopCh:    make(chan struct{}),
		bus:       bus,
		log:       log.With().Str("component", "session").Str("account_id", accountID).Logger(),
	}
}

// connect dials the upstream socket, sends the authorize frame, and starts
// the read/write/heartbeat loops. Authorization failure is permanent for
// this session (no retry); transport failures are retried by the caller via
// reconnectLoop.
func (s *Session) connect(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(context.Background())

	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPClient: newHTTP1Client()})
	if err != nil {
		cancel()
		return tradeerr.Wrap(tradeerr.ConnectionLost, fmt.Errorf("dial: %w", err))
	}
	conn.SetReadLimit(1 << 20)

	s.mu.Lock()
	s.conn = conn
	s.connCtx = connCtx
	s.cancelConn = cancel
	s.lastActivity = time.Now()
	s.mu.Unlock()

	go s.readLoop(connCtx, conn)
	go s.writeLoop(connCtx, conn)
	go s.heartbeatLoop(connCtx, conn)

	if err := s.authorize(ctx); err != nil {
		s.closeConn(websocket.StatusPolicyViolation, "authorize failed")
		return tradeerr.Wrap(tradeerr.Auth, err)
	}

	s.mu.Lock()
	s.authorized = true
	wasReconnect := s.reconnectAttempt > 0
	s.reconnectAttempt = 0
	s.mu.Unlock()

	s.bus.Publish(&events.ConnectionReadyData{AccountID: s.accountID, IsReconnect: wasReconnect})
	s.notifyReady(wasReconnect)
	return nil
}

func (s *Session) authorize(ctx context.Context) error {
	deadline := time.Now().Add(10 * time.Second)
	_, err := s.request(ctx, map[string]any{"authorize": s.token}, deadline)
	return err
}

func (s *Session) notifyReady(isReconnect bool) {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	for _, fn := range s.readyListeners {
		fn(isReconnect)
	}
}

func (s *Session) closeConn(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancelConn
	s.authorized = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(code, reason)
	}
}

// request writes frame tagged with a fresh request id and blocks until the
// matching response arrives or the deadline expires.
func (s *Session) request(ctx context.Context, frame map[string]any, deadline time.Time) (json.RawMessage, error) {
	reqID := uuid.NewString()
	frame["req_id"] = reqID

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, tradeerr.Wrap(tradeerr.Validation, err)
	}

	pr := &pendingRequest{resultCh: make(chan requestResult, 1), deadline: deadline}
	s.pendingMu.Lock()
	s.pending[reqID] = pr
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, reqID)
		s.pendingMu.Unlock()
	}()

	select {
	case s.outbox <- outboundFrame{data: data}:
	default:
		return nil, tradeerr.New(tradeerr.QueueFull)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case res := <-pr.resultCh:
		return res.payload, res.err
	case <-timer.C:
		return nil, tradeerr.New(tradeerr.RequestTimeout)
	case <-ctx.Done():
		return nil, tradeerr.Wrap(tradeerr.RequestTimeout, ctx.Err())
	case <-s.stopCh:
		return nil, tradeerr.New(tradeerr.ConnectionLost)
	}
}

// fireAndForget enqueues frame without waiting for a response.
func (s *Session) fireAndForget(frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return tradeerr.Wrap(tradeerr.Validation, err)
	}
	select {
	case s.outbox <- outboundFrame{data: data}:
		return nil
	default:
		return tradeerr.New(tradeerr.QueueFull)
	}
}

func (s *Session) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.outbox:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, frame.data)
			cancel()
			if err != nil {
				s.log.Warn().Err(err).Msg("write failed, closing session")
				s.failAllPending(tradeerr.New(tradeerr.ConnectionLost))
				return
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if atomic.LoadInt32(&s.inFlightInbound) >= maxInFlightInbound {
			s.log.Warn().Msg("in-flight inbound frames at cap, pausing reads")
			time.Sleep(inboundBackpressurePause)
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			code := websocket.CloseStatus(err)
			s.log.Warn().Err(err).Int("close_code", int(code)).Msg("read failed")
			s.failAllPending(tradeerr.New(tradeerr.ConnectionLost))
			s.bus.Publish(&events.ConnectionLostData{AccountID: s.accountID, Reason: err.Error()})
			return
		}
		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()

		atomic.AddInt32(&s.inFlightInbound, 1)
		s.handleMessage(data)
		atomic.AddInt32(&s.inFlightInbound, -1)
	}
}

func (s *Session) handleMessage(data []byte) {
	var envelope struct {
		MsgType string          `json:"msg_type"`
		ReqID   string          `json:"req_id"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.log.Warn().Err(err).Msg("malformed upstream frame")
		return
	}

	if envelope.ReqID != "" {
		s.pendingMu.Lock()
		pr, ok := s.pending[envelope.ReqID]
		s.pendingMu.Unlock()
		if ok {
			var res requestResult
			res.payload = json.RawMessage(data)
			if envelope.Error != nil {
				res.err = mapUpstreamError(envelope.Error.Code, envelope.Error.Message)
			}
			select {
			case pr.resultCh <- res:
			default:
			}
			return
		}
	}

	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	for _, fn := range s.streamListeners {
		fn(envelope.MsgType, json.RawMessage(data))
	}
}

func mapUpstreamError(code, message string) error {
	switch code {
	case "AuthorizationRequired", "InvalidToken":
		return tradeerr.WrapReason(tradeerr.Auth, code, fmt.Errorf("%s", message))
	case "RateLimit":
		return tradeerr.WrapReason(tradeerr.UpstreamTransient, "RATE_LIMITED", fmt.Errorf("%s", message))
	case "MarketIsClosed", "ContractBuyValidationError", "InsufficientBalance":
		return tradeerr.WrapReason(tradeerr.UpstreamFatal, code, fmt.Errorf("%s", message))
	default:
		return tradeerr.WrapReason(tradeerr.UpstreamFatal, code, fmt.Errorf("%s", message))
	}
}

func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(defaultIdleThreshold / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastActivity)
			s.mu.Unlock()
			if idle < defaultIdleThreshold {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, defaultPongDeadline)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.log.Warn().Err(err).Msg("heartbeat failed, closing")
				s.closeConn(websocket.StatusGoingAway, "heartbeat_failed")
				return
			}
			s.mu.Lock()
			s.lastActivity = time.Now()
			s.mu.Unlock()
		}
	}
}

func (s *Session) failAllPending(err error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, pr := range s.pending {
		select {
		case pr.resultCh <- requestResult{err: err}:
		default:
		}
		delete(s.pending, id)
	}
}
