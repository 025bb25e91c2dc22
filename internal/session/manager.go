package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/tradecore/internal/events"
	"github.com/aristath/tradecore/internal/tradeerr"
)

// Manager owns one Session per account: authorize, reconnect with jittered
// exponential backoff, and the request/response multiplexer. It is the
// entry point the rest of the runtime depends on.
type Manager struct {
	url string
	bus *events.Manager
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	onReconnect func(accountID string)
}

// NewManager builds a session manager targeting the given upstream URL.
func NewManager(url string, bus *events.Manager, log zerolog.Logger) *Manager {
	return &Manager{
		url:      url,
		bus:      bus,
		log:      log.With().Str("component", "session_manager").Logger(),
		sessions: make(map[string]*Session),
	}
}

// OnReconnect registers a callback invoked every time a session enters its
// reconnect loop, so callers (RiskManager's reconnect-storm trigger) can
// observe reconnect churn without this package depending on risk.
func (m *Manager) OnReconnect(fn func(accountID string)) {
	m.onReconnect = fn
}

// GetOrCreate returns an authorized session for accountID, establishing a
// new socket if none exists yet, or reusing the existing one.
func (m *Manager) GetOrCreate(ctx context.Context, token, accountID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	if ok {
		m.mu.Unlock()
		return s, nil
	}
	s = newSession(accountID, token, m.url, m.bus, m.log)
	m.sessions[accountID] = s
	m.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		if tradeerr.Is(err, tradeerr.Auth) {
			m.mu.Lock()
			delete(m.sessions, accountID)
			m.mu.Unlock()
			return nil, err
		}
		go m.reconnectLoop(s)
		return s, nil
	}

	go m.watchDisconnect(s)
	return s, nil
}

// watchDisconnect waits for the connection context to end (read/write/
// heartbeat failure) and kicks off the reconnect loop.
func (m *Manager) watchDisconnect(s *Session) {
	for {
		s.mu.Lock()
		ctx := s.connCtx
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		if ctx == nil {
			return
		}
		<-ctx.Done()

		s.mu.Lock()
		stopped = s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		m.reconnectLoop(s)
		return
	}
}

// reconnectLoop retries connect with full-jitter exponential backoff until
// it succeeds or the session is stopped. Guards against concurrent
// reconnect attempts on the same session.
func (m *Manager) reconnectLoop(s *Session) {
	s.mu.Lock()
	if s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	if m.onReconnect != nil {
		m.onReconnect(s.accountID)
	}

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.Lock()
		s.reconnectAttempt++
		attempt := s.reconnectAttempt
		s.mu.Unlock()

		delay := backoff(attempt-1, backoffBase, backoffCap)
		select {
		case <-time.After(delay):
		case <-s.stopCh:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := s.connect(ctx)
		cancel()
		if err == nil {
			go m.watchDisconnect(s)
			return
		}
		if tradeerr.Is(err, tradeerr.Auth) {
			m.log.Error().Str("account_id", s.accountID).Msg("authorization permanently failed, abandoning reconnect")
			return
		}
		m.log.Warn().Err(err).Int("attempt", attempt).Dur("next_delay", delay).Msg("reconnect failed")
	}
}

// SendRequest writes frame tagged with a fresh request id on accountID's
// session and blocks until the matching response, timeout, or connection
// loss.
func (m *Manager) SendRequest(ctx context.Context, accountID string, frame map[string]any, deadline time.Time) (json.RawMessage, error) {
	s, err := m.existing(accountID)
	if err != nil {
		return nil, err
	}
	return s.request(ctx, frame, deadline)
}

// SendFireAndForget enqueues frame on accountID's session without awaiting
// a response.
func (m *Manager) SendFireAndForget(accountID string, frame map[string]any) error {
	s, err := m.existing(accountID)
	if err != nil {
		return err
	}
	return s.fireAndForget(frame)
}

// RegisterStreamingListener registers fn to receive every unsolicited
// inbound frame (no matching request id) for accountID.
func (m *Manager) RegisterStreamingListener(accountID string, fn StreamingListener) error {
	s, err := m.existing(accountID)
	if err != nil {
		return err
	}
	s.listenerMu.Lock()
	s.streamListeners = append(s.streamListeners, fn)
	s.listenerMu.Unlock()
	return nil
}

// RegisterConnectionReadyListener registers fn to be invoked whenever
// accountID's session (re)authorizes.
func (m *Manager) RegisterConnectionReadyListener(accountID string, fn ConnectionReadyListener) error {
	s, err := m.existing(accountID)
	if err != nil {
		return err
	}
	s.listenerMu.Lock()
	s.readyListeners = append(s.readyListeners, fn)
	s.listenerMu.Unlock()
	return nil
}

func (m *Manager) existing(accountID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	m.mu.Unlock()
	if !ok {
		return nil, tradeerr.WithReason(tradeerr.ConnectionLost, "no session for account")
	}
	return s, nil
}

// Stop closes accountID's session and halts its reconnect loop.
func (m *Manager) Stop(accountID string) {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	delete(m.sessions, accountID)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	close(s.stopCh)
	s.closeConn(websocket.StatusNormalClosure, "stop")
}
