package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/tuya-gateway/internal/infrastructure/config"
)

// Agent methods.
const (
	methodConnect   = "connect"
	methodStatus    = "status"
	methodSetState  = "set_state"
	methodSetStatus = "set_status"
)

// Agent events.
const (
	eventConnected = "connected"
	eventStatus    = "status"
)

// notConnectedError is the error the agent reports for an offline device.
const notConnectedError = "not connected"

const (
	defaultRequestTimeout = 5 * time.Second
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 60 * time.Second

	writeTimeout   = 5 * time.Second
	maxMessageSize = 64 * 1024
)

// Logger is the logging interface used by the agent client.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// request is a call sent to the agent.
type request struct {
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Device *DeviceInfo `json:"device,omitempty"`
	Params any         `json:"params,omitempty"`
}

// inbound is either a response (ID set) or an event (Event set).
type inbound struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	Event     string         `json:"event,omitempty"`
	Connected bool           `json:"connected,omitempty"`
	DPS       map[string]any `json:"dps,omitempty"`
	Via       string         `json:"via,omitempty"`
}

type statusResult struct {
	DPS map[string]any `json:"dps"`
}

// AgentDialer opens sessions through the protocol agent's WebSocket API.
// Each session gets its own connection.
type AgentDialer struct {
	url            string
	requestTimeout time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	dialer         *websocket.Dialer

	loggerMu sync.RWMutex
	logger   Logger
}

// NewAgentDialer creates a dialer from protocol configuration.
func NewAgentDialer(cfg config.ProtocolConfig) *AgentDialer {
	d := &AgentDialer{
		url:            cfg.AgentURL,
		requestTimeout: time.Duration(cfg.RequestTimeout) * time.Second,
		initialBackoff: time.Duration(cfg.Reconnect.InitialDelay) * time.Second,
		maxBackoff:     time.Duration(cfg.Reconnect.MaxDelay) * time.Second,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: noopLogger{},
	}
	if d.requestTimeout <= 0 {
		d.requestTimeout = defaultRequestTimeout
	}
	if d.initialBackoff <= 0 {
		d.initialBackoff = defaultInitialBackoff
	}
	if d.maxBackoff < d.initialBackoff {
		d.maxBackoff = max(defaultMaxBackoff, d.initialBackoff)
	}
	return d
}

// SetLogger sets the logger for sessions dialled afterwards.
func (d *AgentDialer) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	defer d.loggerMu.Unlock()
	d.logger = logger
}

func (d *AgentDialer) getLogger() Logger {
	d.loggerMu.RLock()
	defer d.loggerMu.RUnlock()
	return d.logger
}

// Dial starts a session for one device and returns immediately.
func (d *AgentDialer) Dial(info DeviceInfo, handlers Handlers) Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &AgentSession{
		dialer:   d,
		info:     info,
		handlers: handlers,
		logger:   d.getLogger(),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]chan inbound),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// AgentSession is a device session carried over one agent WebSocket.
type AgentSession struct {
	dialer   *AgentDialer
	info     DeviceInfo
	handlers Handlers
	logger   Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan inbound

	linked    atomic.Bool // agent WebSocket is up and the device registered
	connected atomic.Bool // device link reported up by the agent
	closeOnce sync.Once
}

// run keeps the agent connection alive until Close.
func (s *AgentSession) run() {
	defer s.wg.Done()

	for {
		conn, err := s.connectWithBackoff()
		if err != nil {
			return
		}

		s.serve(conn)

		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("protocol agent connection lost, reconnecting", "device_id", s.info.ID)
	}
}

// connectWithBackoff dials the agent, retrying with exponential backoff.
// Returns an error only when the session closes.
func (s *AgentSession) connectWithBackoff() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.dialer.initialBackoff
	b.MaxInterval = s.dialer.maxBackoff
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	operation := func() error {
		c, _, err := s.dialer.dialer.DialContext(s.ctx, s.dialer.url, nil)
		if err != nil {
			if s.ctx.Err() != nil {
				return backoff.Permanent(ErrClosed)
			}
			return fmt.Errorf("dialling agent: %w", err)
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		s.logger.Debug("protocol agent unavailable",
			"device_id", s.info.ID,
			"error", err,
			"retry_in", next.String(),
		)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, s.ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// serve reads from conn until it fails or the session closes.
func (s *AgentSession) serve(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop(conn)
	}()

	// Register the device once the reader is running so the reply is seen.
	if err := s.register(); err != nil {
		s.logger.Warn("registering device with protocol agent failed", "device_id", s.info.ID, "error", err)
		conn.Close()
	}

	select {
	case <-readDone:
	case <-s.ctx.Done():
		conn.Close()
		<-readDone
	}

	s.linked.Store(false)
	s.connMu.Lock()
	s.conn = nil
	s.connMu.Unlock()
	s.failPending()

	if s.connected.Swap(false) {
		s.notifyConnected(false)
	}
}

func (s *AgentSession) register() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.dialer.requestTimeout)
	defer cancel()

	info := s.info
	_, err := s.roundTrip(ctx, request{Method: methodConnect, Device: &info})
	if err != nil {
		return err
	}
	s.linked.Store(true)
	s.logger.Debug("device registered with protocol agent", "device_id", s.info.ID)
	return nil
}

func (s *AgentSession) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("protocol agent read error", "device_id", s.info.ID, "error", err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("invalid message from protocol agent", "device_id", s.info.ID, "error", err)
			continue
		}
		s.dispatch(msg)
	}
}

func (s *AgentSession) dispatch(msg inbound) {
	switch {
	case msg.ID != "":
		s.pendingMu.Lock()
		ch, ok := s.pending[msg.ID]
		delete(s.pending, msg.ID)
		s.pendingMu.Unlock()
		if ok {
			ch <- msg
		}

	case msg.Event == eventConnected:
		if s.connected.Swap(msg.Connected) != msg.Connected {
			s.notifyConnected(msg.Connected)
		}

	case msg.Event == eventStatus:
		if s.handlers.OnStatus != nil && len(msg.DPS) > 0 {
			via := msg.Via
			if via == "" {
				via = ViaDevice
			}
			s.handlers.OnStatus(msg.DPS, via)
		}

	default:
		s.logger.Debug("ignoring protocol agent message", "device_id", s.info.ID, "event", msg.Event)
	}
}

func (s *AgentSession) notifyConnected(connected bool) {
	if s.handlers.OnConnected != nil {
		s.handlers.OnConnected(connected)
	}
}

// roundTrip sends req and waits for the matching response.
func (s *AgentSession) roundTrip(ctx context.Context, req request) (json.RawMessage, error) {
	req.ID = uuid.NewString()
	reply := make(chan inbound, 1)

	s.pendingMu.Lock()
	s.pending[req.ID] = reply
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, req.ID)
		s.pendingMu.Unlock()
	}()

	if err := s.write(req); err != nil {
		return nil, err
	}

	select {
	case msg := <-reply:
		if msg.Error == notConnectedError {
			return nil, ErrNotConnected
		}
		if msg.Error != "" {
			return nil, fmt.Errorf("%w: %s: %s", ErrProtocol, req.Method, msg.Error)
		}
		return msg.Result, nil
	case <-ctx.Done():
		if s.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: %s", ErrTimeout, req.Method)
	}
}

func (s *AgentSession) write(req request) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %w", ErrProtocol, req.Method, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	//nolint:errcheck // Best-effort deadline; write error caught below
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

// failPending wakes every waiter after the connection dropped.
func (s *AgentSession) failPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, ch := range s.pending {
		ch <- inbound{ID: id, Error: notConnectedError}
		delete(s.pending, id)
	}
}

// call runs a request against a registered device.
func (s *AgentSession) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if !s.linked.Load() {
		return nil, ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, s.dialer.requestTimeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	return s.roundTrip(ctx, request{Method: method, Params: params})
}

// Status polls the device.
func (s *AgentSession) Status(ctx context.Context) (map[string]any, error) {
	raw, err := s.call(ctx, methodStatus, map[string]int{"command": s.info.PollCommand})
	if err != nil {
		return nil, err
	}

	var result statusResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: decoding status: %w", ErrProtocol, err)
	}
	return result.DPS, nil
}

// SetState writes one data point.
func (s *AgentSession) SetState(ctx context.Context, dp int, value any) error {
	_, err := s.call(ctx, methodSetState, map[string]any{"dp": dp, "value": value})
	return err
}

// SetStatus writes several data points.
func (s *AgentSession) SetStatus(ctx context.Context, dps map[int]any) error {
	_, err := s.call(ctx, methodSetStatus, map[string]any{"dps": dps})
	return err
}

// Connected reports whether the device is registered and the agent says
// its link is up.
func (s *AgentSession) Connected() bool {
	return s.linked.Load() && s.connected.Load()
}

// Close ends the session and waits for its goroutine.
func (s *AgentSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn != nil {
			s.writeMu.Lock()
			//nolint:errcheck // Best-effort close frame
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
		}
	})
	s.wg.Wait()
	return nil
}

var _ Session = (*AgentSession)(nil)

// IsTransient reports whether err is worth retrying on the next cycle.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrProtocol)
}
