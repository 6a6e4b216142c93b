package protocol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/tuya-gateway/internal/infrastructure/config"
)

// fakeAgent is a minimal protocol agent. It keeps one device with a dps
// map and echoes set_state as a "command" status event.
type fakeAgent struct {
	mu       sync.Mutex
	dps      map[string]any
	requests []request
	conns    []*websocket.Conn
	offline  bool
	failSet  bool
	upgrader websocket.Upgrader
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{dps: map[string]any{"1": true, "2": float64(455)}}
}

func (a *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.conns = append(a.conns, conn)
	a.mu.Unlock()

	var writeMu sync.Mutex
	send := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.WriteJSON(v) //nolint:errcheck // Test server
	}

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		a.mu.Lock()
		a.requests = append(a.requests, req)
		offline := a.offline
		failSet := a.failSet
		a.mu.Unlock()

		switch req.Method {
		case methodConnect:
			send(map[string]any{"id": req.ID, "result": map[string]any{}})
			send(map[string]any{"event": eventConnected, "connected": !offline})
		case methodStatus:
			if offline {
				send(map[string]any{"id": req.ID, "error": notConnectedError})
				continue
			}
			a.mu.Lock()
			dps := make(map[string]any, len(a.dps))
			for k, v := range a.dps {
				dps[k] = v
			}
			a.mu.Unlock()
			send(map[string]any{"id": req.ID, "result": map[string]any{"dps": dps}})
		case methodSetState:
			if failSet {
				send(map[string]any{"id": req.ID, "error": "device rejected value"})
				continue
			}
			params := req.Params.(map[string]any)
			key := jsonString(params["dp"])
			a.mu.Lock()
			a.dps[key] = params["value"]
			a.mu.Unlock()
			send(map[string]any{"id": req.ID, "result": map[string]any{}})
			send(map[string]any{"event": eventStatus, "dps": map[string]any{key: params["value"]}, "via": ViaCommand})
		default:
			send(map[string]any{"id": req.ID, "error": "unknown method"})
		}
	}
}

func (a *fakeAgent) dropConnections() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.conns {
		c.Close()
	}
	a.conns = nil
}

func (a *fakeAgent) methods() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	methods := make([]string, 0, len(a.requests))
	for _, r := range a.requests {
		methods = append(methods, r.Method)
	}
	return methods
}

func jsonString(v any) string {
	data, _ := json.Marshal(v) //nolint:errcheck // Test helper
	return string(data)
}

// events records handler calls.
type events struct {
	mu        sync.Mutex
	connected []bool
	statuses  []map[string]any
	vias      []string
}

func (e *events) handlers() Handlers {
	return Handlers{
		OnConnected: func(c bool) {
			e.mu.Lock()
			e.connected = append(e.connected, c)
			e.mu.Unlock()
		},
		OnStatus: func(dps map[string]any, via string) {
			e.mu.Lock()
			e.statuses = append(e.statuses, dps)
			e.vias = append(e.vias, via)
			e.mu.Unlock()
		},
	}
}

func (e *events) connectedCalls() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.connected...)
}

func (e *events) statusCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.statuses)
}

func testInfo() DeviceInfo {
	return DeviceInfo{ID: "bf12ab", LocalKey: "0123456789abcdef", Address: "192.168.1.20", Version: "3.3", PollCommand: 10}
}

func startAgent(t *testing.T, agent *fakeAgent) *AgentDialer {
	t.Helper()
	ts := httptest.NewServer(agent)
	t.Cleanup(ts.Close)

	return NewAgentDialer(config.ProtocolConfig{
		AgentURL:       "ws" + strings.TrimPrefix(ts.URL, "http"),
		RequestTimeout: 2,
		Reconnect:      config.ProtocolReconnectConfig{InitialDelay: 1, MaxDelay: 1},
	})
}

func TestAgentSession_ConnectAndStatus(t *testing.T) {
	agent := newFakeAgent()
	dialer := startAgent(t, agent)
	ev := &events{}

	session := dialer.Dial(testInfo(), ev.handlers())
	defer session.Close() //nolint:errcheck // Test cleanup

	require.Eventually(t, session.Connected, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []bool{true}, ev.connectedCalls())

	dps, err := session.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"1": true, "2": float64(455)}, dps)

	assert.Equal(t, []string{methodConnect, methodStatus}, agent.methods())
}

func TestAgentSession_SetStateEchoesStatus(t *testing.T) {
	agent := newFakeAgent()
	dialer := startAgent(t, agent)
	ev := &events{}

	session := dialer.Dial(testInfo(), ev.handlers())
	defer session.Close() //nolint:errcheck // Test cleanup
	require.Eventually(t, session.Connected, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, session.SetState(context.Background(), 1, false))

	require.Eventually(t, func() bool { return ev.statusCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	ev.mu.Lock()
	assert.Equal(t, map[string]any{"1": false}, ev.statuses[0])
	assert.Equal(t, ViaCommand, ev.vias[0])
	ev.mu.Unlock()
}

func TestAgentSession_ProtocolError(t *testing.T) {
	agent := newFakeAgent()
	agent.failSet = true
	dialer := startAgent(t, agent)

	session := dialer.Dial(testInfo(), Handlers{})
	defer session.Close() //nolint:errcheck // Test cleanup
	require.Eventually(t, session.Connected, 2*time.Second, 10*time.Millisecond)

	err := session.SetState(context.Background(), 1, true)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.True(t, IsTransient(err))
}

func TestAgentSession_DeviceOffline(t *testing.T) {
	agent := newFakeAgent()
	agent.offline = true
	dialer := startAgent(t, agent)

	session := dialer.Dial(testInfo(), Handlers{})
	defer session.Close() //nolint:errcheck // Test cleanup

	// The agent link is up but the device is not.
	require.Eventually(t, func() bool { return len(agent.methods()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, session.Connected())

	require.Eventually(t, func() bool {
		_, err := session.Status(context.Background())
		return err != nil && IsTransient(err)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAgentSession_ReconnectsAfterDrop(t *testing.T) {
	agent := newFakeAgent()
	dialer := startAgent(t, agent)
	ev := &events{}

	session := dialer.Dial(testInfo(), ev.handlers())
	defer session.Close() //nolint:errcheck // Test cleanup
	require.Eventually(t, session.Connected, 2*time.Second, 10*time.Millisecond)

	agent.dropConnections()

	require.Eventually(t, func() bool {
		calls := ev.connectedCalls()
		return len(calls) >= 3 && calls[len(calls)-1]
	}, 5*time.Second, 20*time.Millisecond)

	calls := ev.connectedCalls()
	assert.Equal(t, []bool{true, false, true}, calls[:3])
}

func TestAgentSession_NotConnectedBeforeLink(t *testing.T) {
	dialer := NewAgentDialer(config.ProtocolConfig{AgentURL: "ws://127.0.0.1:1/ws", RequestTimeout: 1})
	session := dialer.Dial(testInfo(), Handlers{})

	_, err := session.Status(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	_, err = session.Status(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAgentSession_CloseWhileConnected(t *testing.T) {
	agent := newFakeAgent()
	dialer := startAgent(t, agent)
	ev := &events{}

	session := dialer.Dial(testInfo(), ev.handlers())
	require.Eventually(t, session.Connected, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		session.Close() //nolint:errcheck // Test
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.False(t, session.Connected())
	assert.ErrorIs(t, session.SetStatus(context.Background(), map[int]any{1: true}), ErrClosed)
}
