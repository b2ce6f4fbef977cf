package relayclient

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/visitor-relay/internal/handler/relay"
	"github.com/zhouzirui/visitor-relay/internal/model/envelope"
	"github.com/zhouzirui/visitor-relay/internal/service/session"
)

var errClosed = errors.New("use of closed connection")

type fakeConn struct {
	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []envelope.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.incoming:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	env, err := envelope.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(env envelope.Envelope) { c.incoming <- envelope.Encode(env) }

func (c *fakeConn) sent() []envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]envelope.Envelope(nil), c.written...)
}

// scriptedDialer returns the next scripted result on every dial; a nil conn
// entry means the dial fails.
type scriptedDialer struct {
	mu     sync.Mutex
	script []*fakeConn
	calls  int
}

func (d *scriptedDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.script) == 0 {
		return nil, errors.New("connection refused")
	}
	next := d.script[0]
	d.script = d.script[1:]
	if next == nil {
		return nil, errors.New("connection refused")
	}
	return next, nil
}

func (d *scriptedDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func TestRun_GivesUpAfterMaxAttempts(t *testing.T) {
	dialer := &scriptedDialer{}
	log := &stateLog{}
	client := New(Options{
		URL:           "ws://relay.invalid/ws",
		MaxAttempts:   5,
		RetryDelay:    time.Millisecond,
		Dial:          dialer.Dial,
		OnStateChange: log.record,
	})

	err := client.Run(context.Background())
	assert.ErrorIs(t, err, ErrGaveUp)
	assert.Equal(t, 5, dialer.dials())
	assert.Equal(t, GaveUp, client.State())

	states := log.snapshot()
	require.NotEmpty(t, states)
	assert.Equal(t, GaveUp, states[len(states)-1])

	// no further attempts once given up
	assert.ErrorIs(t, client.Run(context.Background()), ErrGaveUp)
	assert.Equal(t, 5, dialer.dials())
	assert.ErrorIs(t, client.SendWhenConnected("hello"), ErrGaveUp)
}

func TestRun_ConnectedResetsFailureCount(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &scriptedDialer{script: []*fakeConn{nil, nil, nil, nil, first, nil, nil, nil, nil, second}}

	var connects atomic.Int32
	client := New(Options{
		MaxAttempts: 5,
		RetryDelay:  time.Millisecond,
		Dial:        dialer.Dial,
		OnStateChange: func(s State) {
			if s == Connected {
				connects.Add(1)
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool { return connects.Load() == 1 }, 2*time.Second, time.Millisecond)
	first.Close()

	require.Eventually(t, func() bool { return connects.Load() == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, Connected, client.State())
	assert.Equal(t, 10, dialer.dials())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, Disconnected, client.State())
}

func TestClient_ReceivesEnvelopes(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{script: []*fakeConn{conn}}

	var (
		mu       sync.Mutex
		messages []envelope.Chat
		errs     []string
	)
	client := New(Options{
		Dial: dialer.Dial,
		OnMessage: func(chat envelope.Chat) {
			mu.Lock()
			messages = append(messages, chat)
			mu.Unlock()
		},
		OnError: func(msg string) {
			mu.Lock()
			errs = append(errs, msg)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	conn.push(envelope.Connection{VisitorID: "visitor-1"})
	conn.push(envelope.AdminReply("hello from support", 42))
	conn.push(envelope.Error{Message: "message could not be delivered, please try again"})
	conn.push(envelope.Ping{})

	require.Eventually(t, func() bool {
		for _, env := range conn.sent() {
			if _, ok := env.(envelope.Pong); ok {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, "visitor-1", client.VisitorID())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, messages, 1)
	assert.Equal(t, "hello from support", messages[0].Content)
	require.NotNil(t, messages[0].OperatorMessageID)
	assert.Equal(t, int64(42), *messages[0].OperatorMessageID)
	assert.Equal(t, []string{"message could not be delivered, please try again"}, errs)
}

func TestClient_SendRequiresConnection(t *testing.T) {
	client := New(Options{Dial: (&scriptedDialer{}).Dial})

	assert.ErrorIs(t, client.Send("hello"), ErrNotConnected)
	assert.ErrorIs(t, client.Send("   "), ErrEmptyMessage)
}

func TestClient_SendWhenConnectedFlushesLatest(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{script: []*fakeConn{conn}}
	client := New(Options{Dial: dialer.Dial})

	require.NoError(t, client.SendWhenConnected("first"))
	require.NoError(t, client.SendWhenConnected("second"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool { return len(conn.sent()) == 1 }, 2*time.Second, time.Millisecond)
	chat, ok := conn.sent()[0].(envelope.Chat)
	require.True(t, ok)
	assert.Equal(t, "second", chat.Content)
	assert.Equal(t, envelope.RoleVisitor, chat.SenderRole)

	require.NoError(t, client.Send("third"))
	assert.Len(t, conn.sent(), 2)
}

func TestClient_SendWhenConnectedAfterConnectWritesDirectly(t *testing.T) {
	log := &stateLog{}
	client := New(Options{Dial: (&scriptedDialer{}).Dial, OnStateChange: log.record})
	require.NoError(t, client.SendWhenConnected("queued"))

	conn := newFakeConn()
	pending := client.enterConnected(conn)
	require.NotNil(t, pending)
	assert.Equal(t, "queued", *pending)

	// no window where the state lags the installed connection
	assert.Equal(t, Connected, client.State())
	assert.Equal(t, []State{Connected}, log.snapshot())
	require.NoError(t, client.SendWhenConnected("right after"))

	sent := conn.sent()
	require.Len(t, sent, 1)
	chat, ok := sent[0].(envelope.Chat)
	require.True(t, ok)
	assert.Equal(t, "right after", chat.Content)

	client.mu.Lock()
	assert.Nil(t, client.pending)
	client.mu.Unlock()
}

func TestClient_SendWhenConnectedDuringConnectIsNeverStranded(t *testing.T) {
	for i := 0; i < 50; i++ {
		conn := newFakeConn()
		client := New(Options{Dial: (&scriptedDialer{script: []*fakeConn{conn}}).Dial})

		ctx, cancel := context.WithCancel(context.Background())
		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_ = client.SendWhenConnected("hello")
		}()
		go client.Run(ctx)
		close(start)
		wg.Wait()

		require.Eventually(t, func() bool { return len(conn.sent()) == 1 }, 2*time.Second, time.Millisecond)
		client.mu.Lock()
		assert.Nil(t, client.pending)
		client.mu.Unlock()
		cancel()
	}
}

func TestRun_ConnectionLossPassesThroughDisconnected(t *testing.T) {
	conn := newFakeConn()
	log := &stateLog{}
	client := New(Options{
		RetryDelay:    time.Hour,
		Dial:          (&scriptedDialer{script: []*fakeConn{conn}}).Dial,
		OnStateChange: log.record,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool { return client.State() == Connected }, 2*time.Second, time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return client.State() == ReconnectWait }, 2*time.Second, time.Millisecond)

	assert.Equal(t, []State{Connecting, Connected, Disconnected, ReconnectWait}, log.snapshot())
	assert.ErrorIs(t, client.Send("hello"), ErrNotConnected)
}

func TestClient_PingsWhileConnected(t *testing.T) {
	conn := newFakeConn()
	client := New(Options{
		Dial:         (&scriptedDialer{script: []*fakeConn{conn}}).Dial,
		PingInterval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	assert.Eventually(t, func() bool {
		pings := 0
		for _, env := range conn.sent() {
			if _, ok := env.(envelope.Ping); ok {
				pings++
			}
		}
		return pings >= 2
	}, 2*time.Second, time.Millisecond)
}

type recordingDispatcher struct {
	mu    sync.Mutex
	texts []string
}

func (d *recordingDispatcher) SendToOperator(_ context.Context, _ string, text string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.texts = append(d.texts, text)
	return int64(len(d.texts)), nil
}

func (d *recordingDispatcher) received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.texts...)
}

func TestClient_AgainstRelayServer(t *testing.T) {
	registry := session.NewRegistry(zap.NewNop(), nil)
	dispatcher := &recordingDispatcher{}
	r := chi.NewRouter()
	relay.NewWebSocketHandler(zap.NewNop(), registry, dispatcher, nil, nil, relay.Options{}).RegisterRoutes(r)
	server := httptest.NewServer(r)
	defer server.Close()

	client := New(Options{URL: "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool { return client.VisitorID() != "" }, 2*time.Second, 5*time.Millisecond)
	_, ok := registry.Get(client.VisitorID())
	assert.True(t, ok)

	require.NoError(t, client.Send("is anyone there?"))
	assert.Eventually(t, func() bool {
		got := dispatcher.received()
		return len(got) == 1 && got[0] == "is anyone there?"
	}, 2*time.Second, 5*time.Millisecond)
}
