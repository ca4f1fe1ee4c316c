package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/intercom/internal/config"
	"github.com/dkeye/intercom/internal/core"
)

// fakeClock hands out channels keyed by duration so tests can fire the
// reconnect timer without waking the keepalive timer.
type fakeClock struct {
	mu    sync.Mutex
	waits map[time.Duration][]chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{waits: make(map[time.Duration][]chan time.Time)}
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.waits[d] = append(c.waits[d], ch)
	c.mu.Unlock()
	return ch
}

func (c *fakeClock) fire(d time.Duration) {
	c.mu.Lock()
	chans := c.waits[d]
	c.waits[d] = nil
	c.mu.Unlock()
	for _, ch := range chans {
		ch <- time.Now()
	}
}

func (c *fakeClock) waiting(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waits[d])
}

// fakeTransport speaks just enough of the control protocol to drive Manager:
// create and attach succeed, messages get an ack followed by a plugin event.
type fakeTransport struct {
	mu       sync.Mutex
	inbox    chan []byte
	closed   bool
	nextID   uint64
	silent   bool            // when set, message requests get no response
	msgData  json.RawMessage // plugin data for message replies
	requests []wireRequest
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox:   make(chan []byte, 32),
		nextID:  100,
		msgData: json.RawMessage(`{"audiobridge":"event","result":"ok"}`),
	}
}

func (t *fakeTransport) WriteJSON(v any) error {
	req, ok := v.(*wireRequest)
	if !ok {
		return fmt.Errorf("unexpected frame type %T", v)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	t.requests = append(t.requests, *req)

	switch req.Janus {
	case "create":
		t.push(fmt.Sprintf(`{"janus":"success","transaction":%q,"data":{"id":42}}`, req.Transaction))
	case "attach":
		t.nextID++
		t.push(fmt.Sprintf(`{"janus":"success","transaction":%q,"data":{"id":%d}}`, req.Transaction, t.nextID))
	case "message":
		if t.silent {
			return nil
		}
		t.push(fmt.Sprintf(`{"janus":"ack","transaction":%q}`, req.Transaction))
		t.push(fmt.Sprintf(`{"janus":"event","transaction":%q,"plugindata":{"plugin":"janus.plugin.audiobridge","data":%s}}`,
			req.Transaction, t.msgData))
	case "detach":
		t.push(fmt.Sprintf(`{"janus":"success","transaction":%q}`, req.Transaction))
	case "keepalive", "trickle":
		t.push(fmt.Sprintf(`{"janus":"ack","transaction":%q}`, req.Transaction))
	}
	return nil
}

func (t *fakeTransport) push(frame string) {
	select {
	case t.inbox <- []byte(frame):
	default:
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	data, ok := <-t.inbox
	if !ok {
		return nil, errors.New("transport closed")
	}
	return data, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.inbox)
	}
	return nil
}

func (t *fakeTransport) sentKinds() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.requests))
	for _, r := range t.requests {
		out = append(out, r.Janus)
	}
	return out
}

func testConfig() config.GatewayConfig {
	return config.GatewayConfig{
		URL:         "ws://gateway.test",
		APISecret:   "s3cret",
		RetryDelay:  10 * time.Second,
		CallTimeout: 2 * time.Second,
	}
}

func TestManager_SessionFailsFastWhileDisconnected(t *testing.T) {
	m := NewManager(testConfig())
	_, err := m.Session()
	assert.ErrorIs(t, err, core.ErrGatewayUnavailable)
	assert.False(t, m.Connected())
}

func TestManager_ConnectAttachMessage(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(testConfig())
	m.Clock = newFakeClock()
	m.Dial = func(ctx context.Context) (transport, error) { return tr, nil }

	connected := make(chan struct{})
	m.OnConnect = func() { close(connected) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("manager never connected")
	}
	assert.Equal(t, StateConnected, m.State())

	sess, err := m.Session()
	require.NoError(t, err)
	h, err := sess.Attach(context.Background(), core.PluginAudioBridge)
	require.NoError(t, err)
	assert.NotZero(t, h.ID())

	reply, err := h.Message(context.Background(), core.BridgeRequest{Request: core.ReqConfigure, Muted: core.Bool(true)}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"audiobridge":"event","result":"ok"}`, string(reply.Data))

	kinds := tr.sentKinds()
	assert.Equal(t, "create", kinds[0])
	assert.Contains(t, kinds, "attach")
	assert.Contains(t, kinds, "message")

	// Every frame carries the configured api secret.
	tr.mu.Lock()
	for _, r := range tr.requests {
		assert.Equal(t, "s3cret", r.APISecret)
	}
	tr.mu.Unlock()
}

func TestManager_RetriesWithFixedDelay(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	m := NewManager(cfg)
	m.Clock = clock

	var mu sync.Mutex
	dials := 0
	tr := newFakeTransport()
	m.Dial = func(ctx context.Context) (transport, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials < 3 {
			return nil, errors.New("connection refused")
		}
		return tr, nil
	}

	connected := make(chan struct{})
	m.OnConnect = func() { close(connected) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// Two failures, each waiting out the fixed retry delay.
	for i := 0; i < 2; i++ {
		require.Eventually(t, func() bool {
			return clock.waiting(cfg.RetryDelay) > 0
		}, 2*time.Second, 5*time.Millisecond, "manager should arm the retry timer")
		assert.Equal(t, StateDisconnected, m.State())
		clock.fire(cfg.RetryDelay)
	}

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("manager never recovered")
	}
	mu.Lock()
	assert.Equal(t, 3, dials)
	mu.Unlock()
}

func TestManager_ReconnectsAfterRemoteClose(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	m := NewManager(cfg)
	m.Clock = clock

	var mu sync.Mutex
	var transports []*fakeTransport
	m.Dial = func(ctx context.Context) (transport, error) {
		tr := newFakeTransport()
		mu.Lock()
		transports = append(transports, tr)
		mu.Unlock()
		return tr, nil
	}

	reconnects := make(chan struct{}, 4)
	m.OnConnect = func() { reconnects <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case <-reconnects:
	case <-time.After(2 * time.Second):
		t.Fatal("never connected")
	}

	// Remote side drops the socket.
	mu.Lock()
	transports[0].Close()
	mu.Unlock()

	require.Eventually(t, func() bool {
		return clock.waiting(cfg.RetryDelay) > 0
	}, 2*time.Second, 5*time.Millisecond)
	clock.fire(cfg.RetryDelay)

	select {
	case <-reconnects:
	case <-time.After(2 * time.Second):
		t.Fatal("never reconnected")
	}
	assert.Equal(t, StateConnected, m.State())

	// The first session reference is stale; callers must grab a fresh one.
	sess, err := m.Session()
	require.NoError(t, err)
	_, err = sess.Attach(context.Background(), core.PluginAudioBridge)
	assert.NoError(t, err)
}

func TestManager_CallTimeout(t *testing.T) {
	tr := newFakeTransport()
	cfg := testConfig()
	cfg.CallTimeout = 50 * time.Millisecond
	m := NewManager(cfg)
	m.Clock = newFakeClock()
	m.Dial = func(ctx context.Context) (transport, error) { return tr, nil }

	connected := make(chan struct{})
	m.OnConnect = func() { close(connected) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	<-connected

	sess, err := m.Session()
	require.NoError(t, err)
	h, err := sess.Attach(context.Background(), core.PluginAudioBridge)
	require.NoError(t, err)

	tr.mu.Lock()
	tr.silent = true
	tr.mu.Unlock()

	_, err = h.Message(context.Background(), core.BridgeRequest{Request: core.ReqConfigure}, nil)
	assert.ErrorIs(t, err, core.ErrGatewayTimeout)
}

// parkingTransport blocks message writes on a gate and tracks how many
// writers are inside WriteJSON at once.
type parkingTransport struct {
	*fakeTransport
	gate chan struct{}

	wmu        sync.Mutex
	inWrite    int
	maxInWrite int
}

func newParkingTransport() *parkingTransport {
	return &parkingTransport{
		fakeTransport: newFakeTransport(),
		gate:          make(chan struct{}),
	}
}

func (t *parkingTransport) WriteJSON(v any) error {
	t.wmu.Lock()
	t.inWrite++
	if t.inWrite > t.maxInWrite {
		t.maxInWrite = t.inWrite
	}
	t.wmu.Unlock()
	defer func() {
		t.wmu.Lock()
		t.inWrite--
		t.wmu.Unlock()
	}()

	if req, ok := v.(*wireRequest); ok && req.Janus == "message" {
		<-t.gate
	}
	return t.fakeTransport.WriteJSON(v)
}

func (t *parkingTransport) writers() (cur, max int) {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return t.inWrite, t.maxInWrite
}

func TestManager_KeepaliveSerializedWithWrites(t *testing.T) {
	clock := newFakeClock()
	tr := newParkingTransport()
	m := NewManager(testConfig())
	m.Clock = clock
	m.Dial = func(ctx context.Context) (transport, error) { return tr, nil }

	connected := make(chan struct{})
	m.OnConnect = func() { close(connected) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	<-connected

	sess, err := m.Session()
	require.NoError(t, err)
	h, err := sess.Attach(context.Background(), core.PluginAudioBridge)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.Message(context.Background(), core.BridgeRequest{Request: core.ReqConfigure}, nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		cur, _ := tr.writers()
		return cur == 1
	}, 2*time.Second, 5*time.Millisecond, "message write should be parked on the gate")

	// Keepalive fires while the message write still holds the socket.
	clock.fire(keepaliveInterval)
	time.Sleep(50 * time.Millisecond)

	_, max := tr.writers()
	assert.Equal(t, 1, max, "keepalive must wait for the in-flight write")

	close(tr.gate)
	require.NoError(t, <-done)

	require.Eventually(t, func() bool {
		for _, kind := range tr.sentKinds() {
			if kind == "keepalive" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "keepalive still goes out once the socket is free")
	_, max = tr.writers()
	assert.Equal(t, 1, max)
}

func TestManager_PluginErrorSurfaced(t *testing.T) {
	tr := newFakeTransport()
	tr.msgData = json.RawMessage(`{"error":"No such room","error_code":485}`)
	m := NewManager(testConfig())
	m.Clock = newFakeClock()
	m.Dial = func(ctx context.Context) (transport, error) { return tr, nil }

	connected := make(chan struct{})
	m.OnConnect = func() { close(connected) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	<-connected

	sess, err := m.Session()
	require.NoError(t, err)
	h, err := sess.Attach(context.Background(), core.PluginAudioBridge)
	require.NoError(t, err)

	_, err = h.Message(context.Background(), core.BridgeRequest{Request: core.ReqJoin, Room: 999}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mixer error 485")
}

func TestParseRequestKind(t *testing.T) {
	for _, ok := range []string{"join", "configure", "leave"} {
		kind, err := core.ParseRequestKind(ok)
		require.NoError(t, err)
		assert.EqualValues(t, ok, kind)
	}
	for _, bad := range []string{"", "destroy", "listparticipants", "JOIN"} {
		_, err := core.ParseRequestKind(bad)
		assert.ErrorIs(t, err, core.ErrUnknownRequest, bad)
	}
}
