package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"agentwatch/internal/telemetry"
)

type dialResult struct {
	conn Conn
	err  error
}

// scriptedTransport hands out dial results in order. Dial blocks until the
// test queues a result or the attempt is cancelled.
type scriptedTransport struct {
	results chan dialResult

	mu     sync.Mutex
	dials  int
	tokens []string
}

func newScriptedTransport(results ...dialResult) *scriptedTransport {
	t := &scriptedTransport{results: make(chan dialResult, 64)}
	for _, r := range results {
		t.results <- r
	}
	return t
}

func (t *scriptedTransport) Dial(ctx context.Context, jobID, credential string) (Conn, error) {
	t.mu.Lock()
	t.dials++
	t.tokens = append(t.tokens, credential)
	t.mu.Unlock()
	select {
	case r := <-t.results:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *scriptedTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(frames ...string) *fakeConn {
	c := &fakeConn{frames: make(chan []byte, 64), closed: make(chan struct{})}
	for _, f := range frames {
		c.frames <- []byte(f)
	}
	return c
}

func (c *fakeConn) push(frame string) {
	c.frames <- []byte(frame)
}

// hangup simulates the server closing the connection.
func (c *fakeConn) hangup() {
	close(c.frames)
}

func (c *fakeConn) Next(ctx context.Context) ([]byte, error) {
	select {
	case raw, ok := <-c.frames:
		if !ok {
			return nil, io.EOF
		}
		return raw, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func staticCreds(token string) Credentials {
	return CredentialsFunc(func(context.Context) (string, error) {
		return token, nil
	})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nextWithin(t *testing.T, sub *Subscription, d time.Duration) Notification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	n, err := sub.Next(ctx)
	require.NoError(t, err)
	return n
}

func expectState(t *testing.T, sub *Subscription, want State) Notification {
	t.Helper()
	n := nextWithin(t, sub, 2*time.Second)
	require.Equal(t, want, n.State, "notification %+v", n)
	require.Nil(t, n.Event)
	return n
}

func TestSubscribeValidatesArguments(t *testing.T) {
	m := NewManager(newScriptedTransport(), WithLogger(quietLogger()))

	_, err := m.Subscribe("", staticCreds("tok"))
	require.ErrorIs(t, err, ErrEmptyJobID)

	_, err = m.Subscribe("   ", staticCreds("tok"))
	require.ErrorIs(t, err, ErrEmptyJobID)

	_, err = m.Subscribe("J1", nil)
	require.ErrorIs(t, err, ErrNoCredentials)
}

func TestSubscriptionDeliversEventsAndSkipsControlFrames(t *testing.T) {
	conn := newFakeConn(
		`{"type":"connected","task_id":"J1"}`,
		`{"agent_name":"data_profiler","action":"scanning","status":"running","timestamp":"T1"}`,
	)
	m := NewManager(newScriptedTransport(dialResult{conn: conn}), WithLogger(quietLogger()))
	sub, err := m.Subscribe("J1", staticCreds("tok"))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NotEmpty(t, sub.ID())
	require.Equal(t, "J1", sub.JobID())

	expectState(t, sub, StateConnecting)
	open := expectState(t, sub, StateOpen)
	require.Equal(t, 1, open.Attempt)
	require.Equal(t, sub.ID(), open.SubscriptionID)

	n := nextWithin(t, sub, 2*time.Second)
	require.NotNil(t, n.Event)
	require.Equal(t, "data_profiler", n.Event.AgentName)
	require.Equal(t, "J1", n.JobID)
	require.Equal(t, StateOpen, sub.State())
}

func TestServerErrorFrameKeepsConnectionOpen(t *testing.T) {
	conn := newFakeConn(
		`{"type":"error","message":"job not found"}`,
		`{"agent_name":"visualization","status":"completed","timestamp":"T9"}`,
	)
	m := NewManager(newScriptedTransport(dialResult{conn: conn}), WithLogger(quietLogger()))
	sub, err := m.Subscribe("J1", staticCreds("tok"))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	expectState(t, sub, StateConnecting)
	expectState(t, sub, StateOpen)

	n := nextWithin(t, sub, 2*time.Second)
	var serverErr *ServerError
	require.ErrorAs(t, n.Err, &serverErr)
	require.Equal(t, "job not found", serverErr.Message)
	require.Equal(t, StateOpen, n.State)

	n = nextWithin(t, sub, 2*time.Second)
	require.NotNil(t, n.Event)
	require.Equal(t, StateOpen, sub.State())
	require.False(t, conn.isClosed())
}

func TestMalformedFramesAreDroppedAndCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	conn := newFakeConn(
		`not json at all`,
		`{"status":"running"}`,
		`{"agent_name":"recommendation","status":"running","timestamp":"T1"}`,
	)
	m := NewManager(
		newScriptedTransport(dialResult{conn: conn}),
		WithLogger(quietLogger()),
		WithMetrics(telemetry.NewMetrics(reg)),
	)
	sub, err := m.Subscribe("J1", staticCreds("tok"))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	expectState(t, sub, StateConnecting)
	expectState(t, sub, StateOpen)
	n := nextWithin(t, sub, 2*time.Second)
	require.NotNil(t, n.Event)
	require.Equal(t, "recommendation", n.Event.AgentName)

	require.Equal(t, 2.0, counterValue(t, reg, "agentwatch_stream_frames_dropped_total", "reason", "malformed"))
	require.Equal(t, 1.0, counterValue(t, reg, "agentwatch_stream_frames_total", "type", "activity"))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func TestMalformedFrameLogReportsSuppressedCount(t *testing.T) {
	const valid = `{"agent_name":"recommendation","status":"running","timestamp":"%s"}`
	conn := newFakeConn()
	for i := 0; i < 6; i++ {
		conn.push(fmt.Sprintf("junk %d", i))
	}
	conn.push(fmt.Sprintf(valid, "T1"))

	var logs lockedBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	m := NewManager(newScriptedTransport(dialResult{conn: conn}), WithLogger(logger))
	m.dropLogEvery = 50 * time.Millisecond
	sub, err := m.Subscribe("J1", staticCreds("tok"))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	expectState(t, sub, StateConnecting)
	expectState(t, sub, StateOpen)
	require.NotNil(t, nextWithin(t, sub, 2*time.Second).Event)

	time.Sleep(150 * time.Millisecond)
	conn.push("junk after the pause")
	conn.push(fmt.Sprintf(valid, "T2"))
	require.NotNil(t, nextWithin(t, sub, 2*time.Second).Event)

	logged, suppressed := 0, 0
	var last map[string]any
	for _, line := range logs.lines() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		if entry["msg"] != "dropping malformed frame" {
			continue
		}
		logged++
		if n, ok := entry["suppressed"].(float64); ok {
			suppressed += int(n)
		}
		last = entry
	}
	require.Equal(t, 7, logged+suppressed, "every dropped frame is either logged or reported as suppressed")
	require.Less(t, logged, 7)
	require.NotNil(t, last["suppressed"], "the first line after a quiet period reports what was skipped")
}

func TestReconnectIsUnbounded(t *testing.T) {
	const failures = 6
	results := make([]dialResult, 0, failures+1)
	for i := 0; i < failures; i++ {
		results = append(results, dialResult{err: fmt.Errorf("dial tcp: connection refused (%d)", i)})
	}
	conn := newFakeConn()
	results = append(results, dialResult{conn: conn})
	transport := newScriptedTransport(results...)

	m := NewManager(transport, WithLogger(quietLogger()), WithReconnectDelay(time.Millisecond))
	sub, err := m.Subscribe("J1", staticCreds("tok"))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 1; i <= failures; i++ {
		n := expectState(t, sub, StateConnecting)
		require.Equal(t, i, n.Attempt)
		n = expectState(t, sub, StateClosedRetrying)
		var transportErr *TransportError
		require.ErrorAs(t, n.Err, &transportErr)
		require.Equal(t, i, transportErr.Attempt)
	}
	expectState(t, sub, StateConnecting)
	open := expectState(t, sub, StateOpen)
	require.Equal(t, failures+1, open.Attempt)
	require.Equal(t, failures+1, transport.dialCount())
}

func TestServerHangupTriggersReconnect(t *testing.T) {
	first := newFakeConn(`{"agent_name":"data_profiler","status":"running","timestamp":"T1"}`)
	second := newFakeConn()
	transport := newScriptedTransport(dialResult{conn: first}, dialResult{conn: second})

	m := NewManager(transport, WithLogger(quietLogger()), WithReconnectDelay(time.Millisecond))
	sub, err := m.Subscribe("J1", staticCreds("tok"))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	expectState(t, sub, StateConnecting)
	expectState(t, sub, StateOpen)
	require.NotNil(t, nextWithin(t, sub, 2*time.Second).Event)

	first.hangup()
	n := expectState(t, sub, StateClosedRetrying)
	require.ErrorIs(t, n.Err, io.EOF)
	require.Eventually(t, first.isClosed, time.Second, time.Millisecond)

	expectState(t, sub, StateConnecting)
	expectState(t, sub, StateOpen)
}

func TestUnsubscribeDuringRetryWaitStopsReconnect(t *testing.T) {
	transport := newScriptedTransport(dialResult{err: errors.New("connection reset")})
	m := NewManager(transport, WithLogger(quietLogger()), WithReconnectDelay(time.Hour))
	sub, err := m.Subscribe("J1", staticCreds("tok"))
	require.NoError(t, err)

	expectState(t, sub, StateConnecting)
	expectState(t, sub, StateClosedRetrying)

	sub.Unsubscribe()
	require.Equal(t, StateClosedFatal, sub.State())

	_, err = sub.Next(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, 1, transport.dialCount())

	select {
	case <-sub.Done():
	default:
		t.Fatal("run loop still alive after unsubscribe")
	}
}

func TestUnsubscribeClosesLiveConnection(t *testing.T) {
	conn := newFakeConn()
	m := NewManager(newScriptedTransport(dialResult{conn: conn}), WithLogger(quietLogger()))
	sub, err := m.Subscribe("J1", staticCreds("tok"))
	require.NoError(t, err)

	expectState(t, sub, StateConnecting)
	expectState(t, sub, StateOpen)

	sub.Unsubscribe()
	require.True(t, conn.isClosed())

	// server keeps pushing; nothing reaches the caller
	conn.push(`{"agent_name":"data_profiler","status":"running","timestamp":"T5"}`)
	_, err = sub.Next(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	require.NotPanics(t, sub.Unsubscribe)
	require.Equal(t, StateClosedFatal, sub.State())
}

func TestUnsubscribeWithoutReaderDoesNotBlock(t *testing.T) {
	conn := newFakeConn(
		`{"agent_name":"data_profiler","status":"running","timestamp":"T1"}`,
		`{"agent_name":"data_profiler","status":"running","timestamp":"T2"}`,
	)
	m := NewManager(newScriptedTransport(dialResult{conn: conn}), WithLogger(quietLogger()))
	sub, err := m.Subscribe("J1", staticCreds("tok"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		sub.Unsubscribe()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe blocked on an unread notification")
	}
}

func TestUnsubscribeDuringDial(t *testing.T) {
	transport := newScriptedTransport()
	m := NewManager(transport, WithLogger(quietLogger()), WithConnectTimeout(0))
	sub, err := m.Subscribe("J1", staticCreds("tok"))
	require.NoError(t, err)

	expectState(t, sub, StateConnecting)
	require.Eventually(t, func() bool { return transport.dialCount() == 1 }, time.Second, time.Millisecond)

	sub.Unsubscribe()
	_, err = sub.Next(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestMissingCredentialIsFatal(t *testing.T) {
	transport := newScriptedTransport()
	m := NewManager(transport, WithLogger(quietLogger()), WithReconnectDelay(time.Millisecond))

	for name, creds := range map[string]Credentials{
		"empty": staticCreds(""),
		"error": CredentialsFunc(func(context.Context) (string, error) {
			return "", errors.New("token file missing")
		}),
	} {
		sub, err := m.Subscribe("J1", creds)
		require.NoError(t, err, name)

		expectState(t, sub, StateConnecting)
		n := expectState(t, sub, StateClosedFatal)
		require.ErrorIs(t, n.Err, ErrCredentialUnavailable, name)
		require.True(t, Fatal(n.Err))

		_, err = sub.Next(context.Background())
		require.ErrorIs(t, err, ErrClosed, name)
		sub.Unsubscribe()
	}
	require.Zero(t, transport.dialCount())
}

func TestRejectedCredentialIsFatal(t *testing.T) {
	transport := newScriptedTransport(
		dialResult{err: fmt.Errorf("%w: status 401", ErrUnauthorized)},
		dialResult{conn: newFakeConn()},
	)
	m := NewManager(transport, WithLogger(quietLogger()), WithReconnectDelay(time.Millisecond))
	sub, err := m.Subscribe("J1", staticCreds("expired"))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	expectState(t, sub, StateConnecting)
	n := expectState(t, sub, StateClosedFatal)
	require.ErrorIs(t, n.Err, ErrUnauthorized)

	<-sub.Done()
	require.Equal(t, 1, transport.dialCount())
	require.Equal(t, StateClosedFatal, sub.State())
}

func TestCredentialFetchedOnEveryAttempt(t *testing.T) {
	transport := newScriptedTransport(
		dialResult{err: errors.New("boom")},
		dialResult{err: errors.New("boom")},
		dialResult{conn: newFakeConn()},
	)
	var mu sync.Mutex
	calls := 0
	creds := CredentialsFunc(func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return fmt.Sprintf("token-%d", calls), nil
	})

	m := NewManager(transport, WithLogger(quietLogger()), WithReconnectDelay(time.Millisecond))
	sub, err := m.Subscribe("J1", creds)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < 2; i++ {
		expectState(t, sub, StateConnecting)
		expectState(t, sub, StateClosedRetrying)
	}
	expectState(t, sub, StateConnecting)
	expectState(t, sub, StateOpen)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Equal(t, []string{"token-1", "token-2", "token-3"}, transport.tokens)
}

func TestConnectTimeoutCoversCredentialFetch(t *testing.T) {
	transport := newScriptedTransport()
	var mu sync.Mutex
	calls := 0
	creds := CredentialsFunc(func(ctx context.Context) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-ctx.Done()
		return "", ctx.Err()
	})
	m := NewManager(
		transport,
		WithLogger(quietLogger()),
		WithConnectTimeout(20*time.Millisecond),
		WithReconnectDelay(time.Millisecond),
	)
	sub, err := m.Subscribe("J1", creds)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < 2; i++ {
		expectState(t, sub, StateConnecting)
		n := expectState(t, sub, StateClosedRetrying)
		require.ErrorIs(t, n.Err, ErrConnectTimeout)
		require.False(t, Fatal(n.Err))
	}
	require.Zero(t, transport.dialCount())
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, calls, 2)
}

func TestConnectTimeoutTriggersRetry(t *testing.T) {
	transport := newScriptedTransport()
	m := NewManager(
		transport,
		WithLogger(quietLogger()),
		WithConnectTimeout(20*time.Millisecond),
		WithReconnectDelay(time.Hour),
	)
	sub, err := m.Subscribe("J1", staticCreds("tok"))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	expectState(t, sub, StateConnecting)
	n := expectState(t, sub, StateClosedRetrying)
	require.ErrorIs(t, n.Err, ErrConnectTimeout)
}

func TestIdleTimeoutTriggersRetry(t *testing.T) {
	conn := newFakeConn()
	m := NewManager(
		newScriptedTransport(dialResult{conn: conn}),
		WithLogger(quietLogger()),
		WithIdleTimeout(20*time.Millisecond),
		WithReconnectDelay(time.Hour),
	)
	sub, err := m.Subscribe("J1", staticCreds("tok"))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	expectState(t, sub, StateConnecting)
	expectState(t, sub, StateOpen)
	n := expectState(t, sub, StateClosedRetrying)
	require.ErrorIs(t, n.Err, ErrIdleTimeout)
	require.Eventually(t, conn.isClosed, time.Second, time.Millisecond)
}

func TestSubscriptionsHaveIndependentTimers(t *testing.T) {
	slow := newScriptedTransport(dialResult{err: errors.New("down")})
	fast := newScriptedTransport(dialResult{err: errors.New("down")}, dialResult{conn: newFakeConn()})

	slowSub, err := NewManager(slow, WithLogger(quietLogger()), WithReconnectDelay(time.Hour)).Subscribe("J1", staticCreds("tok"))
	require.NoError(t, err)
	fastSub, err := NewManager(fast, WithLogger(quietLogger()), WithReconnectDelay(time.Millisecond)).Subscribe("J2", staticCreds("tok"))
	require.NoError(t, err)

	expectState(t, slowSub, StateConnecting)
	expectState(t, slowSub, StateClosedRetrying)
	slowSub.Unsubscribe()

	expectState(t, fastSub, StateConnecting)
	expectState(t, fastSub, StateClosedRetrying)
	expectState(t, fastSub, StateConnecting)
	expectState(t, fastSub, StateOpen)
	fastSub.Unsubscribe()
}

func TestExponentialReconnectStaysUnbounded(t *testing.T) {
	b := ExponentialReconnect(time.Millisecond, 4*time.Millisecond)()
	for i := 0; i < 50; i++ {
		d := b.NextBackOff()
		require.Positive(t, d)
		// jitter may push a single delay up to 1.5x the cap
		require.LessOrEqual(t, d, 6*time.Millisecond)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if pair.GetName() == label && pair.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
