// Package stream keeps one live logical subscription to a job's activity feed,
// decoding frames and reconnecting after transport failures until the caller
// unsubscribes.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"agentwatch/internal/activity"
	"agentwatch/internal/telemetry"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// Credentials supplies the bearer credential. It is called before every
// connection attempt so a rotated token is picked up on reconnect.
type Credentials interface {
	Token(ctx context.Context) (string, error)
}

type CredentialsFunc func(ctx context.Context) (string, error)

func (f CredentialsFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Notification is one observable output of a subscription: a state change,
// an activity event, or an error. Event and Err are never both set.
type Notification struct {
	SubscriptionID string
	JobID          string
	Attempt        int
	State          State
	Event          *activity.Event
	Err            error
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithBackOff sets the reconnect delay policy. newBackOff is called once per
// subscription so every subscription owns its own timer state.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(m *Manager) {
		if newBackOff != nil {
			m.newBackOff = newBackOff
		}
	}
}

// WithReconnectDelay is shorthand for a constant reconnect delay.
func WithReconnectDelay(d time.Duration) Option {
	return WithBackOff(ConstantReconnect(d))
}

func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.connectTimeout = d
	}
}

// WithIdleTimeout drops an open connection that has been silent for d. Zero
// disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.idleTimeout = d
	}
}

func WithDecoder(d *Decoder) Option {
	return func(m *Manager) {
		if d != nil {
			m.decoder = d
		}
	}
}

func ConstantReconnect(d time.Duration) func() backoff.BackOff {
	if d <= 0 {
		d = DefaultReconnectDelay
	}
	return func() backoff.BackOff {
		return backoff.NewConstantBackOff(d)
	}
}

// ExponentialReconnect grows the delay from initial up to max. Retries stay
// unbounded.
func ExponentialReconnect(initial, maxDelay time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		if initial > 0 {
			b.InitialInterval = initial
		}
		if maxDelay > 0 {
			b.MaxInterval = maxDelay
		}
		b.Reset()
		return b
	}
}

// Manager creates subscriptions over a single transport.
type Manager struct {
	transport      Transport
	decoder        *Decoder
	logger         *slog.Logger
	metrics        *telemetry.Metrics
	newBackOff     func() backoff.BackOff
	connectTimeout time.Duration
	idleTimeout    time.Duration
	dropLogEvery   time.Duration
}

func NewManager(transport Transport, opts ...Option) *Manager {
	m := &Manager{
		transport:      transport,
		logger:         slog.Default(),
		newBackOff:     ConstantReconnect(DefaultReconnectDelay),
		connectTimeout: DefaultConnectTimeout,
		dropLogEvery:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.decoder == nil {
		m.decoder = MustDecoder()
	}
	return m
}

// Subscribe starts following jobID. Only argument errors are returned here;
// everything else is reported through the subscription's notifications.
func (m *Manager) Subscribe(jobID string, creds Credentials) (*Subscription, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, ErrEmptyJobID
	}
	if creds == nil {
		return nil, ErrNoCredentials
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	s := &Subscription{
		id:      id,
		jobID:   jobID,
		manager: m,
		creds:   creds,
		cancel:  cancel,
		out:     make(chan Notification),
		done:    make(chan struct{}),
		backoff: m.newBackOff(),
		dropLog: rate.NewLimiter(rate.Every(m.dropLogEvery), 3),
		logger:  m.logger.With("job_id", jobID, "subscription_id", id),
	}
	go s.run(ctx)
	return s, nil
}

// Subscription is one logical, job-scoped feed. It may span many physical
// connections.
type Subscription struct {
	id      string
	jobID   string
	manager *Manager
	creds   Credentials
	cancel  context.CancelFunc
	out     chan Notification
	done    chan struct{}
	backoff backoff.BackOff
	dropLog *rate.Limiter
	dropped int
	logger  *slog.Logger

	state  atomic.Int32
	closed atomic.Bool
	once   sync.Once
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) JobID() string {
	return s.jobID
}

func (s *Subscription) State() State {
	return State(s.state.Load())
}

// Updates exposes the notification channel. It is closed when the
// subscription ends. Prefer Next, which also filters out anything received
// after Unsubscribe.
func (s *Subscription) Updates() <-chan Notification {
	return s.out
}

// Done is closed once the run loop has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Next blocks for the next notification. It returns ErrClosed once the
// subscription has ended or Unsubscribe has been called.
func (s *Subscription) Next(ctx context.Context) (Notification, error) {
	if s.closed.Load() {
		return Notification{}, ErrClosed
	}
	select {
	case n, ok := <-s.out:
		if !ok || s.closed.Load() {
			return Notification{}, ErrClosed
		}
		return n, nil
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	}
}

// Unsubscribe tears the subscription down. It cancels a pending reconnect
// timer or connection attempt, closes the live connection and waits for the
// run loop to exit. It is idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		<-s.done
		if s.State() != StateClosedFatal {
			s.state.Store(int32(StateClosedFatal))
			s.manager.metrics.StateEntered(StateClosedFatal.String(), int(StateClosedFatal))
		}
		s.logger.Info("unsubscribed")
	})
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.out)

	for attempt := 1; ; attempt++ {
		if !s.transition(ctx, StateConnecting, attempt, nil) {
			return
		}
		err := s.attempt(ctx, attempt)
		if ctx.Err() != nil {
			return
		}
		if Fatal(err) {
			s.transition(ctx, StateClosedFatal, attempt, err)
			return
		}
		if !s.transition(ctx, StateClosedRetrying, attempt, &TransportError{Attempt: attempt, Err: err}) {
			return
		}
		if !s.wait(ctx, attempt) {
			return
		}
	}
}

// attempt runs one physical connection from credential fetch until the
// connection ends, and returns why it ended.
func (s *Subscription) attempt(ctx context.Context, attempt int) error {
	s.manager.metrics.ConnectAttempt()

	attemptCtx, cancelAttempt := context.WithCancelCause(ctx)
	defer cancelAttempt(nil)

	// the connect window covers the credential fetch as well as the dial
	var connectTimer *time.Timer
	if s.manager.connectTimeout > 0 {
		connectTimer = time.AfterFunc(s.manager.connectTimeout, func() {
			cancelAttempt(ErrConnectTimeout)
		})
	}
	stopConnectTimer := func() {
		if connectTimer != nil {
			connectTimer.Stop()
		}
	}
	defer stopConnectTimer()

	credential, err := s.creds.Token(attemptCtx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(context.Cause(attemptCtx), ErrConnectTimeout) {
		return ErrConnectTimeout
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
	}
	if strings.TrimSpace(credential) == "" {
		return fmt.Errorf("%w: empty credential", ErrCredentialUnavailable)
	}

	conn, err := s.manager.transport.Dial(attemptCtx, s.jobID, credential)
	stopConnectTimer()
	if err != nil {
		if errors.Is(context.Cause(attemptCtx), ErrConnectTimeout) {
			return ErrConnectTimeout
		}
		return err
	}
	if attemptCtx.Err() != nil {
		_ = conn.Close()
		return context.Cause(attemptCtx)
	}

	stopClose := context.AfterFunc(attemptCtx, func() {
		_ = conn.Close()
	})
	defer func() {
		stopClose()
		_ = conn.Close()
	}()

	s.backoff.Reset()
	if !s.transition(ctx, StateOpen, attempt, nil) {
		return ctx.Err()
	}
	return s.consume(ctx, attemptCtx, cancelAttempt, conn, attempt)
}

// consume reads frames until the connection fails. The idle timer only runs
// while waiting on the transport, not while the consumer is busy.
func (s *Subscription) consume(ctx, attemptCtx context.Context, cancel context.CancelCauseFunc, conn Conn, attempt int) error {
	idle := s.manager.idleTimeout
	var idleTimer *time.Timer
	if idle > 0 {
		idleTimer = time.AfterFunc(idle, func() {
			cancel(ErrIdleTimeout)
		})
		defer idleTimer.Stop()
	}

	for {
		raw, err := conn.Next(attemptCtx)
		if err != nil {
			if errors.Is(context.Cause(attemptCtx), ErrIdleTimeout) {
				return ErrIdleTimeout
			}
			return err
		}
		if idleTimer != nil {
			idleTimer.Stop()
		}
		if !s.handleFrame(ctx, attempt, raw) {
			return ctx.Err()
		}
		if idleTimer != nil {
			idleTimer.Reset(idle)
		}
	}
}

func (s *Subscription) handleFrame(ctx context.Context, attempt int, raw []byte) bool {
	frame, err := s.manager.decoder.Decode(raw)
	if err != nil {
		s.manager.metrics.FrameDropped("malformed")
		if !s.dropLog.Allow() {
			s.dropped++
			return true
		}
		attrs := []any{"attempt", attempt, "bytes", len(raw), "err", err}
		if s.dropped > 0 {
			attrs = append(attrs, "suppressed", s.dropped)
			s.dropped = 0
		}
		s.logger.Warn("dropping malformed frame", attrs...)
		return true
	}
	s.manager.metrics.Frame(string(frame.Type))

	switch frame.Type {
	case FrameConnected:
		if frame.JobID != "" && frame.JobID != s.jobID {
			s.logger.Warn("handshake for a different job", "acknowledged_job_id", frame.JobID)
		}
		s.logger.Debug("handshake acknowledged", "attempt", attempt)
		return true
	case FrameError:
		s.logger.Warn("server reported error", "attempt", attempt, "message", frame.Message)
		return s.emit(ctx, Notification{Attempt: attempt, State: StateOpen, Err: &ServerError{Message: frame.Message}})
	default:
		return s.emit(ctx, Notification{Attempt: attempt, State: StateOpen, Event: frame.Event})
	}
}

func (s *Subscription) wait(ctx context.Context, attempt int) bool {
	delay := s.backoff.NextBackOff()
	if delay == backoff.Stop || delay < 0 {
		delay = DefaultReconnectDelay
	}
	s.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Subscription) transition(ctx context.Context, state State, attempt int, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	s.state.Store(int32(state))
	s.manager.metrics.StateEntered(state.String(), int(state))

	switch state {
	case StateConnecting:
		s.logger.Debug("connecting", "attempt", attempt)
	case StateOpen:
		s.logger.Info("stream open", "attempt", attempt)
	case StateClosedRetrying:
		s.logger.Warn("stream lost", "attempt", attempt, "err", err)
	case StateClosedFatal:
		s.logger.Error("stream closed", "attempt", attempt, "err", err)
	}
	return s.emit(ctx, Notification{Attempt: attempt, State: state, Err: err})
}

func (s *Subscription) emit(ctx context.Context, n Notification) bool {
	if ctx.Err() != nil {
		return false
	}
	n.SubscriptionID = s.id
	n.JobID = s.jobID
	select {
	case s.out <- n:
		return true
	case <-ctx.Done():
		return false
	}
}
