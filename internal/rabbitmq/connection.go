package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaymq/relay-go/internal/reliability"
)

// State is the connection manager's lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRecovering
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateListener receives connection lifecycle notifications. Listeners are
// invoked synchronously in registration order, so consumer bindings are
// guaranteed to be replayed before dispatch resumes; implementations must
// not block indefinitely.
type StateListener interface {
	// OnConnected fires after every successful connect, initial or not.
	OnConnected()
	// OnDisconnected fires when the transport drops unexpectedly.
	OnDisconnected(err error)
	// OnReconnecting fires before each reconnection attempt.
	OnReconnecting(attempt int)
	// OnClosed fires once when the manager reaches its terminal state,
	// either by explicit shutdown (err == nil) or a fatal broker error.
	OnClosed(err error)
}

// ConnectionManager owns the single broker connection and drives the
// reconnection state machine. At most one connection is live at a time;
// all connection mutation happens under the manager's mutex with the
// supervisor goroutine as the only writer after Connect returns.
type ConnectionManager struct {
	url         string
	dial        DialFunc
	policy      reliability.RetryPolicy
	dialTimeout time.Duration
	logger      *slog.Logger

	mu          sync.RWMutex
	conn        Conn
	state       State
	notifyClose chan *amqp.Error

	done      chan struct{}
	closeOnce sync.Once

	listenersMu sync.RWMutex
	listeners   []StateListener
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialFunc replaces the dial function. Tests use this to simulate
// broker behavior; production wiring uses Dialer for TLS and client
// properties.
func WithDialFunc(dial DialFunc) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithReconnectPolicy sets the backoff policy for connection attempts.
func WithReconnectPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.policy = policy
	}
}

// WithDialTimeout bounds a single dial attempt.
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a manager for the given broker URL. It does
// not connect; call Connect.
func NewConnectionManager(amqpURL string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         amqpURL,
		dial:        defaultDial,
		policy:      reliability.NewExponentialBackoff(time.Second, 60*time.Second, 2.0, -1),
		dialTimeout: 30 * time.Second,
		logger:      slog.Default(),
		state:       StateDisconnected,
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(cm)
	}
	return cm
}

// State returns the current lifecycle state.
func (cm *ConnectionManager) State() State {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// IsConnected reports whether a live connection is held.
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Channel opens a channel on the live connection.
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.state != StateConnected || cm.conn == nil {
		return nil, ErrNotConnected
	}
	return cm.conn.Channel()
}

// Connect establishes the initial connection, retrying transient failures
// with backoff until the policy gives up or the context is cancelled.
// Fatal broker rejections (authentication, protocol) stop retries, move
// the manager to its terminal state, and are returned to the caller.
// If a connect or recovery is already in flight, Connect returns
// immediately and lets it finish; only one dial loop runs at a time.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	switch cm.state {
	case StateClosed:
		cm.mu.Unlock()
		return ErrConnectionClosed
	case StateConnected:
		cm.mu.Unlock()
		return nil
	case StateConnecting, StateRecovering:
		cm.mu.Unlock()
		return nil
	}
	cm.state = StateConnecting
	cm.mu.Unlock()

	return cm.connectLoop(ctx)
}

// connectLoop drives dial attempts with backoff. It is used for both the
// initial connect and recovery after a drop. The policy's attempt cap
// counts total dials, matching reliability.Retry.
func (cm *ConnectionManager) connectLoop(ctx context.Context) error {
	backoff := reliability.NewBackoff(cm.policy)
	var lastErr error

	for {
		select {
		case <-cm.done:
			return ErrConnectionClosed
		case <-ctx.Done():
			cm.abandonConnect()
			return ctx.Err()
		default:
		}

		delay, ok := backoff.Next()
		if !ok {
			connErr := &ConnectionError{
				Op:        "connect",
				URL:       sanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Attempts:  backoff.Attempt(),
				Timestamp: time.Now(),
			}
			cm.close(connErr)
			return connErr
		}

		attempt := backoff.Attempt()
		if attempt > 1 {
			cm.notifyReconnecting(attempt)
			cm.logger.Warn("connection attempt failed",
				"url", sanitizeURL(cm.url),
				"attempt", attempt-1,
				"nextRetryIn", delay,
				"error", lastErr)
			if err := reliability.Sleep(ctx, cm.done, delay); err != nil {
				select {
				case <-cm.done:
					return ErrConnectionClosed
				default:
					cm.abandonConnect()
					return err
				}
			}
		}

		err := cm.attemptDial(ctx)
		if err == nil {
			cm.logger.Info("connected to broker",
				"url", sanitizeURL(cm.url),
				"attempt", attempt)
			cm.notifyConnected()
			go cm.supervise()
			return nil
		}
		if errors.Is(err, errAlreadyConnected) {
			return nil
		}

		err = Classify(err, sanitizeURL(cm.url))
		if IsFatal(err) {
			cm.logger.Error("fatal broker rejection, giving up",
				"url", sanitizeURL(cm.url),
				"error", err)
			cm.close(err)
			return err
		}
		lastErr = err
	}
}

// abandonConnect restores the idle state when an initial connect is
// given up before reaching the broker.
func (cm *ConnectionManager) abandonConnect() {
	cm.mu.Lock()
	if cm.state == StateConnecting {
		cm.state = StateDisconnected
	}
	cm.mu.Unlock()
}

// attemptDial performs one bounded dial and installs the connection on
// success.
func (cm *ConnectionManager) attemptDial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	connCh := make(chan Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		if err != nil {
			errCh <- err
			return
		}
		connCh <- conn
	}()

	select {
	case conn := <-connCh:
		cm.mu.Lock()
		switch cm.state {
		case StateClosed:
			cm.mu.Unlock()
			conn.Close()
			return ErrConnectionClosed
		case StateConnected:
			// Another dial won the race; keep the installed connection.
			cm.mu.Unlock()
			conn.Close()
			return errAlreadyConnected
		}
		cm.conn = conn
		cm.state = StateConnected
		cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
		cm.mu.Unlock()
		return nil

	case err := <-errCh:
		return err

	case <-dialCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrConnectionTimeout

	case <-cm.done:
		return ErrConnectionClosed
	}
}

// supervise watches the live connection and recovers from unexpected
// drops. It runs independently of callback execution so a slow consumer
// never delays disconnect detection.
func (cm *ConnectionManager) supervise() {
	cm.mu.RLock()
	closeCh := cm.notifyClose
	cm.mu.RUnlock()

	select {
	case amqpErr := <-closeCh:
		if amqpErr == nil {
			// nil means the close was deliberate; Close handles state.
			return
		}
		cm.logger.Error("connection lost", "error", amqpErr)

		cm.mu.Lock()
		if cm.state == StateClosed {
			cm.mu.Unlock()
			return
		}
		cm.conn = nil
		cm.state = StateRecovering
		cm.mu.Unlock()

		cm.notifyDisconnected(Classify(amqpErr, sanitizeURL(cm.url)))

		cm.mu.Lock()
		cm.state = StateConnecting
		cm.mu.Unlock()

		if err := cm.connectLoop(context.Background()); err != nil {
			cm.logger.Error("recovery abandoned", "error", err)
		}

	case <-cm.done:
	}
}

// Close moves the manager to its terminal state, closes the connection,
// and interrupts any pending reconnect wait.
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		cm.mu.Lock()
		cm.state = StateClosed
		conn := cm.conn
		cm.conn = nil
		cm.mu.Unlock()

		close(cm.done)
		if conn != nil {
			err = conn.Close()
		}
		cm.logger.Info("connection manager shut down")
		cm.notifyClosed(nil)
	})
	return err
}

// close is the internal terminal transition for fatal errors.
func (cm *ConnectionManager) close(cause error) {
	cm.closeOnce.Do(func() {
		cm.mu.Lock()
		cm.state = StateClosed
		conn := cm.conn
		cm.conn = nil
		cm.mu.Unlock()

		close(cm.done)
		if conn != nil {
			conn.Close()
		}
		cm.notifyClosed(cause)
	})
}

// AddStateListener registers a lifecycle listener.
func (cm *ConnectionManager) AddStateListener(listener StateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		l.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		l.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		l.OnReconnecting(attempt)
	}
}

func (cm *ConnectionManager) notifyClosed(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		l.OnClosed(err)
	}
}

// sanitizeURL strips credentials from a broker URL before logging.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
