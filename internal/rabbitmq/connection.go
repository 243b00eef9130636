package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/internal/reliability"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the broker connection and reconnects when it drops
type ConnectionManager struct {
	url            string
	dial           func(url string) (*amqp.Connection, error)
	conn           *amqp.Connection
	connectTimeout time.Duration
	backoff        *reliability.ExponentialBackoff
	maxRetries     int
	logger         *slog.Logger

	mu          sync.RWMutex
	isConnected bool
	done        chan struct{}
	closeOnce   sync.Once

	listeners   []ConnectionStateListener
	listenersMu sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the first reconnection delay. Later attempts back
// off exponentially up to five minutes.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff.InitialInterval = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts; -1 retries
// forever
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithConnectTimeout bounds a single dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	backoff := reliability.NewExponentialBackoff(5*time.Second, 5*time.Minute, 2, 0)
	backoff.Jitter = true

	cm := &ConnectionManager{
		url:            url,
		dial:           amqp.Dial,
		connectTimeout: 30 * time.Second,
		backoff:        backoff,
		maxRetries:     -1,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(cm)
	}
	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
	cm.attach(conn)

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()
	return nil
}

func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// attach must be called with cm.mu held
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(notify)
}

// Channel implements ChannelSource
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.RLock()
	conn := cm.conn
	connected := cm.isConnected
	cm.mu.RUnlock()

	if !connected || conn == nil {
		return nil, ErrConnectionNotReady
	}
	if conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.isConnected = false
	if cm.conn == nil {
		return nil
	}
	err := cm.conn.Close()
	cm.conn = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

func (cm *ConnectionManager) watch(notify <-chan *amqp.Error) {
	select {
	case err, ok := <-notify:
		if !ok || err == nil {
			// graceful close
			return
		}
		cm.logger.Error("connection closed", "error", err)

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.notifyDisconnected(err)
		cm.reconnect()

	case <-cm.done:
	}
}

func (cm *ConnectionManager) reconnect() {
	start := time.Now()
	for attempt := 0; cm.maxRetries < 0 || attempt < cm.maxRetries; attempt++ {
		cm.notifyReconnecting(attempt + 1)

		if attempt > 0 {
			select {
			case <-time.After(cm.backoff.NextDelay(attempt - 1)):
			case <-cm.done:
				return
			}
		}

		conn, err := cm.dialContext(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		cm.attach(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ", "attempts", attempt+1, "duration", time.Since(start))
		cm.notifyConnected()
		return
	}

	cm.logger.Error("max reconnection attempts reached", "attempts", cm.maxRetries, "duration", time.Since(start))
	cm.notifyDisconnected(&ConnectionError{
		Op:        "reconnect",
		URL:       SanitizeURL(cm.url),
		Err:       ErrMaxRetriesExceeded,
		Timestamp: time.Now(),
		Attempts:  cm.maxRetries,
	})
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go l.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go l.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go l.OnReconnecting(attempt)
	}
}

var _ ChannelSource = (*ConnectionManager)(nil)
