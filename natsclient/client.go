// Package natsclient manages the process-wide NATS connection and the
// JetStream surfaces the pipeline runs on: partitioned event streams, work
// streams, the dead-letter stream, and the tag-catalog KV bucket.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/lifestream/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
)

// Client manages the shared NATS connection and JetStream context. One client
// per process; the bus producer is a long-lived resource created at startup
// and drained on shutdown.
type Client struct {
	urls     []string
	username string
	password string
	name     string
	logger   *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	status   atomic.Value // stores ConnectionStatus
	failures atomic.Int32

	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// ClientOption is a functional option for configuring the Client
type ClientOption func(*Client) error

// WithCredentials sets username/password authentication
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithName sets the client connection name reported to the server
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.name = name
		return nil
	}
}

// WithLogger sets the logger used for connection events
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithDrainTimeout bounds how long Close waits for in-flight messages
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.drainTimeout = d
		return nil
	}
}

// NewClient creates a new NATS client with optional configuration
func NewClient(urls []string, opts ...ClientOption) (*Client, error) {
	if len(urls) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "no broker URLs")
	}

	c := &Client{
		urls:          urls,
		logger:        slog.Default(),
		maxReconnects: -1, // infinite by default
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	return c, nil
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
}

// IsHealthy returns true if the connection is healthy
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the total connection failure count
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Connect establishes the connection and initializes JetStream
func (c *Client) Connect(ctx context.Context) error {
	c.setStatus(StatusConnecting)

	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.setStatus(StatusReconnecting)
			if err != nil {
				c.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.setStatus(StatusConnected)
			c.logger.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.setStatus(StatusDisconnected)
		}),
	}

	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.name != "" {
		opts = append(opts, nats.Name(c.name))
	}

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(strings.Join(c.urls, ","), opts...)
		if err != nil {
			connectDone <- err
			return
		}

		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			connectDone <- err
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.js = js
		c.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			c.failures.Add(1)
			c.setStatus(StatusDisconnected)
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		c.failures.Add(1)
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.setStatus(StatusConnected)
	c.logger.Info("Connected to NATS", "urls", c.urls)
	return nil
}

// WaitForConnection waits for the connection to be established
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout: %w", ctx.Err())
		case <-ticker.C:
			if c.IsHealthy() {
				return nil
			}
		}
	}
}

// Close drains and closes the NATS connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		c.setStatus(StatusDisconnected)
		return nil
	}

	drainTimeout := c.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
			drainTimeout = remaining
		}
	}

	var drainErr error
	drainDone := make(chan error, 1)
	go func() {
		drainDone <- conn.Drain()
	}()

	select {
	case err := <-drainDone:
		if err != nil {
			drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
		}
	case <-time.After(drainTimeout):
		drainErr = errors.WrapTransient(
			fmt.Errorf("drain timeout after %v", drainTimeout),
			"Client", "Close", "drain timeout")
	case <-ctx.Done():
		drainErr = errors.Wrap(ctx.Err(), "Client", "Close", "context cancelled during drain")
	}

	conn.Close()

	// Clear credentials from memory
	c.username = ""
	c.password = ""

	c.setStatus(StatusDisconnected)
	return drainErr
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// Publish publishes a message with headers to a JetStream subject. The msgID,
// when non-empty, is set as the Nats-Msg-Id header so the server's duplicate
// window drops exact replays published within it.
func (c *Client) Publish(ctx context.Context, subject string, data []byte, msgID string, header nats.Header) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  header,
	}
	if msg.Header == nil {
		msg.Header = nats.Header{}
	}
	if msgID != "" {
		msg.Header.Set(nats.MsgIdHdr, msgID)
	}

	if _, err := js.PublishMsg(ctx, msg); err != nil {
		c.failures.Add(1)
		return errors.WrapTransient(err, "Client", "Publish", subject)
	}
	return nil
}

// EnsureStream creates the stream if missing and updates it if present
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}

	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		c.failures.Add(1)
		return errors.WrapTransient(err, "Client", "EnsureStream", cfg.Name)
	}
	return nil
}

// DeleteStream removes a stream and all its messages
func (c *Client) DeleteStream(ctx context.Context, name string) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}

	if err := js.DeleteStream(ctx, name); err != nil {
		if stderrors.Is(err, jetstream.ErrStreamNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "Client", "DeleteStream", name)
	}
	return nil
}

// StreamBounds returns the first and last sequence currently retained by the
// stream. A fresh or empty stream reports (0, 0) first/last semantics from the
// server: FirstSeq is the next sequence to be assigned minus retained depth.
func (c *Client) StreamBounds(ctx context.Context, name string) (first, last uint64, err error) {
	js, jsErr := c.JetStream()
	if jsErr != nil {
		return 0, 0, jsErr
	}

	stream, err := js.Stream(ctx, name)
	if err != nil {
		return 0, 0, errors.WrapTransient(err, "Client", "StreamBounds", name)
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return 0, 0, errors.WrapTransient(err, "Client", "StreamBounds", name)
	}

	return info.State.FirstSeq, info.State.LastSeq, nil
}

// EnsureKeyValue creates or opens a KV bucket, tolerating the create race
func (c *Client) EnsureKeyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return bucket, nil
	}

	bucket, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if isAlreadyExistsError(err) {
			bucket, err = js.KeyValue(ctx, cfg.Bucket)
			if err != nil {
				return nil, errors.WrapTransient(err, "Client", "EnsureKeyValue", cfg.Bucket)
			}
			return bucket, nil
		}
		return nil, errors.WrapTransient(err, "Client", "EnsureKeyValue", cfg.Bucket)
	}

	c.logger.Info("Created KV bucket", "bucket", cfg.Bucket)
	return bucket, nil
}

// DeleteKeyValue deletes a KV bucket
func (c *Client) DeleteKeyValue(ctx context.Context, name string) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}

	if err := js.DeleteKeyValue(ctx, name); err != nil {
		if stderrors.Is(err, jetstream.ErrBucketNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "Client", "DeleteKeyValue", name)
	}
	return nil
}

// isAlreadyExistsError checks if an error indicates a bucket or stream exists
func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "bucket name already in use") ||
		strings.Contains(errStr, "already exists") ||
		strings.Contains(errStr, "stream name already in use")
}
