package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
)

var (
	ErrClosed         = errors.New("transport: connection closed")
	ErrSendBufferFull = errors.New("transport: send buffer full")
)

// close reasons must fit in a control frame
const maxCloseReason = 120

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, msg []byte)

type OnCloseHandler func(reason error)

type ConnectionConfig struct {
	// ReadTimeout bounds the wait for the next client frame. Zero disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	SendBuffer   int
	ReadLimit    int64
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done    chan struct{}
	closing chan struct{}
	wg      *sync.WaitGroup
	// ctx is handed to message handlers and ends after the close handshake.
	ctx    context.Context
	cancel context.CancelFunc
	// ioCtx carries ctx values without its cancellation: coder/websocket drops
	// the socket when an I/O context ends, which would skip the close frame.
	ioCtx     context.Context
	closeOnce sync.Once
	reasonMu  sync.Mutex
	reason    error

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, logger *slog.Logger) *Connection {
	config = config.withDefaults()
	connCtx, cancel := context.WithCancel(parentCtx)
	if conn != nil && config.ReadLimit > 0 {
		conn.SetReadLimit(config.ReadLimit)
	}

	return &Connection{
		conn:    conn,
		logger:  logger,
		config:  config,
		send:    make(chan []byte, config.SendBuffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		ctx:     connCtx,
		cancel:  cancel,
		ioCtx:   context.WithoutCancel(connCtx),
		wg:      wg,
	}
}

// Run starts the pumps. Handlers must be set before calling it.
func (c *Connection) Run() {
	c.wg.Add(1)
	go c.readPump()
	go c.writePump()
	if c.config.PingInterval > 0 {
		go c.keepAlive()
	}

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
// It ends when the socket does, which a server-side close reaches through the
// handshake in shutdown.
func (c *Connection) readPump() {
	for {
		readCtx, cancelRead := c.readContext()
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			cancelRead()
			c.Close(err)
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			c.logger.Warn("Failed to read client frame", slog.Any("error", err))
			c.Close(err)
			return
		}
		if c.isClosing() {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, message)
		}
	}
}

func (c *Connection) readContext() (context.Context, context.CancelFunc) {
	if c.config.ReadTimeout > 0 {
		return context.WithTimeout(c.ioCtx, c.config.ReadTimeout)
	}
	return context.WithCancel(c.ioCtx)
}

// writePump pumps messages from the send channel to the WebSocket connection
// and owns the shutdown sequence.
func (c *Connection) writePump() {
	defer c.shutdown()

	for {
		select {
		case message := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ioCtx, c.config.WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				c.Close(err)
				return
			}
		case <-c.closing:
			return
		case <-c.ctx.Done():
			c.Close(context.Cause(c.ctx))
			return
		}
	}
}

func (c *Connection) keepAlive() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ioCtx, c.config.PingInterval)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.Close(err)
				return
			}
		case <-c.closing:
			return
		}
	}
}

// shutdown runs the close handshake, which also unblocks readPump, and only
// then cancels the connection context.
func (c *Connection) shutdown() {
	reason := c.Reason()
	status, text := closeStatus(reason)
	if err := c.conn.Close(status, text); err != nil {
		c.logger.Debug("Close handshake did not complete", slog.Any("error", err))
	}
	c.cancel()
	c.logger.Info("Connection closed", slog.Any("reason", reason), slog.String("status", status.String()))
	if c.onClose != nil {
		c.onClose(reason)
	}
	c.wg.Done()
	close(c.done)
}

func closeStatus(reason error) (websocket.StatusCode, string) {
	switch {
	case reason == nil:
		return websocket.StatusNormalClosure, ""
	case errors.Is(reason, ErrSendBufferFull):
		return websocket.StatusPolicyViolation, "slow consumer"
	case websocket.CloseStatus(reason) != -1:
		return websocket.StatusNormalClosure, ""
	default:
		return websocket.StatusNormalClosure, truncateReason(reason.Error())
	}
}

func truncateReason(text string) string {
	if len(text) <= maxCloseReason {
		return text
	}
	n := maxCloseReason
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

// Send queues a message for the client without blocking. A full buffer marks
// the peer as a slow consumer and closes it.
func (c *Connection) Send(message []byte) error {
	if c.isClosing() {
		return ErrClosed
	}
	select {
	case c.send <- message:
		return nil
	default:
		c.logger.Warn("Send buffer full, closing slow connection", slog.Int("buffer", cap(c.send)))
		c.Close(ErrSendBufferFull)
		return ErrSendBufferFull
	}
}

// Close asks writePump to send a close frame carrying reason and stop. The
// first reason wins; later calls are no-ops.
func (c *Connection) Close(reason error) {
	c.closeOnce.Do(func() {
		c.reasonMu.Lock()
		c.reason = reason
		c.reasonMu.Unlock()
		close(c.closing)
	})
}

func (c *Connection) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// Reason returns the error the connection was closed with, or nil while it
// is open or after a clean shutdown.
func (c *Connection) Reason() error {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	return c.reason
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
