package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/example/storymap-studio/internal/types"
)

var (
	errSendBufferFull = errors.New("send buffer full")
	errClosed         = errors.New("connection closed")
)

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
	maxMessageBytes    int64
	messageRate        rate.Limit
	messageBurst       int
}

// Connection is one upgraded studio WebSocket session.
type Connection struct {
	conn      *websocket.Conn
	identity  ClientIdentity
	registry  *ConnectionRegistry
	logger    zerolog.Logger
	send      chan []byte
	limiter   *rate.Limiter
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}

	opts    connectionOptions
	onClose func()
}

func newConnection(wsConn *websocket.Conn, id ClientIdentity, registry *ConnectionRegistry, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	var limiter *rate.Limiter
	if opts.messageRate > 0 {
		limiter = rate.NewLimiter(opts.messageRate, opts.messageBurst)
	}
	return &Connection{
		conn:     wsConn,
		identity: id,
		registry: registry,
		logger:   logger,
		send:     make(chan []byte, opts.sendBufferSize),
		limiter:  limiter,
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
		opts:     opts,
		onClose:  onClose,
	}
}

// SiteID returns the site the connection edits.
func (c *Connection) SiteID() types.SiteID { return c.identity.SiteID }

// UserID returns the authenticated owner.
func (c *Connection) UserID() types.UserID { return c.identity.UserID }

// ClientID returns the per-connection identifier.
func (c *Connection) ClientID() string { return c.identity.ClientID }

// Context exposes the lifecycle context for hooks.
func (c *Connection) Context() context.Context { return c.ctx }

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Registry returns the shared connection registry so hooks can fan out.
func (c *Connection) Registry() *ConnectionRegistry { return c.registry }

// SendText enqueues a text payload for the writer goroutine. A client that
// cannot keep up is disconnected.
func (c *Connection) SendText(payload []byte) error {
	select {
	case <-c.ctx.Done():
		return errClosed
	default:
	}
	select {
	case c.send <- payload:
		gatewaySendQueueDepth.Observe(float64(len(c.send)))
		return nil
	case <-c.ctx.Done():
		return errClosed
	default:
		c.logger.Warn().Msg("send buffer full; closing connection")
		c.closeWithCode(websocket.CloseTryAgainLater, "backpressure")
		return errSendBufferFull
	}
}

// Run starts the read/write pumps until the connection is closed.
func (c *Connection) Run(hooks Hooks) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	if hooks.OnConnect != nil {
		if err := hooks.OnConnect(c.ctx, c); err != nil {
			c.logger.Error().Err(err).Msg("connect hook failed")
			c.closeWithCode(websocket.CloseInternalServerErr, "session unavailable")
			wg.Wait()
			return
		}
	}

	if err := c.readLoop(hooks); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
	if hooks.OnDisconnect != nil {
		hooks.OnDisconnect(c)
	}
}

// Close tears the connection down without a close handshake.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop(hooks Hooks) error {
	if c.opts.maxMessageBytes > 0 {
		c.conn.SetReadLimit(c.opts.maxMessageBytes)
	}
	deadline := c.readDeadline()
	_ = c.conn.SetReadDeadline(deadline())
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(deadline())
	})

	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		_ = c.conn.SetReadDeadline(deadline())

		if kind != websocket.TextMessage {
			c.closeWithCode(websocket.CloseUnsupportedData, "text frames only")
			return errors.New("binary frames unsupported")
		}
		if c.limiter != nil && !c.limiter.Allow() {
			gatewayThrottled.Inc()
			if err := c.limiter.Wait(c.ctx); err != nil {
				return err
			}
		}
		if hooks.OnMessage != nil {
			if err := hooks.OnMessage(c.ctx, c, payload); err != nil {
				c.closeWithCode(websocket.ClosePolicyViolation, err.Error())
				return err
			}
		}
	}
}

func (c *Connection) readDeadline() func() time.Time {
	if c.opts.heartbeatInterval <= 0 {
		return func() time.Time { return time.Time{} }
	}
	tolerance := c.opts.heartbeatTolerance
	if tolerance < 1 {
		tolerance = 1
	}
	window := c.opts.heartbeatInterval * time.Duration(tolerance+1)
	return func() time.Time { return time.Now().Add(window) }
}

func (c *Connection) writeLoop() {
	var ping <-chan time.Time
	if c.opts.heartbeatInterval > 0 {
		ticker := time.NewTicker(c.opts.heartbeatInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close()
				return
			}
		}
	}
}

// closeWithCode sends a close frame and shuts the connection down.
func (c *Connection) closeWithCode(code int, reason string) {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.writeTimeout))
	c.Close()
}

// Hooks bind a gateway to the service that interprets messages.
type Hooks struct {
	OnConnect    ConnectHook
	OnMessage    MessageHook
	OnDisconnect DisconnectHook
}

// ConnectHook runs once after the upgrade. An error closes the connection.
type ConnectHook func(ctx context.Context, conn *Connection) error

// MessageHook handles one text message. An error closes the connection.
type MessageHook func(ctx context.Context, conn *Connection, payload []byte) error

// DisconnectHook runs after both pumps have stopped.
type DisconnectHook func(conn *Connection)

// ClientIdentity is the authenticated owner of a connection and the site it edits.
type ClientIdentity struct {
	ClientID string
	UserID   types.UserID
	SiteID   types.SiteID
}
