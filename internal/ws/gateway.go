package ws

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// ErrForbidden is returned by authenticators for callers without a site.
var ErrForbidden = errors.New("forbidden")

// Authenticator verifies the inbound HTTP request before the connection is
// upgraded to WebSocket.
type Authenticator interface {
	Authenticate(r *http.Request) (ClientIdentity, error)
}

// AuthFunc is an adapter to allow the use of ordinary functions as authenticators.
type AuthFunc func(r *http.Request) (ClientIdentity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (ClientIdentity, error) {
	return f(r)
}

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	MaxMessageBytes    int64
	// MessagesPerSecond throttles inbound messages per connection. Zero disables it.
	MessagesPerSecond int
	AllowedOrigins    []string
}

// Gateway upgrades HTTP requests into WebSocket connections, validates
// authentication, and wires them into the ConnectionRegistry.
type Gateway struct {
	auth     Authenticator
	registry *ConnectionRegistry
	logger   zerolog.Logger
	hooks    Hooks
	cfg      GatewayConfig
	upgrader websocket.Upgrader
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(auth Authenticator, registry *ConnectionRegistry, logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) (*Gateway, error) {
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 64 << 10
	}
	g := &Gateway{auth: auth, registry: registry, logger: logger, hooks: hooks, cfg: cfg}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(cfg.AllowedOrigins) > 0 {
		g.upgrader.CheckOrigin = g.checkOrigin
	}
	return g, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	identity, err := g.auth.Authenticate(r)
	switch {
	case errors.Is(err, ErrForbidden):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	case err != nil:
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	if identity.SiteID == "" {
		http.Error(w, "no site for this account", http.StatusForbidden)
		return
	}
	if identity.ClientID == "" {
		identity.ClientID = uuid.NewString()
	}

	if err := g.performUpgrade(w, r, identity); err != nil {
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
	}
}

func (g *Gateway) performUpgrade(w http.ResponseWriter, r *http.Request, identity ClientIdentity) error {
	_, span := tracer.Start(r.Context(), "ws.upgrade")
	span.SetAttributes(attribute.String("site_id", string(identity.SiteID)))
	defer span.End()

	start := time.Now()
	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}
	gatewayUpgradeLatency.Observe(time.Since(start).Seconds())

	childLogger := g.logger.With().Str("site", string(identity.SiteID)).Str("client", identity.ClientID).Logger()
	var connection *Connection
	connection = newConnection(wsConn, identity, g.registry, childLogger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
		maxMessageBytes:    g.cfg.MaxMessageBytes,
		messageRate:        rate.Limit(g.cfg.MessagesPerSecond),
		messageBurst:       max(g.cfg.MessagesPerSecond, 1),
	}, func() {
		g.registry.Unregister(identity.SiteID, connection)
	})

	g.registry.Register(identity.SiteID, connection)
	childLogger.Info().Msg("websocket connection established")

	go connection.Run(g.hooks)
	return nil
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, u.Scheme+"://"+u.Host) {
			return true
		}
	}
	return false
}
