package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rongwang/shipprep-server/internal/auth"
	"github.com/rongwang/shipprep-server/internal/common"
	"github.com/rongwang/shipprep-server/internal/models"
	"github.com/rongwang/shipprep-server/internal/utils"
)

const maxMessageSize = 64 * 1024

// GatewayConfig tunes connection keepalive and buffering
type GatewayConfig struct {
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

// Gateway admits WebSocket connections and routes their messages. It owns the
// room registry for its lifetime.
type Gateway struct {
	cfg        GatewayConfig
	verifier   *auth.Verifier
	registry   *Registry
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
	logger     *utils.Logger

	// updates run on this context rather than the connection's, so an update
	// in flight when its sender disconnects still completes
	baseCtx context.Context

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewGateway(ctx context.Context, cfg GatewayConfig, verifier *auth.Verifier, registry *Registry, dispatcher *Dispatcher, logger *utils.Logger) *Gateway {
	if logger == nil {
		logger = utils.NopLogger()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}

	g := &Gateway{
		cfg:        cfg,
		verifier:   verifier,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
		baseCtx:    context.WithoutCancel(ctx),
		conns:      make(map[string]*Conn),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// Registry returns the room registry owned by the gateway
func (g *Gateway) Registry() *Registry {
	return g.registry
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Handle is the gin handler for GET /ws. The credential is checked before
// the upgrade; a bad one gets a plain 401 and no WebSocket.
func (g *Gateway) Handle(c *gin.Context) {
	token, err := auth.TokenFromRequest(c.Request, true)
	var identity models.Identity
	if err == nil {
		identity, err = g.verifier.Verify(token)
	}
	if err != nil {
		g.logger.Warn("rejected connection", "remote", c.ClientIP(), "error", err)
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{
			Status:  "error",
			Code:    common.Code(err),
			Message: err.Error(),
		})
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already answered the request
		g.logger.Warn("websocket upgrade failed", "user_id", identity.UserID, "error", err)
		return
	}

	id := uuid.New().String()
	conn := newConn(id, identity, ws, g.cfg.SendBuffer,
		g.logger.With("conn_id", id, "user_id", identity.UserID, "role", identity.Role))
	g.track(conn)

	conn.logger.Info("connected", "remote", c.ClientIP())

	go conn.writePump(g.cfg.WriteTimeout, g.cfg.PongTimeout*9/10)
	go g.readPump(conn)
}

func (g *Gateway) track(c *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[c.id] = c
}

func (g *Gateway) untrack(c *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c.id)
}

// ConnectionCount returns the number of open connections
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Close disconnects every open connection
func (g *Gateway) Close() {
	g.mu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (g *Gateway) readPump(c *Conn) {
	defer func() {
		g.registry.Leave(c)
		g.untrack(c)
		c.Close()
		c.logger.Info("disconnected")
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("connection read failed", "error", err)
			}
			return
		}
		g.handleMessage(c, data)
	}
}

// handleMessage runs in the read pump, so one connection's messages are
// handled in arrival order
func (g *Gateway) handleMessage(c *Conn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("dropping malformed message", "error", err)
		return
	}

	switch env.Event {
	case EventJoinRoom:
		var p JoinRoomPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.ShipID <= 0 {
			c.logger.Warn("dropping invalid join-room", "error", err)
			return
		}
		g.registry.Join(c, int64(p.ShipID))
		c.logger.Debug("joined room", "ship_id", int64(p.ShipID))

	case EventUpdateChecklist:
		var p UpdateChecklistPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			msg, _ := encode(EventChecklistUpdateError, UpdateErrorPayload{
				Message: "invalid update-checklist payload: " + err.Error(),
				Code:    common.Code(common.ErrValidation),
			})
			c.Send(msg)
			return
		}
		g.dispatcher.HandleUpdate(g.baseCtx, c, p)

	default:
		c.logger.Warn("dropping unknown event", "event", env.Event)
	}
}
