// Package signal is the WebSocket adapter in front of the relay core.
// Each connection gets a read pump and a write pump; the registry is
// the only state shared between them.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Kystof91/zvonilka/internal/core"
	"github.com/Kystof91/zvonilka/internal/domain"
	"github.com/Kystof91/zvonilka/internal/relay"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Registry  *relay.Registry
	Router    *relay.Router
	Limiter   *CallRateLimiter
	ReadLimit int64
}

func NewController(reg *relay.Registry, router *relay.Router, limiter *CallRateLimiter, readLimit int64) *Controller {
	return &Controller{
		Registry:  reg,
		Router:    router,
		Limiter:   limiter,
		ReadLimit: readLimit,
	}
}

// WsSignalConn implements core.SignalConnection over a websocket.
type WsSignalConn struct {
	id   core.ConnID
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
	peer   domain.PeerID
}

func (c *WsSignalConn) ID() core.ConnID { return c.id }

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Peer returns the dial code bound by join, or "" before that.
func (c *WsSignalConn) Peer() domain.PeerID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer
}

func (c *WsSignalConn) setPeer(id domain.PeerID) {
	c.mu.Lock()
	c.peer = id
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &WsSignalConn{
		id:   core.ConnID(uuid.NewString()),
		conn: ws,
		send: make(chan core.Frame, 32),
	}
	log.Info().Str("module", "signal").Str("conn", string(conn.id)).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}
