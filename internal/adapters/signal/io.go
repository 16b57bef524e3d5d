package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Kystof91/zvonilka/internal/core"
)

func (ctl *Controller) writePump(ctx context.Context, c *WsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(c.id)).Msg("readPump closing")
		ctl.Registry.Unregister(c)
		cancel()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(c.id)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("readPump read error")
				return
			}
			ctl.handleSignal(c, data)
		}
	}
}

func (ctl *Controller) handleSignal(c *WsSignalConn, data []byte) {
	var msg core.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "bad_payload")
		return
	}

	switch msg.Type {
	case core.KindJoin:
		ctl.handleJoin(c, msg)
	case core.KindLeave:
		ctl.handleLeave(c)
	case core.KindPing:
		ctl.sendJSON(c, core.Message{Type: core.KindPong})
	case core.KindCallRequest:
		ctl.handleCallRequest(c, msg)
	case core.KindCallAccept:
		ctl.forward(c, msg, core.KindCallAccepted)
	case core.KindCallReject:
		ctl.forward(c, msg, core.KindCallRejected)
	case core.KindCallEnd:
		// Routed to the remote of the call only, never broadcast.
		ctl.forward(c, msg, core.KindCallEnded)
	case core.KindOffer, core.KindAnswer, core.KindCandidate:
		ctl.forward(c, msg, msg.Type)
	default:
		log.Warn().Str("module", "signal").Str("type", string(msg.Type)).Msg("unknown signal")
	}
}

func (ctl *Controller) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *Controller) sendError(c *WsSignalConn, reason string) {
	ctl.sendJSON(c, core.Message{Type: core.KindError, Error: reason})
}
