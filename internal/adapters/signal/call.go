package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/Kystof91/zvonilka/internal/core"
	"github.com/Kystof91/zvonilka/internal/domain"
)

func (ctl *Controller) handleJoin(c *WsSignalConn, msg core.Message) {
	id := domain.PeerID(domain.SanitizePeerID(string(msg.From)))
	if !id.Valid() {
		log.Warn().Str("module", "signal").Str("from", string(msg.From)).Msg("join with invalid id")
		ctl.sendError(c, "invalid_id")
		return
	}

	ctl.Registry.Register(id, c)
	c.setPeer(id)
	log.Info().Str("module", "signal").Str("peer", string(id)).Msg("join")
	ctl.sendJSON(c, core.Message{Type: core.KindJoined, From: id})
}

// handleLeave drops the registration without tearing the socket down,
// so the client can join again with a fresh code.
func (ctl *Controller) handleLeave(c *WsSignalConn) {
	peer := c.Peer()
	if peer == "" {
		return
	}
	ctl.Registry.Drop(peer, c)
	c.setPeer("")
}

func (ctl *Controller) handleCallRequest(c *WsSignalConn, msg core.Message) {
	from := c.Peer()
	if from == "" {
		ctl.sendError(c, "not_joined")
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(from) {
		log.Warn().Str("module", "signal").Str("peer", string(from)).Msg("call-request rate limited")
		ctl.sendError(c, "too_many_calls")
		return
	}
	if !msg.To.Valid() {
		ctl.sendError(c, "invalid_target")
		return
	}

	// The display name is best-effort UI data. An oversized one is
	// dropped rather than rejected.
	name := msg.FromName
	if name != "" && domain.ValidateDisplayName(name) != nil {
		log.Warn().Str("module", "signal").Str("peer", string(from)).Msg("dropping invalid display name")
		name = ""
	}

	log.Info().Str("module", "signal").Str("from", string(from)).Str("to", string(msg.To)).Msg("call request")
	ctl.Router.Route(core.Message{
		Type:     core.KindIncomingCall,
		From:     from,
		To:       msg.To,
		FromName: name,
	})
}

// forward relays a call-control or negotiation message to msg.To under
// the outbound kind, rewriting From to the sender's registered id so a
// peer cannot spoof another code. SDP and candidate payloads pass
// through untouched.
func (ctl *Controller) forward(c *WsSignalConn, msg core.Message, out core.Kind) {
	from := c.Peer()
	if from == "" {
		ctl.sendError(c, "not_joined")
		return
	}
	if msg.To == "" {
		log.Warn().Str("module", "signal").Str("type", string(msg.Type)).Str("from", string(from)).Msg("missing target, dropping")
		return
	}

	ctl.Router.Route(core.Message{
		Type:      out,
		From:      from,
		To:        msg.To,
		SDP:       msg.SDP,
		Candidate: msg.Candidate,
	})
}
