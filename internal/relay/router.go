package relay

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/Kystof91/zvonilka/internal/core"
)

// Router forwards signaling envelopes to the connection registered for
// the target dial code. It performs no semantic validation of SDP or
// candidate contents.
//
// Delivery is best-effort: an unknown target is a no-op, not an error.
// The caller's state machine times out on its own if nothing answers.
type Router struct {
	reg *Registry
}

func NewRouter(reg *Registry) *Router {
	return &Router{reg: reg}
}

// Route delivers msg to msg.To. Returns false when the target is not
// registered or the connection refused the frame.
func (ro *Router) Route(msg core.Message) bool {
	conn, ok := ro.reg.Lookup(msg.To)
	if !ok {
		log.Debug().Str("module", "relay.router").Str("type", string(msg.Type)).Str("to", string(msg.To)).Msg("target not registered, dropping")
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "relay.router").Msg("marshal")
		return false
	}
	if err := conn.TrySend(core.Frame(data)); err != nil {
		// Never block the router on a slow consumer; the frame is lost
		// and the peers recover via their own timeouts.
		log.Warn().Err(err).Str("module", "relay.router").Str("to", string(msg.To)).Msg("send failed")
		return false
	}
	return true
}

// Broadcast delivers msg to every registered connection. Call control
// stays point-to-point; this is only for operational notices such as
// server shutdown.
func (ro *Router) Broadcast(msg core.Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "relay.router").Msg("marshal")
		return 0
	}
	sent := 0
	for _, id := range ro.reg.Peers() {
		conn, ok := ro.reg.Lookup(id)
		if !ok {
			continue
		}
		if err := conn.TrySend(core.Frame(data)); err == nil {
			sent++
		}
	}
	return sent
}
