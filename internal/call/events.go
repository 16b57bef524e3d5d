package call

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/Kystof91/zvonilka/internal/core"
)

// maxPendingCands bounds the candidates buffered while ringing, before
// a peer link exists to apply them to.
const maxPendingCands = 64

func (s *Session) dispatchLoop() {
	ch, cancel := s.sig.Subscribe()
	defer cancel()

	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				s.onChannelLost()
				return
			}
			s.handle(msg)
		}
	}
}

func (s *Session) handle(msg core.Message) {
	switch msg.Type {
	case core.KindIncomingCall:
		s.handleIncoming(msg)
	case core.KindCallAccepted:
		s.handleAccepted()
	case core.KindCallRejected:
		s.handleRejected()
	case core.KindCallEnded:
		s.handleEnded(msg)
	case core.KindOffer:
		s.handleOffer(msg)
	case core.KindAnswer:
		s.handleAnswer(msg)
	case core.KindCandidate:
		s.handleCandidate(msg)
	case core.KindJoined, core.KindPong:
		// control acks, nothing to do
	case core.KindError:
		log.Warn().Str("module", "call").Str("error", msg.Error).Msg("relay error")
		s.failure(errors.New(msg.Error))
	default:
		log.Warn().Str("module", "call").Str("type", string(msg.Type)).Msg("unexpected signal")
	}
}

func (s *Session) handleIncoming(msg core.Message) {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateEnded {
		s.mu.Unlock()
		// Mid-call we are simply busy; decline instead of dropping the
		// request so the other side stops ringing.
		_ = s.sig.Send(core.Message{Type: core.KindCallReject, From: s.cfg.Self, To: msg.From})
		return
	}
	s.incoming = &Incoming{From: msg.From, Name: msg.FromName}
	s.state = StateRinging
	s.mu.Unlock()

	log.Info().Str("module", "call").Str("from", string(msg.From)).Str("name", msg.FromName).Msg("incoming call")
	if s.notify != nil {
		s.notify.IncomingCall(msg.From, msg.FromName)
	}
	s.stateChanged(StateRinging)
}

func (s *Session) handleAccepted() {
	s.mu.Lock()
	if s.state != StateCalling {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.stopRingTimerLocked()
	s.mu.Unlock()
	s.stateChanged(StateConnected)
}

func (s *Session) handleRejected() {
	s.mu.Lock()
	switch s.state {
	case StateCalling, StateRinging, StateConnected:
	default:
		s.mu.Unlock()
		return
	}
	s.cleanupLocked()
	s.state = StateEnded
	s.mu.Unlock()
	s.stateChanged(StateEnded)
}

func (s *Session) handleEnded(msg core.Message) {
	s.mu.Lock()
	switch s.state {
	case StateCalling, StateRinging, StateConnected:
	default:
		s.mu.Unlock()
		return
	}
	// Only the remote of this call may end it. An empty From is the
	// transport's synthetic end on channel loss.
	if msg.From != "" && msg.From != s.remote && (s.incoming == nil || msg.From != s.incoming.From) {
		s.mu.Unlock()
		return
	}
	s.cleanupLocked()
	s.state = StateEnded
	s.mu.Unlock()
	s.stateChanged(StateEnded)
}

// handleOffer applies the caller's session offer when a link already
// exists (we have decided to answer). Before that decision the latest
// offer is buffered so an early arrival is not lost; Answer applies it.
func (s *Session) handleOffer(msg core.Message) {
	s.mu.Lock()
	link := s.link
	epoch := s.epoch
	if link == nil {
		if s.state == StateRinging || s.state == StateIdle {
			s.pendingOffer = msg.SDP
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	answer, err := link.ApplyOfferCreateAnswer(context.Background(), msg.SDP)
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("apply offer")
		return
	}
	if s.stale(epoch) {
		return
	}
	_ = s.sig.Send(core.Message{Type: core.KindAnswer, From: s.cfg.Self, To: msg.From, SDP: answer})
}

func (s *Session) handleAnswer(msg core.Message) {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		log.Warn().Str("module", "call").Msg("answer without a peer link, dropping")
		return
	}
	if err := link.SetAnswer(msg.SDP); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("set answer")
	}
}

// handleCandidate feeds an inbound connectivity candidate to the link.
// Candidates that race ahead of the answer decision are buffered next
// to the pending offer; the link itself buffers candidates that arrive
// before its remote description.
func (s *Session) handleCandidate(msg core.Message) {
	if msg.Candidate == nil {
		return
	}
	s.mu.Lock()
	link := s.link
	if link == nil {
		if s.state == StateRinging && len(s.pendingCands) < maxPendingCands {
			s.pendingCands = append(s.pendingCands, *msg.Candidate)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := link.AddCandidate(*msg.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("add candidate")
	}
}

// onChannelLost treats a dead signaling channel as call-ended for any
// active session. Reconnection is the transport's business, not ours.
func (s *Session) onChannelLost() {
	s.mu.Lock()
	switch s.state {
	case StateCalling, StateRinging, StateConnected:
	default:
		s.mu.Unlock()
		return
	}
	s.cleanupLocked()
	s.state = StateEnded
	s.mu.Unlock()

	log.Warn().Str("module", "call").Msg("signaling channel lost, ending call")
	s.stateChanged(StateEnded)
	s.failure(ErrChannelLost)
}
