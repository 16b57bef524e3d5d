package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Kystof91/zvonilka/internal/core"
	"github.com/Kystof91/zvonilka/internal/domain"
)

// Config carries the session's own identity and tuning knobs.
type Config struct {
	Self        domain.PeerID
	DisplayName string

	// RingTimeout bounds how long an outbound call stays in calling
	// without an accept or connectivity. Zero disables the timer.
	RingTimeout time.Duration
}

// Session drives one call at a time. The peer link and the local
// stream are exclusively owned: nothing else may hold a reference that
// outlives cleanup.
//
// Every field below mu is guarded by it. The epoch counter is bumped
// on each cleanup; asynchronous completions (media acquisition, offer
// creation, link callbacks) compare epochs and discard stale results
// instead of mutating a session that has already moved on.
type Session struct {
	cfg    Config
	sig    Signaler
	links  PeerLinkFactory
	mic    CaptureDevice
	notify Notifier

	mu           sync.Mutex
	state        State
	epoch        uint64
	remote       domain.PeerID
	remoteName   string
	incoming     *Incoming
	pendingOffer string
	pendingCands []core.Candidate
	link         PeerLink
	local        LocalStream
	remoteMedia  RemoteStream
	muted        bool
	ringTimer    *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

func NewSession(cfg Config, sig Signaler, links PeerLinkFactory, mic CaptureDevice, notify Notifier) *Session {
	s := &Session{
		cfg:    cfg,
		sig:    sig,
		links:  links,
		mic:    mic,
		notify: notify,
		state:  StateIdle,
		done:   make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Session) Remote() domain.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Incoming returns a copy of the pending remote-call record, if any.
func (s *Session) Incoming() (Incoming, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incoming == nil {
		return Incoming{}, false
	}
	return *s.incoming, true
}

// Start dials target: acquires the microphone, creates the peer link,
// announces the call and sends the session offer immediately so
// candidates can start flowing before the callee even answers.
func (s *Session) Start(ctx context.Context, target domain.PeerID) error {
	target = domain.PeerID(domain.SanitizePeerID(string(target)))
	if !target.Valid() {
		return domain.ErrInvalidPeerID
	}
	if target == s.cfg.Self {
		return ErrSelfCall
	}

	s.mu.Lock()
	if s.state != StateIdle && s.state != StateEnded {
		s.mu.Unlock()
		return ErrBusy
	}
	epoch := s.epoch
	s.remote = target
	s.remoteName = ""
	s.state = StateCalling
	s.mu.Unlock()
	s.stateChanged(StateCalling)

	stream, link, err := s.dialResources(ctx, epoch)
	if err != nil {
		return s.failDial(epoch, err)
	}
	if stream == nil {
		// Session was torn down while we were acquiring resources.
		return nil
	}

	if err := link.AddTrack(stream); err != nil {
		return s.failDial(epoch, fmt.Errorf("add local track: %w", err))
	}

	_ = s.sig.Send(core.Message{
		Type:     core.KindCallRequest,
		From:     s.cfg.Self,
		To:       target,
		FromName: s.cfg.DisplayName,
	})

	sdp, err := link.CreateOffer(ctx)
	if err != nil {
		return s.failDial(epoch, fmt.Errorf("create offer: %w", err))
	}
	if s.stale(epoch) {
		return nil
	}
	_ = s.sig.Send(core.Message{Type: core.KindOffer, From: s.cfg.Self, To: target, SDP: sdp})

	s.armRingTimer(epoch)
	return nil
}

// Answer accepts the pending incoming call. If the caller's offer
// already arrived while we were ringing it is applied now.
func (s *Session) Answer(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRinging || s.incoming == nil {
		s.mu.Unlock()
		return ErrNoIncoming
	}
	inc := *s.incoming
	epoch := s.epoch
	s.remote = inc.From
	s.remoteName = inc.Name
	s.mu.Unlock()

	stream, link, err := s.dialResources(ctx, epoch)
	if err != nil {
		return s.failDial(epoch, err)
	}
	if stream == nil {
		return nil
	}

	if err := link.AddTrack(stream); err != nil {
		return s.failDial(epoch, fmt.Errorf("add local track: %w", err))
	}

	s.mu.Lock()
	pendingOffer := s.pendingOffer
	pendingCands := s.pendingCands
	s.pendingOffer = ""
	s.pendingCands = nil
	s.incoming = nil
	s.state = StateCalling
	s.mu.Unlock()
	s.stateChanged(StateCalling)

	_ = s.sig.Send(core.Message{Type: core.KindCallAccept, From: s.cfg.Self, To: inc.From})

	if pendingOffer != "" {
		answer, err := link.ApplyOfferCreateAnswer(ctx, pendingOffer)
		if err != nil {
			// Negotiation failure is not fatal to the session: the
			// call stays up until the user ends it or a timeout fires.
			log.Error().Err(err).Str("module", "call").Msg("apply buffered offer")
			s.failure(fmt.Errorf("apply offer: %w", err))
			return nil
		}
		if s.stale(epoch) {
			return nil
		}
		_ = s.sig.Send(core.Message{Type: core.KindAnswer, From: s.cfg.Self, To: inc.From, SDP: answer})
		for _, cand := range pendingCands {
			if err := link.AddCandidate(cand); err != nil {
				log.Warn().Err(err).Str("module", "call").Msg("apply buffered candidate")
			}
		}
	}
	return nil
}

// Reject declines the pending incoming call and returns to idle.
func (s *Session) Reject() error {
	s.mu.Lock()
	if s.state != StateRinging || s.incoming == nil {
		s.mu.Unlock()
		return ErrNoIncoming
	}
	from := s.incoming.From
	s.incoming = nil
	s.pendingOffer = ""
	s.pendingCands = nil
	s.remote = ""
	s.remoteName = ""
	s.state = StateIdle
	s.mu.Unlock()

	_ = s.sig.Send(core.Message{Type: core.KindCallReject, From: s.cfg.Self, To: from})
	s.stateChanged(StateIdle)
	return nil
}

// End terminates the call from any state. Safe to invoke mid-dial and
// repeatedly: a second End on a clean session is a no-op.
func (s *Session) End() {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateEnded {
		s.cleanupLocked()
		s.mu.Unlock()
		return
	}
	to := s.remote
	if to == "" && s.incoming != nil {
		to = s.incoming.From
	}
	s.cleanupLocked()
	s.state = StateEnded
	s.mu.Unlock()

	if to != "" {
		_ = s.sig.Send(core.Message{Type: core.KindCallEnd, From: s.cfg.Self, To: to})
	}
	s.stateChanged(StateEnded)
}

// ToggleMute flips the enabled flag of the local audio tracks in
// place. Local-only: the remote side just hears silence. Returns the
// new muted state.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		return s.muted
	}
	s.muted = !s.muted
	s.local.SetMuted(s.muted)
	return s.muted
}

// Close ends any active call and stops the dispatch loop.
func (s *Session) Close() {
	s.End()
	s.closeOnce.Do(func() { close(s.done) })
}

// dialResources acquires the microphone and builds a fresh peer link.
// Returns (nil, nil, nil) when the session was cleaned up while an
// acquisition was in flight; the stale resources are released here.
func (s *Session) dialResources(ctx context.Context, epoch uint64) (LocalStream, PeerLink, error) {
	stream, err := s.mic.AcquireAudio(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire audio: %w", err)
	}
	if s.stale(epoch) {
		stream.Stop()
		return nil, nil, nil
	}

	link, err := s.links()
	if err != nil {
		stream.Stop()
		return nil, nil, fmt.Errorf("create peer link: %w", err)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		stream.Stop()
		link.Close()
		return nil, nil, nil
	}
	s.local = stream
	s.link = link
	s.muted = false
	remote := s.remote
	s.mu.Unlock()

	s.wireLink(link, epoch, remote)
	return stream, link, nil
}

// wireLink hooks the link's callbacks to the session, tagged with the
// epoch that created them.
func (s *Session) wireLink(link PeerLink, epoch uint64, to domain.PeerID) {
	link.OnCandidate(func(cand core.Candidate) {
		if s.stale(epoch) {
			return
		}
		c := cand
		_ = s.sig.Send(core.Message{Type: core.KindCandidate, From: s.cfg.Self, To: to, Candidate: &c})
	})
	link.OnConnected(func() {
		s.onConnected(epoch)
	})
	link.OnRemoteStream(func(rs RemoteStream) {
		s.onRemoteStream(epoch, rs)
	})
}

// onConnected converges on the connected state regardless of whether
// it was reached via an explicit accept or the transport reporting
// connectivity first. Re-entry is a no-op.
func (s *Session) onConnected(epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	if s.state != StateCalling && s.state != StateRinging {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.stopRingTimerLocked()
	s.mu.Unlock()
	s.stateChanged(StateConnected)
}

func (s *Session) onRemoteStream(epoch uint64, rs RemoteStream) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.remoteMedia = rs
	s.mu.Unlock()

	if s.notify != nil {
		s.notify.RemoteStream(rs)
	}
	s.onConnected(epoch)
}

func (s *Session) armRingTimer(epoch uint64) {
	if s.cfg.RingTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || s.state != StateCalling {
		return
	}
	s.ringTimer = time.AfterFunc(s.cfg.RingTimeout, func() {
		s.onRingTimeout(epoch)
	})
}

func (s *Session) onRingTimeout(epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch || s.state != StateCalling {
		s.mu.Unlock()
		return
	}
	to := s.remote
	s.cleanupLocked()
	s.state = StateEnded
	s.mu.Unlock()

	log.Info().Str("module", "call").Str("to", string(to)).Msg("ring timeout")
	if to != "" {
		_ = s.sig.Send(core.Message{Type: core.KindCallEnd, From: s.cfg.Self, To: to})
	}
	s.stateChanged(StateEnded)
	s.failure(ErrRingTimeout)
}

// failDial handles an error on the outbound path. Media or negotiation
// failure surfaces to the UI and leaves the session in idle; a stale
// epoch means End already ran and there is nothing to report.
func (s *Session) failDial(epoch uint64, err error) error {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return nil
	}
	s.cleanupLocked()
	s.state = StateIdle
	s.mu.Unlock()

	log.Error().Err(err).Str("module", "call").Msg("dial failed")
	s.stateChanged(StateIdle)
	s.failure(err)
	return err
}

// stale reports whether epoch belongs to a session generation that has
// already been cleaned up.
func (s *Session) stale(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch != epoch
}

// cleanupLocked releases every owned resource and bumps the epoch so
// in-flight asynchronous work discards itself. Idempotent: running it
// on an already clean session changes nothing but the epoch.
// Caller holds s.mu.
func (s *Session) cleanupLocked() {
	s.epoch++
	s.stopRingTimerLocked()
	if s.link != nil {
		s.link.Close()
		s.link = nil
	}
	if s.local != nil {
		s.local.Stop()
		s.local = nil
	}
	s.remoteMedia = nil
	s.remote = ""
	s.remoteName = ""
	s.incoming = nil
	s.pendingOffer = ""
	s.pendingCands = nil
	s.muted = false
}

func (s *Session) stopRingTimerLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) stateChanged(st State) {
	log.Info().Str("module", "call").Str("state", string(st)).Msg("state changed")
	if s.notify != nil {
		s.notify.StateChanged(st)
	}
}

func (s *Session) failure(err error) {
	if s.notify != nil {
		s.notify.Failure(err)
	}
}
