// Package rtc adapts pion peer connections to the call package's
// PeerLink surface. One Link per call; the session owns it.
package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/Kystof91/zvonilka/internal/call"
	"github.com/Kystof91/zvonilka/internal/core"
)

// TrackSource is implemented by local streams that carry sendable
// tracks. A LocalStream without it still gets audio in: the link falls
// back to a receive-only transceiver.
type TrackSource interface {
	WebRTCTracks() []webrtc.TrackLocal
}

// NewFactory returns a per-call link builder. api carries the media
// engine and interceptors the capture layer registered its codecs
// with; nil means the pion defaults.
func NewFactory(api *webrtc.API, stunURLs []string) call.PeerLinkFactory {
	cfg := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	}
	return func() (call.PeerLink, error) {
		return newLink(api, cfg)
	}
}

// Link is a pion peer connection speaking trickle negotiation: offers
// and answers go out as soon as the local description is set, and
// candidates received before the remote description are buffered.
type Link struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	pending   []core.Candidate
	onCand    func(core.Candidate)
	onRemote  func(call.RemoteStream)
	onConn    func()

	closeOnce sync.Once
}

func newLink(api *webrtc.API, cfg webrtc.Configuration) (*Link, error) {
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if api != nil {
		pc, err = api.NewPeerConnection(cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	l := &Link{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		l.mu.Lock()
		fn := l.onCand
		l.mu.Unlock()
		if fn != nil {
			fn(core.Candidate{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			})
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateConnected || s == webrtc.ICEConnectionStateCompleted {
			l.mu.Lock()
			fn := l.onConn
			l.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "webrtc").
			Str("track", track.ID()).
			Str("kind", track.Kind().String()).
			Msg("remote track")
		go drain(track)
		l.mu.Lock()
		fn := l.onRemote
		l.mu.Unlock()
		if fn != nil {
			fn(&remoteTrack{id: track.ID()})
		}
	})

	return l, nil
}

// drain keeps the receiver's buffers from filling. Playback sinks tap
// the stream upstream of this loop.
func drain(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func (l *Link) AddTrack(stream call.LocalStream) error {
	src, ok := stream.(TrackSource)
	if !ok {
		// No sendable tracks on this platform: receive-only call.
		_, err := l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
		if err != nil {
			return fmt.Errorf("add recvonly transceiver: %w", err)
		}
		return nil
	}
	for _, track := range src.WebRTCTracks() {
		_, err := l.pc.AddTransceiverFromTrack(track,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
		if err != nil {
			return fmt.Errorf("add transceiver: %w", err)
		}
	}
	return nil
}

func (l *Link) CreateOffer(_ context.Context) (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (l *Link) ApplyOfferCreateAnswer(_ context.Context, sdp string) (string, error) {
	err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	l.flushPending()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (l *Link) SetAnswer(sdp string) error {
	err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	l.flushPending()
	return nil
}

func (l *Link) AddCandidate(cand core.Candidate) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, cand)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(toInit(cand))
}

// flushPending applies candidates that raced ahead of the remote
// description.
func (l *Link) flushPending() {
	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, cand := range pending {
		if err := l.pc.AddICECandidate(toInit(cand)); err != nil {
			log.Warn().Err(err).Str("module", "webrtc").Msg("buffered candidate rejected")
		}
	}
}

func (l *Link) OnCandidate(fn func(core.Candidate)) {
	l.mu.Lock()
	l.onCand = fn
	l.mu.Unlock()
}

func (l *Link) OnRemoteStream(fn func(call.RemoteStream)) {
	l.mu.Lock()
	l.onRemote = fn
	l.mu.Unlock()
}

func (l *Link) OnConnected(fn func()) {
	l.mu.Lock()
	l.onConn = fn
	l.mu.Unlock()
}

func (l *Link) Close() {
	l.closeOnce.Do(func() {
		if err := l.pc.Close(); err != nil {
			log.Warn().Err(err).Str("module", "webrtc").Msg("close peer connection")
		}
	})
}

func toInit(cand core.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}
}

type remoteTrack struct{ id string }

func (r *remoteTrack) ID() string { return r.id }
