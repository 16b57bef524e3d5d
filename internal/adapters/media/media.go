// Package media owns microphone capture and the codec setup shared
// with the peer connection layer. Audio is opus, 48 kHz mono, the
// same profile on both ends of a call.
package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Microphone builds the audio capture pipeline. The webrtc API it
// carries is registered with the same opus encoder the captured
// tracks use, so peer connections must be created from API().
type Microphone struct {
	api      *webrtc.API
	selector *mediadevices.CodecSelector
}

func NewMicrophone() (*Microphone, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	engine := &webrtc.MediaEngine{}
	selector.Populate(engine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return &Microphone{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(engine),
			webrtc.WithInterceptorRegistry(registry),
		),
		selector: selector,
	}, nil
}

// API returns the webrtc API peer connections must be built from.
func (m *Microphone) API() *webrtc.API {
	return m.api
}

// localStream owns the captured tracks. Mute is a soft switch: the
// tracks keep running and the outbound frames are replaced with
// silence, so no renegotiation ever happens.
type localStream struct {
	tracks   []mediadevices.Track
	muted    atomic.Bool
	stopOnce sync.Once
	stopped  atomic.Bool
}

func (s *localStream) SetMuted(m bool) {
	s.muted.Store(m)
}

func (s *localStream) Muted() bool {
	return s.muted.Load()
}

func (s *localStream) TrackCount() int {
	if s.stopped.Load() {
		return 0
	}
	return len(s.tracks)
}

func (s *localStream) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		for _, t := range s.tracks {
			if err := t.Close(); err != nil {
				log.Warn().Err(err).Str("module", "media").Msg("close capture track")
			}
		}
	})
}

// WebRTCTracks exposes the sendable tracks to the transport adapter.
func (s *localStream) WebRTCTracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}
