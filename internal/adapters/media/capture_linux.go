//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/rs/zerolog/log"

	"github.com/Kystof91/zvonilka/internal/call"
)

// AcquireAudio opens the microphone via the malgo driver. Device init
// can stall on a busy or misbehaving card, so the capture runs off to
// the side and the context bounds the wait; a stream that arrives
// after cancellation is closed here, never leaked.
func (m *Microphone) AcquireAudio(ctx context.Context) (call.LocalStream, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)

	go func() {
		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Codec: m.selector,
			Audio: func(c *mediadevices.MediaTrackConstraints) {
				c.SampleRate = prop.Int(48000)
				c.ChannelCount = prop.Int(1)
			},
		})
		done <- result{stream, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("get user media: %w", r.err)
		}
		return newLocalStream(r.stream.GetAudioTracks()), nil
	}
}

func newLocalStream(tracks []mediadevices.Track) *localStream {
	s := &localStream{tracks: tracks}
	for _, t := range tracks {
		at, ok := t.(*mediadevices.AudioTrack)
		if !ok {
			continue
		}
		at.Transform(silenceWhenMuted(s))
		log.Info().Str("module", "media").Str("track", t.ID()).Msg("microphone track ready")
	}
	return s
}

// silenceWhenMuted substitutes zeroed chunks while the stream is
// muted. The encoder keeps pacing normally, so the remote side just
// hears silence.
func silenceWhenMuted(s *localStream) audio.TransformFunc {
	return func(r audio.Reader) audio.Reader {
		return audio.ReaderFunc(func() (wave.Audio, func(), error) {
			chunk, release, err := r.Read()
			if err != nil {
				return nil, nil, err
			}
			if s.muted.Load() {
				return wave.NewInt16Interleaved(chunk.ChunkInfo()), release, nil
			}
			return chunk, release, nil
		})
	}
}
