//go:build !linux

package media

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/Kystof91/zvonilka/internal/call"
)

// AcquireAudio has no capture driver on this platform. It hands out an
// empty stream so the call proceeds receive-only instead of failing.
func (m *Microphone) AcquireAudio(_ context.Context) (call.LocalStream, error) {
	log.Warn().Str("module", "media").Msg("no capture driver on this platform, call is receive-only")
	return &localStream{}, nil
}
