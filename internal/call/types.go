// Package call owns the client-side call session: one peer link and
// one local audio stream at a time, driven through a five-state
// lifecycle by UI intents and inbound signaling messages.
//
// Coupling to the rest of the program is via narrow interfaces only:
// the Signaler carries envelopes to the relay, the PeerLink wraps the
// real-time transport, the CaptureDevice wraps the microphone and the
// Notifier is the UI.
package call

import (
	"context"
	"errors"

	"github.com/Kystof91/zvonilka/internal/core"
	"github.com/Kystof91/zvonilka/internal/domain"
)

// State is the call lifecycle phase.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

var (
	ErrBusy        = errors.New("a call is already in progress")
	ErrNoIncoming  = errors.New("no incoming call to act on")
	ErrSelfCall    = errors.New("cannot call own dial code")
	ErrRingTimeout = errors.New("call not answered")
	ErrChannelLost = errors.New("signaling channel lost")
)

// Signaler is the only surface the call package needs from the relay
// transport. Send must not block: it enqueues the envelope and returns.
// The channel returned by Subscribe is closed when the transport shuts
// down for good.
type Signaler interface {
	Send(core.Message) error
	Subscribe() (<-chan core.Message, func())
}

// LocalStream is an owned audio capture handle.
type LocalStream interface {
	// SetMuted flips the enabled flag of the audio tracks in place;
	// it never renegotiates the connection.
	SetMuted(bool)
	Muted() bool
	TrackCount() int
	Stop()
}

// RemoteStream is the inbound audio handle, opaque to this package.
type RemoteStream interface {
	ID() string
}

// CaptureDevice acquires the microphone. Acquisition may suspend on a
// permission prompt or device init, hence the context.
type CaptureDevice interface {
	AcquireAudio(ctx context.Context) (LocalStream, error)
}

// PeerLink wraps one real-time transport connection. Exactly one live
// instance exists per session; the session closes it on every terminal
// transition. Implementations must tolerate AddCandidate before the
// remote description is applied (buffer until then).
type PeerLink interface {
	AddTrack(LocalStream) error
	CreateOffer(ctx context.Context) (string, error)
	ApplyOfferCreateAnswer(ctx context.Context, sdp string) (string, error)
	SetAnswer(sdp string) error
	AddCandidate(core.Candidate) error
	OnCandidate(func(core.Candidate))
	OnRemoteStream(func(RemoteStream))
	OnConnected(func())
	Close()
}

// PeerLinkFactory builds a fresh link for each call.
type PeerLinkFactory func() (PeerLink, error)

// Incoming is the pending remote-call record surfaced while ringing.
type Incoming struct {
	From domain.PeerID
	Name string
}

// Notifier receives UI-facing outputs. All methods are invoked from
// session goroutines and must not call back into the Session.
type Notifier interface {
	StateChanged(State)
	IncomingCall(from domain.PeerID, name string)
	RemoteStream(RemoteStream)
	Failure(error)
}
