package core

import "github.com/Kystof91/zvonilka/internal/domain"

// Kind names a signaling message type on the wire.
type Kind string

// Client-to-server kinds.
const (
	KindJoin        Kind = "join"
	KindLeave       Kind = "leave"
	KindPing        Kind = "ping"
	KindCallRequest Kind = "call-request"
	KindCallAccept  Kind = "call-accept"
	KindCallReject  Kind = "call-reject"
	KindCallEnd     Kind = "call-end"
	KindOffer       Kind = "offer"
	KindAnswer      Kind = "answer"
	KindCandidate   Kind = "ice-candidate"
)

// Server-to-client kinds.
const (
	KindJoined       Kind = "joined"
	KindPong         Kind = "pong"
	KindIncomingCall Kind = "incoming-call"
	KindCallAccepted Kind = "call-accepted"
	KindCallRejected Kind = "call-rejected"
	KindCallEnded    Kind = "call-ended"
	KindError        Kind = "error"
)

// Candidate is an opaque network-path descriptor. The relay copies it
// verbatim; only the peer connection layers interpret it.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Message is the JSON envelope exchanged over the signaling channel.
// SDP and Candidate are opaque blobs from the relay's perspective.
type Message struct {
	Type      Kind          `json:"type"`
	From      domain.PeerID `json:"from,omitempty"`
	To        domain.PeerID `json:"to,omitempty"`
	FromName  string        `json:"fromName,omitempty"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *Candidate    `json:"candidate,omitempty"`
	Error     string        `json:"error,omitempty"`
}
