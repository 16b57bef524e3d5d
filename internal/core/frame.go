// Package core holds the types shared between the relay server and the
// call controller: the wire envelope and the transport abstractions.
package core

// Frame is a raw signaling payload delivered to a connection.
type Frame []byte

// ConnID identifies one transport-level connection handle. A peer that
// reconnects gets a new ConnID; the registry uses it to tell a
// superseded registration from a live one.
type ConnID string

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	ID() ConnID
	TrySend(Frame) error
	Close()
}
