// Package domain contains entities without logic, just meta-data.
package domain

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
)

const (
	peerIDLen = 4
	peerIDMin = 1000
	peerIDMax = 9999
)

var ErrInvalidPeerID = errors.New("invalid peer id")

// PeerID is a short-lived dial code naming a reachable endpoint.
// Fixed 4-digit numeric regime (1000-9999): short enough to read out
// loud to the other party.
type PeerID string

// GeneratePeerID returns a fresh dial code. Codes are not globally
// unique; the relay applies last-writer-wins on collision.
func GeneratePeerID() PeerID {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the platform is broken anyway.
		panic(err)
	}
	n := binary.BigEndian.Uint64(buf[:]) % (peerIDMax - peerIDMin + 1)
	return PeerID(strconv.FormatUint(peerIDMin+n, 10))
}

// Valid reports whether id is a well-formed dial code.
func (id PeerID) Valid() bool {
	if len(id) != peerIDLen {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	n, err := strconv.Atoi(string(id))
	if err != nil {
		return false
	}
	return n >= peerIDMin && n <= peerIDMax
}

// SanitizePeerID strips everything a user may have typed around a dial
// code: spaces, dashes, stray letters. The result is not necessarily
// valid; callers still check Valid.
func SanitizePeerID(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
