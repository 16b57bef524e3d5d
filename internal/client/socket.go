// Package client maintains the signaling connection from the dialer
// side: one websocket to the relay, reconnected with backoff for as
// long as the socket lives.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Kystof91/zvonilka/internal/core"
	"github.com/Kystof91/zvonilka/internal/domain"
)

var ErrClosed = errors.New("socket closed")

const (
	writeWait        = 5 * time.Second
	pingPeriod       = 54 * time.Second
	initialBackoff   = time.Second
	maxBackoff       = 5 * time.Second
	outboundCapacity = 64
)

// Socket implements the call package's Signaler over a websocket. A
// dropped connection is handled in two steps: subscribers get a
// synthetic call-ended so any active call is torn down immediately,
// and the socket keeps redialing in the background, re-announcing the
// join once it gets through.
type Socket struct {
	url  string
	join core.Message

	out  chan core.Message
	done chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[int]chan core.Message
	next   int
	closed bool

	closeOnce sync.Once
}

// Dial connects and binds the dial code on the relay. The first
// connection attempt is synchronous so a bad address fails fast;
// everything after that is handled by the background loop.
func Dial(ctx context.Context, url string, self domain.PeerID, displayName string) (*Socket, error) {
	s := &Socket{
		url: url,
		join: core.Message{
			Type:     core.KindJoin,
			From:     self,
			FromName: displayName,
		},
		out:  make(chan core.Message, outboundCapacity),
		done: make(chan struct{}),
		subs: make(map[int]chan core.Message),
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(s.join); err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.conn = conn

	go s.run()
	return s, nil
}

// Send enqueues the envelope. It never blocks: when the outbound
// queue is full the message is dropped, a condition only reached when
// the relay has been unreachable for a while.
func (s *Socket) Send(msg core.Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case s.out <- msg:
		return nil
	default:
		log.Warn().Str("module", "socket").Str("type", string(msg.Type)).Msg("outbound queue full, dropping")
		return errors.New("outbound queue full")
	}
}

// Subscribe registers a consumer of inbound envelopes. The returned
// channel is closed only when the socket itself closes.
func (s *Socket) Subscribe() (<-chan core.Message, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	ch := make(chan core.Message, outboundCapacity)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

// Close tears the socket down for good. Subscriber channels close,
// which the call session reads as a lost signaling channel.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.conn != nil {
			_ = s.conn.Close()
		}
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Socket) run() {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		s.serve(conn)
		if s.isClosed() {
			return
		}

		// Anything that was mid-flight is gone with the connection.
		log.Warn().Str("module", "socket").Msg("signaling connection lost")
		s.fanOut(core.Message{Type: core.KindCallEnded})

		if !s.redial() {
			return
		}
	}
}

// serve pumps one live connection in both directions and returns when
// it dies.
func (s *Socket) serve(conn *websocket.Conn) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		keepalive := time.NewTicker(pingPeriod)
		defer keepalive.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-keepalive.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case msg := <-s.out:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(msg); err != nil {
					log.Warn().Err(err).Str("module", "socket").Msg("write failed")
					return
				}
			}
		}
	}()

	for {
		var msg core.Message
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		s.fanOut(msg)
	}

	_ = conn.Close()
	<-writerDone
}

// redial retries with capped backoff until it connects or the socket
// closes. The join is re-announced on every fresh connection because
// the relay forgot the binding along with the old one.
func (s *Socket) redial() bool {
	backoff := initialBackoff
	for {
		select {
		case <-s.done:
			return false
		case <-time.After(backoff):
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			log.Warn().Err(err).Str("module", "socket").Dur("backoff", backoff).Msg("redial failed")
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		if err := conn.WriteJSON(s.join); err != nil {
			_ = conn.Close()
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return false
		}
		s.conn = conn
		s.mu.Unlock()
		log.Info().Str("module", "socket").Msg("signaling connection restored")
		return true
	}
}

func (s *Socket) fanOut(msg core.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- msg:
		default:
			log.Warn().Str("module", "socket").Str("type", string(msg.Type)).Msg("subscriber lagging, dropping")
		}
	}
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
