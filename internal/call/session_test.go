package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Kystof91/zvonilka/internal/core"
	"github.com/Kystof91/zvonilka/internal/domain"
)

// hub wires sessions together in memory with the relay's semantics:
// kinds are rewritten the way the server does, unknown targets are
// silently dropped, per-sender order is preserved.
type hub struct {
	mu    sync.Mutex
	peers map[domain.PeerID]*memSignaler
}

func newHub() *hub {
	return &hub{peers: make(map[domain.PeerID]*memSignaler)}
}

func (h *hub) signaler(id domain.PeerID) *memSignaler {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &memSignaler{hub: h, self: id, subs: make(map[int]chan core.Message)}
	h.peers[id] = s
	return s
}

var relayRewrite = map[core.Kind]core.Kind{
	core.KindCallRequest: core.KindIncomingCall,
	core.KindCallAccept:  core.KindCallAccepted,
	core.KindCallReject:  core.KindCallRejected,
	core.KindCallEnd:     core.KindCallEnded,
	core.KindOffer:       core.KindOffer,
	core.KindAnswer:      core.KindAnswer,
	core.KindCandidate:   core.KindCandidate,
}

type memSignaler struct {
	hub  *hub
	self domain.PeerID

	mu   sync.Mutex
	subs map[int]chan core.Message
	next int
}

func (m *memSignaler) Send(msg core.Message) error {
	out, ok := relayRewrite[msg.Type]
	if !ok {
		return nil
	}
	m.hub.mu.Lock()
	target, registered := m.hub.peers[msg.To]
	m.hub.mu.Unlock()
	if !registered {
		// best-effort relay: unknown target is a silent drop
		return nil
	}
	msg.Type = out
	msg.From = m.self
	target.deliver(msg)
	return nil
}

func (m *memSignaler) deliver(msg core.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		ch <- msg
	}
}

func (m *memSignaler) Subscribe() (<-chan core.Message, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	ch := make(chan core.Message, 64)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// closeSubs simulates the transport shutting down for good.
func (m *memSignaler) closeSubs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
}

type fakeStream struct {
	mu      sync.Mutex
	tracks  int
	muted   bool
	stopped int
}

func (f *fakeStream) SetMuted(m bool) {
	f.mu.Lock()
	f.muted = m
	f.mu.Unlock()
}

func (f *fakeStream) Muted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

func (f *fakeStream) TrackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracks
}

func (f *fakeStream) Stop() {
	f.mu.Lock()
	f.stopped++
	f.tracks = 0
	f.mu.Unlock()
}

func (f *fakeStream) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeMic struct {
	mu     sync.Mutex
	gate   chan struct{} // when non-nil, AcquireAudio blocks until closed
	err    error
	stream *fakeStream
}

func (f *fakeMic) AcquireAudio(ctx context.Context) (LocalStream, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeStream{tracks: 1}
	f.mu.Lock()
	f.stream = s
	f.mu.Unlock()
	return s, nil
}

func (f *fakeMic) lastStream() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stream
}

type fakeLink struct {
	mu        sync.Mutex
	closed    int
	tracks    int
	remoteSet bool
	applied   []core.Candidate
	pending   []core.Candidate
	onCand    func(core.Candidate)
	onRemote  func(RemoteStream)
	onConn    func()
}

func (l *fakeLink) AddTrack(LocalStream) error {
	l.mu.Lock()
	l.tracks++
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) CreateOffer(context.Context) (string, error) { return "sdp-offer", nil }

func (l *fakeLink) ApplyOfferCreateAnswer(_ context.Context, sdp string) (string, error) {
	l.mu.Lock()
	l.remoteSet = true
	l.applied = append(l.applied, l.pending...)
	l.pending = nil
	l.mu.Unlock()
	return "sdp-answer", nil
}

func (l *fakeLink) SetAnswer(string) error {
	l.mu.Lock()
	l.remoteSet = true
	l.applied = append(l.applied, l.pending...)
	l.pending = nil
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) AddCandidate(c core.Candidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		return nil
	}
	l.applied = append(l.applied, c)
	return nil
}

func (l *fakeLink) OnCandidate(fn func(core.Candidate)) { l.mu.Lock(); l.onCand = fn; l.mu.Unlock() }
func (l *fakeLink) OnRemoteStream(fn func(RemoteStream)) {
	l.mu.Lock()
	l.onRemote = fn
	l.mu.Unlock()
}
func (l *fakeLink) OnConnected(fn func()) { l.mu.Lock(); l.onConn = fn; l.mu.Unlock() }

func (l *fakeLink) Close() {
	l.mu.Lock()
	l.closed++
	l.mu.Unlock()
}

func (l *fakeLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) appliedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.applied)
}

func (l *fakeLink) hasRemote() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteSet
}

func (l *fakeLink) fireCandidate(c core.Candidate) {
	l.mu.Lock()
	fn := l.onCand
	l.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (l *fakeLink) fireConnected() {
	l.mu.Lock()
	fn := l.onConn
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakeRemote struct{ id string }

func (r *fakeRemote) ID() string { return r.id }

func (l *fakeLink) fireRemoteStream(rs RemoteStream) {
	l.mu.Lock()
	fn := l.onRemote
	l.mu.Unlock()
	if fn != nil {
		fn(rs)
	}
}

type recordNotifier struct {
	incomings chan Incoming
	failures  chan error
	remotes   chan RemoteStream
}

func newRecordNotifier() *recordNotifier {
	return &recordNotifier{
		incomings: make(chan Incoming, 16),
		failures:  make(chan error, 16),
		remotes:   make(chan RemoteStream, 16),
	}
}

func (n *recordNotifier) StateChanged(State) {}
func (n *recordNotifier) IncomingCall(from domain.PeerID, name string) {
	n.incomings <- Incoming{From: from, Name: name}
}
func (n *recordNotifier) RemoteStream(rs RemoteStream) { n.remotes <- rs }
func (n *recordNotifier) Failure(err error)            { n.failures <- err }

type endpoint struct {
	sess   *Session
	sig    *memSignaler
	mic    *fakeMic
	link   *fakeLink
	notify *recordNotifier
}

func newEndpoint(t *testing.T, h *hub, id domain.PeerID, name string, ringTimeout time.Duration) *endpoint {
	t.Helper()
	ep := &endpoint{
		sig:    h.signaler(id),
		mic:    &fakeMic{},
		link:   &fakeLink{},
		notify: newRecordNotifier(),
	}
	factory := func() (PeerLink, error) { return ep.link, nil }
	ep.sess = NewSession(Config{Self: id, DisplayName: name, RingTimeout: ringTimeout}, ep.sig, factory, ep.mic, ep.notify)
	t.Cleanup(ep.sess.Close)
	return ep
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCallConnectAndEndScenario(t *testing.T) {
	h := newHub()
	caller := newEndpoint(t, h, "1000", "alice", 0)
	callee := newEndpoint(t, h, "9999", "bob", 0)

	if err := caller.sess.Start(context.Background(), "9999"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := caller.sess.State(); got != StateCalling {
		t.Fatalf("caller state = %s, want calling", got)
	}

	var inc Incoming
	select {
	case inc = <-callee.notify.incomings:
	case <-time.After(2 * time.Second):
		t.Fatal("callee never saw the incoming call")
	}
	if inc.From != "1000" || inc.Name != "alice" {
		t.Fatalf("incoming = %+v, want from 1000/alice", inc)
	}
	eventually(t, "callee ringing", func() bool { return callee.sess.State() == StateRinging })

	if err := callee.sess.Answer(context.Background()); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	// Accept propagates back and the caller's early offer, buffered
	// while ringing, is answered.
	eventually(t, "caller connected", func() bool { return caller.sess.State() == StateConnected })
	eventually(t, "callee applied the buffered offer", callee.link.hasRemote)
	eventually(t, "caller got the answer", caller.link.hasRemote)

	// Candidates trickle both ways once links exist.
	caller.link.fireCandidate(core.Candidate{Candidate: "cand-a"})
	eventually(t, "candidate reached callee link", func() bool { return callee.link.appliedCount() >= 1 })

	callee.link.fireConnected()
	eventually(t, "callee connected", func() bool { return callee.sess.State() == StateConnected })

	callee.link.fireRemoteStream(&fakeRemote{id: "rs-1"})
	select {
	case <-callee.notify.remotes:
	case <-time.After(2 * time.Second):
		t.Fatal("remote stream never surfaced")
	}

	caller.sess.End()
	if got := caller.sess.State(); got != StateEnded {
		t.Fatalf("caller state after End = %s, want ended", got)
	}
	eventually(t, "callee ended", func() bool { return callee.sess.State() == StateEnded })

	for _, ep := range []*endpoint{caller, callee} {
		stream := ep.mic.lastStream()
		if stream == nil {
			t.Fatal("no stream was ever acquired")
		}
		eventually(t, "stream released", func() bool { return stream.stopCount() == 1 && stream.TrackCount() == 0 })
		eventually(t, "link closed", func() bool { return ep.link.closeCount() == 1 })
	}
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHub()
	caller := newEndpoint(t, h, "1000", "alice", 0)

	// Target not registered: dial proceeds, messages are dropped by the relay.
	if err := caller.sess.Start(context.Background(), "9999"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	caller.sess.End()
	caller.sess.End()

	if got := caller.sess.State(); got != StateEnded {
		t.Fatalf("state = %s, want ended", got)
	}
	if n := caller.link.closeCount(); n != 1 {
		t.Errorf("link closed %d times, want 1", n)
	}
	if n := caller.mic.lastStream().stopCount(); n != 1 {
		t.Errorf("stream stopped %d times, want 1", n)
	}
}

func TestToggleMuteIsLocalAndReversible(t *testing.T) {
	h := newHub()
	caller := newEndpoint(t, h, "1000", "alice", 0)
	if err := caller.sess.Start(context.Background(), "9999"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream := caller.mic.lastStream()

	if muted := caller.sess.ToggleMute(); !muted || !stream.Muted() {
		t.Error("first toggle did not mute the local tracks")
	}
	if got := caller.sess.State(); got != StateCalling {
		t.Errorf("mute changed state to %s", got)
	}
	if muted := caller.sess.ToggleMute(); muted || stream.Muted() {
		t.Error("second toggle did not restore the enabled state")
	}
}

func TestRejectWhileCalling(t *testing.T) {
	h := newHub()
	caller := newEndpoint(t, h, "1000", "alice", 0)
	callee := newEndpoint(t, h, "9999", "bob", 0)

	if err := caller.sess.Start(context.Background(), "9999"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "callee ringing", func() bool { return callee.sess.State() == StateRinging })

	if err := callee.sess.Reject(); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got := callee.sess.State(); got != StateIdle {
		t.Fatalf("callee state = %s, want idle", got)
	}

	eventually(t, "caller ended", func() bool { return caller.sess.State() == StateEnded })
	eventually(t, "caller resources released", func() bool {
		return caller.link.closeCount() == 1 && caller.mic.lastStream().stopCount() == 1
	})
}

func TestRingTimeoutEndsUnansweredCall(t *testing.T) {
	h := newHub()
	caller := newEndpoint(t, h, "1000", "alice", 30*time.Millisecond)

	if err := caller.sess.Start(context.Background(), "9999"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	eventually(t, "ring timeout", func() bool { return caller.sess.State() == StateEnded })
	select {
	case err := <-caller.notify.failures:
		if !errors.Is(err, ErrRingTimeout) {
			t.Fatalf("failure = %v, want ErrRingTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no failure surfaced on ring timeout")
	}
}

func TestBusyPeerAutoRejects(t *testing.T) {
	h := newHub()
	busy := newEndpoint(t, h, "1000", "alice", 0)
	_ = newEndpoint(t, h, "9999", "bob", 0)
	third := newEndpoint(t, h, "4242", "carol", 0)

	if err := busy.sess.Start(context.Background(), "9999"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := third.sess.Start(context.Background(), "1000"); err != nil {
		t.Fatalf("third Start: %v", err)
	}

	eventually(t, "third party got rejected", func() bool { return third.sess.State() == StateEnded })
	if got := busy.sess.State(); got != StateCalling {
		t.Fatalf("busy peer state = %s, want calling untouched", got)
	}
}

func TestCandidatesBufferedUntilAnswer(t *testing.T) {
	h := newHub()
	caller := newEndpoint(t, h, "1000", "alice", 0)
	callee := newEndpoint(t, h, "9999", "bob", 0)

	if err := caller.sess.Start(context.Background(), "9999"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "callee ringing", func() bool { return callee.sess.State() == StateRinging })

	// Candidates race ahead of the answer decision.
	caller.link.fireCandidate(core.Candidate{Candidate: "early-1"})
	caller.link.fireCandidate(core.Candidate{Candidate: "early-2"})

	if err := callee.sess.Answer(context.Background()); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	eventually(t, "buffered candidates applied after the offer", func() bool {
		return callee.link.hasRemote() && callee.link.appliedCount() >= 2
	})
	eventually(t, "call still reaches connected", func() bool { return caller.sess.State() == StateConnected })
}

func TestStaleMediaAcquisitionIsDiscarded(t *testing.T) {
	h := newHub()
	caller := newEndpoint(t, h, "1000", "alice", 0)
	gate := make(chan struct{})
	caller.mic.gate = gate

	errCh := make(chan error, 1)
	go func() { errCh <- caller.sess.Start(context.Background(), "9999") }()

	eventually(t, "dial in flight", func() bool { return caller.sess.State() == StateCalling })
	caller.sess.End()
	close(gate)

	if err := <-errCh; err != nil {
		t.Fatalf("Start after cancellation: %v", err)
	}
	if got := caller.sess.State(); got != StateEnded {
		t.Fatalf("state = %s, want ended", got)
	}
	eventually(t, "late stream released", func() bool {
		s := caller.mic.lastStream()
		return s != nil && s.stopCount() == 1
	})
	if n := caller.link.closeCount(); n > 1 {
		t.Errorf("link closed %d times", n)
	}
}

func TestMediaFailureReturnsToIdle(t *testing.T) {
	h := newHub()
	caller := newEndpoint(t, h, "1000", "alice", 0)
	caller.mic.err = errors.New("device denied")

	err := caller.sess.Start(context.Background(), "9999")
	if err == nil {
		t.Fatal("Start succeeded despite media failure")
	}
	if got := caller.sess.State(); got != StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
	select {
	case <-caller.notify.failures:
	case <-time.After(2 * time.Second):
		t.Fatal("media failure never surfaced")
	}
}

func TestChannelLossEndsActiveCall(t *testing.T) {
	h := newHub()
	caller := newEndpoint(t, h, "1000", "alice", 0)

	if err := caller.sess.Start(context.Background(), "9999"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	caller.sig.closeSubs()

	eventually(t, "call ended on channel loss", func() bool { return caller.sess.State() == StateEnded })
	select {
	case err := <-caller.notify.failures:
		if !errors.Is(err, ErrChannelLost) {
			t.Fatalf("failure = %v, want ErrChannelLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no failure surfaced on channel loss")
	}
}

func TestIntentValidation(t *testing.T) {
	h := newHub()
	ep := newEndpoint(t, h, "1000", "alice", 0)

	if err := ep.sess.Start(context.Background(), "12a"); !errors.Is(err, domain.ErrInvalidPeerID) {
		t.Errorf("invalid target: got %v, want ErrInvalidPeerID", err)
	}
	if err := ep.sess.Start(context.Background(), "1000"); !errors.Is(err, ErrSelfCall) {
		t.Errorf("self call: got %v, want ErrSelfCall", err)
	}
	if err := ep.sess.Answer(context.Background()); !errors.Is(err, ErrNoIncoming) {
		t.Errorf("answer without incoming: got %v, want ErrNoIncoming", err)
	}
	if err := ep.sess.Reject(); !errors.Is(err, ErrNoIncoming) {
		t.Errorf("reject without incoming: got %v, want ErrNoIncoming", err)
	}

	if err := ep.sess.Start(context.Background(), "9999"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ep.sess.Start(context.Background(), "2000"); !errors.Is(err, ErrBusy) {
		t.Errorf("second start: got %v, want ErrBusy", err)
	}
}
