package peer

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peerlink/peerlink/internal/relay"
)

// fakeEngine scripts the Engine surface for negotiation tests. With
// autoConnect set it reports connected as soon as it holds a remote
// description and at least one remote candidate, mirroring how a real
// session comes up once both sides have exchanged enough.
type fakeEngine struct {
	mu          sync.Mutex
	local       []relay.SessionDescription
	remote      []relay.SessionDescription
	added       []relay.Candidate
	onCandidate func(relay.Candidate)
	onState     func(bool)
	closeCalls  int
	seq         int
	up          bool

	autoConnect bool
	offerHook   func() // runs inside CreateOffer, outside the fake's lock
	offerErr    error
	answerErr   error
	remoteErr   error
	addErr      error
	closeErr    error
}

func (e *fakeEngine) CreateOffer() (relay.SessionDescription, error) {
	e.mu.Lock()
	if e.offerErr != nil {
		e.mu.Unlock()
		return relay.SessionDescription{}, e.offerErr
	}
	e.seq++
	desc := relay.SessionDescription{Type: relay.DescriptionOffer, SDP: fmt.Sprintf("v=0 fake-offer-%d", e.seq)}
	e.local = append(e.local, desc)
	hook := e.offerHook
	e.mu.Unlock()
	if hook != nil {
		hook()
	}
	return desc, nil
}

func (e *fakeEngine) CreateAnswer() (relay.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.answerErr != nil {
		return relay.SessionDescription{}, e.answerErr
	}
	e.seq++
	desc := relay.SessionDescription{Type: relay.DescriptionAnswer, SDP: fmt.Sprintf("v=0 fake-answer-%d", e.seq)}
	e.local = append(e.local, desc)
	return desc, nil
}

func (e *fakeEngine) SetRemoteDescription(desc relay.SessionDescription) error {
	e.mu.Lock()
	if e.remoteErr != nil {
		e.mu.Unlock()
		return e.remoteErr
	}
	e.remote = append(e.remote, desc)
	e.mu.Unlock()
	e.maybeConnect()
	return nil
}

func (e *fakeEngine) AddCandidate(candidate relay.Candidate) error {
	e.mu.Lock()
	if e.addErr != nil {
		e.mu.Unlock()
		return e.addErr
	}
	e.added = append(e.added, candidate)
	e.mu.Unlock()
	e.maybeConnect()
	return nil
}

func (e *fakeEngine) OnCandidate(fn func(relay.Candidate)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *fakeEngine) OnStateChange(fn func(connected bool)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeCalls++
	return e.closeErr
}

// maybeConnect invokes the state callback outside the fake's lock; the real
// engine delivers it from its own goroutines, never under a caller's call
// frame holding locks.
func (e *fakeEngine) maybeConnect() {
	e.mu.Lock()
	fire := e.autoConnect && !e.up && len(e.remote) > 0 && len(e.added) > 0
	if fire {
		e.up = true
	}
	fn := e.onState
	e.mu.Unlock()
	if fire && fn != nil {
		fn(true)
	}
}

// emitCandidate simulates the engine discovering a local candidate.
func (e *fakeEngine) emitCandidate(value string) {
	e.mu.Lock()
	fn := e.onCandidate
	e.mu.Unlock()
	if fn != nil {
		fn(relay.Candidate{Candidate: value})
	}
}

// reportState simulates an engine connection-state transition.
func (e *fakeEngine) reportState(connected bool) {
	e.mu.Lock()
	fn := e.onState
	e.up = connected
	e.mu.Unlock()
	if fn != nil {
		fn(connected)
	}
}

func (e *fakeEngine) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeCalls
}

func (e *fakeEngine) remoteDescriptions() []relay.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]relay.SessionDescription(nil), e.remote...)
}

func (e *fakeEngine) addedCandidates() []relay.Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]relay.Candidate(nil), e.added...)
}

func newTestConnection(engine Engine) *Connection {
	return newConnection(engine, uuid.New(), zerolog.Nop())
}

func testCandidates(values ...string) []relay.Candidate {
	out := make([]relay.Candidate, len(values))
	for i, v := range values {
		out[i] = relay.Candidate{Candidate: v}
	}
	return out
}

func TestOffererLifecycle(t *testing.T) {
	engine := &fakeEngine{}
	conn := newTestConnection(engine)

	if got := conn.State(); got != StateCreated {
		t.Fatalf("initial state = %q, want %q", got, StateCreated)
	}

	offer, err := conn.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.Type != relay.DescriptionOffer {
		t.Fatalf("offer type = %q, want %q", offer.Type, relay.DescriptionOffer)
	}
	if got := conn.State(); got != StateOfferSent {
		t.Fatalf("state after CreateOffer = %q, want %q", got, StateOfferSent)
	}

	answer := relay.SessionDescription{Type: relay.DescriptionAnswer, SDP: "v=0 remote"}
	if err := conn.ApplyRemoteAnswer(answer); err != nil {
		t.Fatalf("ApplyRemoteAnswer: %v", err)
	}
	if got := conn.State(); got != StateNegotiating {
		t.Fatalf("state after ApplyRemoteAnswer = %q, want %q", got, StateNegotiating)
	}
	if remote := engine.remoteDescriptions(); len(remote) != 1 || remote[0] != answer {
		t.Fatalf("engine remote descriptions = %v, want [%v]", remote, answer)
	}

	if err := conn.AddRemoteCandidates(testCandidates("a", "b")); err != nil {
		t.Fatalf("AddRemoteCandidates: %v", err)
	}
	if added := engine.addedCandidates(); len(added) != 2 {
		t.Fatalf("engine received %d candidates, want 2", len(added))
	}

	engine.reportState(true)
	if !conn.IsConnected() {
		t.Fatal("IsConnected = false after connected report")
	}
	if got := conn.State(); got != StateConnected {
		t.Fatalf("state after connected report = %q, want %q", got, StateConnected)
	}

	engine.reportState(false)
	if conn.IsConnected() {
		t.Fatal("IsConnected = true after disconnected report")
	}
	if got := conn.State(); got != StateDisconnected {
		t.Fatalf("state after disconnected report = %q, want %q", got, StateDisconnected)
	}
}

func TestAnswererLifecycle(t *testing.T) {
	engine := &fakeEngine{}
	conn := newTestConnection(engine)

	offer := relay.SessionDescription{Type: relay.DescriptionOffer, SDP: "v=0 remote"}
	answer, err := conn.CreateAnswer(offer)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if answer.Type != relay.DescriptionAnswer {
		t.Fatalf("answer type = %q, want %q", answer.Type, relay.DescriptionAnswer)
	}
	if got := conn.State(); got != StateAnswerSent {
		t.Fatalf("state after CreateAnswer = %q, want %q", got, StateAnswerSent)
	}
	if remote := engine.remoteDescriptions(); len(remote) != 1 || remote[0] != offer {
		t.Fatalf("engine remote descriptions = %v, want [%v]", remote, offer)
	}

	// The remote description is in place, so candidates apply immediately.
	if err := conn.AddRemoteCandidates(testCandidates("x")); err != nil {
		t.Fatalf("AddRemoteCandidates: %v", err)
	}
}

func TestNegotiationStepsOutOfOrder(t *testing.T) {
	t.Run("second offer", func(t *testing.T) {
		conn := newTestConnection(&fakeEngine{})
		if _, err := conn.CreateOffer(); err != nil {
			t.Fatalf("CreateOffer: %v", err)
		}
		if _, err := conn.CreateOffer(); !errors.Is(err, ErrNotReady) {
			t.Fatalf("second CreateOffer err = %v, want ErrNotReady", err)
		}
	})

	t.Run("answer after offer", func(t *testing.T) {
		conn := newTestConnection(&fakeEngine{})
		if _, err := conn.CreateOffer(); err != nil {
			t.Fatalf("CreateOffer: %v", err)
		}
		offer := relay.SessionDescription{Type: relay.DescriptionOffer, SDP: "v=0"}
		if _, err := conn.CreateAnswer(offer); !errors.Is(err, ErrNotReady) {
			t.Fatalf("CreateAnswer err = %v, want ErrNotReady", err)
		}
	})

	t.Run("remote answer without offer", func(t *testing.T) {
		conn := newTestConnection(&fakeEngine{})
		answer := relay.SessionDescription{Type: relay.DescriptionAnswer, SDP: "v=0"}
		if err := conn.ApplyRemoteAnswer(answer); !errors.Is(err, ErrNotReady) {
			t.Fatalf("ApplyRemoteAnswer err = %v, want ErrNotReady", err)
		}
	})
}

func TestRejectsMismatchedDescriptionTypes(t *testing.T) {
	conn := newTestConnection(&fakeEngine{})
	answer := relay.SessionDescription{Type: relay.DescriptionAnswer, SDP: "v=0"}
	if _, err := conn.CreateAnswer(answer); !errors.Is(err, ErrInvalidRemoteDescription) {
		t.Fatalf("CreateAnswer with answer err = %v, want ErrInvalidRemoteDescription", err)
	}

	conn = newTestConnection(&fakeEngine{})
	if _, err := conn.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	offer := relay.SessionDescription{Type: relay.DescriptionOffer, SDP: "v=0"}
	if err := conn.ApplyRemoteAnswer(offer); !errors.Is(err, ErrInvalidRemoteDescription) {
		t.Fatalf("ApplyRemoteAnswer with offer err = %v, want ErrInvalidRemoteDescription", err)
	}
}

func TestRemoteCandidatesRequireRemoteDescription(t *testing.T) {
	engine := &fakeEngine{}
	conn := newTestConnection(engine)

	if err := conn.AddRemoteCandidates(testCandidates("early")); !errors.Is(err, ErrNotReady) {
		t.Fatalf("AddRemoteCandidates before remote description err = %v, want ErrNotReady", err)
	}
	if len(engine.addedCandidates()) != 0 {
		t.Fatal("candidate reached the engine despite ErrNotReady")
	}

	if _, err := conn.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := conn.AddRemoteCandidates(testCandidates("early")); !errors.Is(err, ErrNotReady) {
		t.Fatalf("AddRemoteCandidates after offer only err = %v, want ErrNotReady", err)
	}

	answer := relay.SessionDescription{Type: relay.DescriptionAnswer, SDP: "v=0"}
	if err := conn.ApplyRemoteAnswer(answer); err != nil {
		t.Fatalf("ApplyRemoteAnswer: %v", err)
	}
	if err := conn.AddRemoteCandidates(testCandidates("late")); err != nil {
		t.Fatalf("AddRemoteCandidates after remote description: %v", err)
	}
}

func TestPendingCandidatesAccumulate(t *testing.T) {
	engine := &fakeEngine{}
	conn := newTestConnection(engine)

	if got := conn.PendingCandidates(); len(got) != 0 {
		t.Fatalf("fresh connection has %d pending candidates", len(got))
	}

	engine.emitCandidate("one")
	engine.emitCandidate("two")
	first := conn.PendingCandidates()
	if len(first) != 2 {
		t.Fatalf("pending = %d, want 2", len(first))
	}

	engine.emitCandidate("three")
	second := conn.PendingCandidates()
	if len(second) != 3 {
		t.Fatalf("pending = %d, want 3", len(second))
	}
	if second[0].Candidate != "one" || second[2].Candidate != "three" {
		t.Fatalf("pending candidates out of order: %v", second)
	}

	// Snapshots are copies; mutating one must not poison the buffer.
	first[0].Candidate = "mutated"
	if got := conn.PendingCandidates(); got[0].Candidate != "one" {
		t.Fatalf("snapshot mutation leaked into the buffer: %q", got[0].Candidate)
	}
}

func TestCloseSwallowsEngineFailure(t *testing.T) {
	engine := &fakeEngine{closeErr: errors.New("ice agent torn down")}
	conn := newTestConnection(engine)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close returned %v, want nil", err)
	}
	if got := engine.closeCount(); got != 1 {
		t.Fatalf("engine closed %d times, want 1", got)
	}
	if got := conn.State(); got != StateClosed {
		t.Fatalf("state after Close = %q, want %q", got, StateClosed)
	}

	// Late engine reports must not resurrect a closed connection.
	engine.reportState(true)
	if got := conn.State(); got != StateClosed {
		t.Fatalf("state after late report = %q, want %q", got, StateClosed)
	}
}

func TestCloseDuringCreateOfferWinsRace(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	engine := &fakeEngine{offerHook: func() {
		close(entered)
		<-release
	}}
	conn := newTestConnection(engine)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.CreateOffer()
		errCh <- err
	}()

	// Close lands while the engine call is in flight; the transition must
	// not overwrite the closed state afterwards.
	<-entered
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(release)

	if err := <-errCh; !errors.Is(err, ErrNotReady) {
		t.Fatalf("CreateOffer err = %v, want ErrNotReady", err)
	}
	if got := conn.State(); got != StateClosed {
		t.Fatalf("state = %q, want %q", got, StateClosed)
	}
}

func TestConcurrentCreateOfferSingleWinner(t *testing.T) {
	conn := newTestConnection(&fakeEngine{})

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := conn.CreateOffer()
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrNotReady):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("%d CreateOffer calls succeeded, want exactly 1", wins)
	}
	if got := conn.State(); got != StateOfferSent {
		t.Fatalf("state = %q, want %q", got, StateOfferSent)
	}
}

func TestEngineFailureLeavesStateUntouched(t *testing.T) {
	engine := &fakeEngine{offerErr: errors.New("no media engine")}
	conn := newTestConnection(engine)

	if _, err := conn.CreateOffer(); err == nil {
		t.Fatal("CreateOffer succeeded with failing engine")
	}
	if got := conn.State(); got != StateCreated {
		t.Fatalf("state after failed CreateOffer = %q, want %q", got, StateCreated)
	}
}
