package convo

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/parlo-app/parlo-go/pkg/convo/transport"
)

type fakeConn struct {
	events chan transport.Event

	mu       sync.Mutex
	texts    []string
	contexts []string
	audio    [][]byte
	muted    []bool
	sendErr  error

	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan transport.Event, 16)}
}

func (c *fakeConn) push(ev transport.Event) { c.events <- ev }

func (c *fakeConn) Events() <-chan transport.Event { return c.events }

func (c *fakeConn) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.texts = append(c.texts, text)
	return nil
}

func (c *fakeConn) SendContext(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.contexts = append(c.contexts, text)
	return nil
}

func (c *fakeConn) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.audio = append(c.audio, pcm)
	return nil
}

func (c *fakeConn) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = append(c.muted, muted)
	c.mu.Unlock()
}

func (c *fakeConn) SetVolume(float64) error { return nil }
func (c *fakeConn) InputLevel() float64     { return 0.5 }
func (c *fakeConn) OutputLevel() float64    { return 0.25 }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *fakeConn) sentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.texts))
	copy(out, c.texts)
	return out
}

func (c *fakeConn) lastMute() (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.muted) == 0 {
		return false, false
	}
	return c.muted[len(c.muted)-1], true
}

type dialOutcome struct {
	err     error
	session string // when non-empty, a ConnectedEvent is queued on the new conn
}

type fakeDialer struct {
	mu       sync.Mutex
	outcomes []dialOutcome
	conns    []*fakeConn
	dials    int
}

func (d *fakeDialer) Dial(ctx context.Context, cfg transport.OpenConfig) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	outcome := dialOutcome{session: "sess-1"}
	if len(d.outcomes) > 0 {
		outcome = d.outcomes[0]
		if len(d.outcomes) > 1 {
			d.outcomes = d.outcomes[1:]
		}
	}
	if outcome.err != nil {
		return nil, outcome.err
	}
	conn := newFakeConn()
	if outcome.session != "" {
		conn.push(transport.ConnectedEvent{SessionID: outcome.session})
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i += len(d.conns)
	}
	return d.conns[i]
}

// fakeScheduler captures deferred work instead of arming real timers so
// tests control when reconnects and response deadlines fire.
type fakeScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (s *fakeScheduler) afterFunc(d time.Duration, fn func()) *time.Timer {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.fns = append(s.fns, fn)
	s.mu.Unlock()
	// Inert real timer so Stop has something to act on.
	t := time.AfterFunc(time.Hour, func() {})
	return t
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

func (s *fakeScheduler) fire(i int) {
	s.mu.Lock()
	fn := s.fns[i]
	s.mu.Unlock()
	fn()
}

func (s *fakeScheduler) recordedDelays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

type staticFetcher struct {
	url string
	err error
}

func (f *staticFetcher) Fetch(context.Context) (string, error) { return f.url, f.err }
func (f *staticFetcher) Configured() bool                      { return f.url != "" || f.err != nil }

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeDialer, *fakeScheduler) {
	t.Helper()
	dialer := &fakeDialer{}
	if opts.Dialer == nil {
		opts.Dialer = dialer
	}
	if opts.Fetcher == nil && opts.APIKey == "" {
		opts.APIKey = "test-key"
		opts.AgentID = "test-agent"
	}
	mgr, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	sched := &fakeScheduler{}
	mgr.afterFunc = sched.afterFunc
	t.Cleanup(mgr.EndConversation)
	return mgr, dialer, sched
}

func connect(t *testing.T, mgr *Manager, dialer *fakeDialer) *fakeConn {
	t.Helper()
	if !mgr.StartConversation() {
		t.Fatalf("StartConversation returned false")
	}
	waitFor(t, time.Second, "connected state", func() bool { return mgr.State() == StateConnected })
	return dialer.conn(-1)
}

func TestStartConversationConnects(t *testing.T) {
	mgr, dialer, _ := newTestManager(t, Options{})

	connect(t, mgr, dialer)

	if got := mgr.SessionID(); got != "sess-1" {
		t.Fatalf("session id = %q, want sess-1", got)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dial count = %d, want 1", got)
	}
}

func TestStartConversationIsIdempotentWhileActive(t *testing.T) {
	mgr, dialer, _ := newTestManager(t, Options{})
	connect(t, mgr, dialer)

	for i := 0; i < 3; i++ {
		if !mgr.StartConversation() {
			t.Fatalf("StartConversation #%d returned false", i)
		}
	}
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dial count = %d, want 1 after duplicate starts", got)
	}
}

func TestStartConversationWithoutCredentials(t *testing.T) {
	var notified []string
	dialer := &fakeDialer{}
	mgr, err := NewManager(Options{
		Dialer: dialer,
		Notify: func(msg string) { notified = append(notified, msg) },
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if mgr.StartConversation() {
		t.Fatalf("StartConversation succeeded without credentials")
	}
	if got := mgr.State(); got != StateError {
		t.Fatalf("state = %q, want %q", got, StateError)
	}
	if mgr.LastError() == "" {
		t.Fatalf("lastError is empty")
	}
	if len(notified) != 1 {
		t.Fatalf("notify count = %d, want 1", len(notified))
	}
	if dialer.dialCount() != 0 {
		t.Fatalf("dialed despite missing credentials")
	}
}

func TestSendMessageCorrelatesReply(t *testing.T) {
	mgr, dialer, _ := newTestManager(t, Options{})
	conn := connect(t, mgr, dialer)

	var mu sync.Mutex
	var replies []string
	ok := mgr.SendMessage("hola", func(reply string) {
		mu.Lock()
		replies = append(replies, reply)
		mu.Unlock()
	})
	if !ok {
		t.Fatalf("SendMessage returned false")
	}
	if !mgr.IsThinking() {
		t.Fatalf("thinking not set after send")
	}
	if got := conn.sentTexts(); len(got) != 1 || got[0] != "hola" {
		t.Fatalf("sent texts = %v, want [hola]", got)
	}

	conn.push(transport.MessageEvent{Text: "¡Hola! ¿Cómo estás?", Source: transport.SourceAgent})
	waitFor(t, time.Second, "reply callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replies) == 1
	})
	if replies[0] != "¡Hola! ¿Cómo estás?" {
		t.Fatalf("reply = %q", replies[0])
	}
	if mgr.IsThinking() {
		t.Fatalf("thinking still set after reply")
	}

	msgs := mgr.Messages()
	if len(msgs) != 2 {
		t.Fatalf("transcript length = %d, want 2", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant {
		t.Fatalf("transcript roles = %q,%q", msgs[0].Role, msgs[1].Role)
	}
	if msgs[0].ID >= msgs[1].ID {
		t.Fatalf("message ids not ordered: %q >= %q", msgs[0].ID, msgs[1].ID)
	}

	// The slot was cleared on first delivery; a second reply only appends.
	conn.push(transport.MessageEvent{Text: "sigo aquí", Source: transport.SourceAgent})
	waitFor(t, time.Second, "third transcript entry", func() bool { return len(mgr.Messages()) == 3 })
	mu.Lock()
	defer mu.Unlock()
	if len(replies) != 1 {
		t.Fatalf("callback fired %d times, want exactly once", len(replies))
	}
}

func TestSendMessageLastRequesterWins(t *testing.T) {
	mgr, dialer, _ := newTestManager(t, Options{})
	conn := connect(t, mgr, dialer)

	var mu sync.Mutex
	var first, second []string
	mgr.SendMessage("uno", func(r string) { mu.Lock(); first = append(first, r); mu.Unlock() })
	mgr.SendMessage("dos", func(r string) { mu.Lock(); second = append(second, r); mu.Unlock() })

	conn.push(transport.MessageEvent{Text: "respuesta", Source: transport.SourceAgent})
	waitFor(t, time.Second, "second callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(second) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if len(first) != 0 {
		t.Fatalf("replaced callback fired: %v", first)
	}
}

func TestSendMessageResponseDeadlineIsSilent(t *testing.T) {
	mgr, dialer, sched := newTestManager(t, Options{})
	conn := connect(t, mgr, dialer)

	var mu sync.Mutex
	var replies []string
	mgr.SendMessage("hola", func(r string) { mu.Lock(); replies = append(replies, r); mu.Unlock() })

	if sched.count() != 1 {
		t.Fatalf("scheduled timers = %d, want 1 response deadline", sched.count())
	}
	delays := sched.recordedDelays()
	if delays[0] != DefaultResponseTimeout {
		t.Fatalf("response deadline = %v, want %v", delays[0], DefaultResponseTimeout)
	}
	sched.fire(0)

	conn.push(transport.MessageEvent{Text: "tarde", Source: transport.SourceAgent})
	waitFor(t, time.Second, "late reply appended", func() bool { return len(mgr.Messages()) == 2 })
	mu.Lock()
	defer mu.Unlock()
	if len(replies) != 0 {
		t.Fatalf("expired callback fired: %v", replies)
	}
	if mgr.State() != StateConnected {
		t.Fatalf("state = %q after silent expiry, want connected", mgr.State())
	}
}

func TestSendMessageTransmitFailure(t *testing.T) {
	var mu sync.Mutex
	var seen []Message
	mgr, dialer, _ := newTestManager(t, Options{
		OnMessage: func(msg Message) { mu.Lock(); seen = append(seen, msg); mu.Unlock() },
	})
	conn := connect(t, mgr, dialer)
	conn.mu.Lock()
	conn.sendErr = errors.New("write: broken pipe")
	conn.mu.Unlock()

	if mgr.SendMessage("hola", nil) {
		t.Fatalf("SendMessage succeeded despite transmit failure")
	}
	msgs := mgr.Messages()
	if len(msgs) != 1 {
		t.Fatalf("transcript length = %d, want the failed message kept", len(msgs))
	}
	if msgs[0].Status != StatusFailed {
		t.Fatalf("message status = %q, want %q", msgs[0].Status, StatusFailed)
	}
	if mgr.IsThinking() {
		t.Fatalf("thinking set after failed send")
	}

	// Listeners see the optimistic append and then the status update.
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("OnMessage fired %d times, want 2", len(seen))
	}
	if seen[0].Status != StatusCompleted || seen[1].Status != StatusFailed {
		t.Fatalf("observed statuses = %q,%q", seen[0].Status, seen[1].Status)
	}
	if seen[0].ID != seen[1].ID {
		t.Fatalf("status update carries a different message id")
	}
}

func TestSendMessageRequiresConnection(t *testing.T) {
	mgr, _, _ := newTestManager(t, Options{})
	if mgr.SendMessage("hola", nil) {
		t.Fatalf("SendMessage succeeded while disconnected")
	}
	if len(mgr.Messages()) != 0 {
		t.Fatalf("message appended while disconnected")
	}
}

func TestUserTranscriptAppendedVerbatim(t *testing.T) {
	mgr, dialer, _ := newTestManager(t, Options{})
	conn := connect(t, mgr, dialer)

	mgr.SendMessage("buenos días", nil)
	// Voice path echoes the user's turn back as a transcription. Both
	// entries stay: the transcript is append-only with no dedup.
	conn.push(transport.MessageEvent{Text: "buenos días", Source: transport.SourceUser})
	waitFor(t, time.Second, "echoed transcript", func() bool { return len(mgr.Messages()) == 2 })

	msgs := mgr.Messages()
	if msgs[1].Role != RoleUser || msgs[1].Text != "buenos días" {
		t.Fatalf("echoed entry = %+v", msgs[1])
	}
}

func TestLinearReconnectBackoff(t *testing.T) {
	dialErr := errors.New("connection reset")
	dialer := &fakeDialer{outcomes: []dialOutcome{{err: dialErr}}}
	mgr, _, sched := newTestManager(t, Options{
		Dialer:               dialer,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Second,
	})

	if !mgr.StartConversation() {
		t.Fatalf("StartConversation returned false")
	}
	waitFor(t, time.Second, "first reconnect scheduled", func() bool { return sched.count() >= 1 })

	for i := 0; i < 4; i++ {
		if mgr.State() != StateReconnecting {
			t.Fatalf("state = %q before retry %d, want reconnecting", mgr.State(), i+1)
		}
		fired := sched.count()
		sched.fire(fired - 1)
		waitFor(t, time.Second, "next reconnect scheduled", func() bool {
			return sched.count() > fired || mgr.State() == StateDisconnected
		})
	}
	sched.fire(sched.count() - 1)
	waitFor(t, time.Second, "retry budget exhausted", func() bool { return mgr.State() == StateDisconnected })

	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second}
	got := sched.recordedDelays()
	if len(got) != len(want) {
		t.Fatalf("scheduled %d retries (%v), want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("retry %d delay = %v, want %v", i+1, got[i], want[i])
		}
	}
	if mgr.LastError() == "" {
		t.Fatalf("lastError cleared after giving up")
	}
	if dialer.dialCount() != 6 {
		t.Fatalf("dial count = %d, want 6 (initial + 5 retries)", dialer.dialCount())
	}
}

func TestExplicitStartResetsRetryBudget(t *testing.T) {
	dialErr := errors.New("connection reset")
	dialer := &fakeDialer{outcomes: []dialOutcome{{err: dialErr}}}
	mgr, _, sched := newTestManager(t, Options{
		Dialer:               dialer,
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   time.Second,
	})

	mgr.StartConversation()
	waitFor(t, time.Second, "first retry", func() bool { return sched.count() >= 1 })
	sched.fire(0)
	waitFor(t, time.Second, "second retry", func() bool { return sched.count() >= 2 })
	sched.fire(1)
	waitFor(t, time.Second, "exhausted", func() bool { return mgr.State() == StateDisconnected })

	mgr.StartConversation()
	waitFor(t, time.Second, "fresh retry schedule", func() bool { return sched.count() >= 3 })
	if delays := sched.recordedDelays(); delays[2] != time.Second {
		t.Fatalf("delay after explicit restart = %v, want %v", delays[2], time.Second)
	}
}

func TestAuthenticationErrorIsNotRetried(t *testing.T) {
	dialer := &fakeDialer{outcomes: []dialOutcome{{err: errors.New("websocket dial failed (status 401): bad handshake")}}}
	var mu sync.Mutex
	var notified []string
	mgr, _, sched := newTestManager(t, Options{
		Dialer: dialer,
		Notify: func(msg string) { mu.Lock(); notified = append(notified, msg); mu.Unlock() },
	})

	mgr.StartConversation()
	waitFor(t, time.Second, "error state", func() bool { return mgr.State() == StateError })

	if sched.count() != 0 {
		t.Fatalf("reconnect scheduled for an authentication failure")
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("dial count = %d, want 1", dialer.dialCount())
	}
	waitFor(t, time.Second, "fatal error notice", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notified) == 1
	})
	mu.Lock()
	if !strings.Contains(notified[0], "Connection failed") {
		t.Fatalf("notice = %q", notified[0])
	}
	mu.Unlock()
	// Manual retry is still allowed.
	if !mgr.StartConversation() {
		t.Fatalf("manual retry rejected after auth error")
	}
}

func TestReconnectExhaustionNotifies(t *testing.T) {
	dialer := &fakeDialer{outcomes: []dialOutcome{{err: errors.New("connection reset")}}}
	var mu sync.Mutex
	var notified []string
	mgr, _, sched := newTestManager(t, Options{
		Dialer:               dialer,
		MaxReconnectAttempts: 1,
		ReconnectBaseDelay:   time.Second,
		Notify:               func(msg string) { mu.Lock(); notified = append(notified, msg); mu.Unlock() },
	})

	mgr.StartConversation()
	waitFor(t, time.Second, "retry scheduled", func() bool { return sched.count() >= 1 })
	sched.fire(0)
	waitFor(t, time.Second, "budget exhausted", func() bool { return mgr.State() == StateDisconnected })

	waitFor(t, time.Second, "exhaustion notice", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notified) >= 1
	})
	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(notified[len(notified)-1], "Connection lost") {
		t.Fatalf("notice = %q", notified[len(notified)-1])
	}
}

func TestTransportErrorWhileConnectedTriggersReconnect(t *testing.T) {
	mgr, dialer, sched := newTestManager(t, Options{})
	conn := connect(t, mgr, dialer)

	conn.push(transport.ErrorEvent{Message: "read: connection timed out"})
	waitFor(t, time.Second, "reconnecting state", func() bool { return mgr.State() == StateReconnecting })
	if sched.count() != 1 {
		t.Fatalf("scheduled retries = %d, want 1", sched.count())
	}

	sched.fire(0)
	waitFor(t, time.Second, "reconnected", func() bool { return mgr.State() == StateConnected })
	if dialer.dialCount() != 2 {
		t.Fatalf("dial count = %d, want 2", dialer.dialCount())
	}
}

func TestNormalDisconnectDoesNotReconnect(t *testing.T) {
	mgr, dialer, sched := newTestManager(t, Options{})
	conn := connect(t, mgr, dialer)

	conn.push(transport.DisconnectedEvent{Reason: "normal closure"})
	waitFor(t, time.Second, "disconnected", func() bool { return mgr.State() == StateDisconnected })
	if sched.count() != 0 {
		t.Fatalf("reconnect scheduled after a clean close")
	}
}

func TestEndConversationIsIdempotent(t *testing.T) {
	mgr, dialer, _ := newTestManager(t, Options{})
	conn := connect(t, mgr, dialer)
	mgr.SendMessage("hola", nil)

	mgr.EndConversation()
	mgr.EndConversation()

	if got := mgr.State(); got != StateDisconnected {
		t.Fatalf("state = %q, want disconnected", got)
	}
	if mgr.SessionID() != "" {
		t.Fatalf("session id survives teardown")
	}
	if len(mgr.Messages()) != 0 {
		t.Fatalf("transcript survives teardown")
	}

	// Events from the torn-down session generation are inert.
	mgr.handleEvent(0, transport.MessageEvent{Text: "fantasma", Source: transport.SourceAgent})
	if len(mgr.Messages()) != 0 {
		t.Fatalf("stale event mutated state after teardown")
	}
	_ = conn
}

func TestEndConversationCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{outcomes: []dialOutcome{{err: errors.New("connection reset")}}}
	mgr, _, sched := newTestManager(t, Options{Dialer: dialer})

	mgr.StartConversation()
	waitFor(t, time.Second, "retry scheduled", func() bool { return sched.count() == 1 })
	mgr.EndConversation()

	sched.fire(0)
	time.Sleep(20 * time.Millisecond)
	if dialer.dialCount() != 1 {
		t.Fatalf("stale reconnect timer dialed after teardown")
	}
	if mgr.State() != StateDisconnected {
		t.Fatalf("state = %q, want disconnected", mgr.State())
	}
}

func TestStartRecordingConnectsFirst(t *testing.T) {
	mgr, dialer, _ := newTestManager(t, Options{})

	if !mgr.StartRecording() {
		t.Fatalf("StartRecording returned false")
	}
	if !mgr.IsRecording() {
		t.Fatalf("recording flag not set")
	}
	if mgr.State() != StateConnected {
		t.Fatalf("state = %q, want connected", mgr.State())
	}
	muted, ok := dialer.conn(-1).lastMute()
	if !ok || muted {
		t.Fatalf("microphone not unmuted (muted=%v, recorded=%v)", muted, ok)
	}
}

func TestStartRecordingFailsWhenConnectFails(t *testing.T) {
	dialer := &fakeDialer{outcomes: []dialOutcome{{err: errors.New("websocket dial failed (status 403): bad handshake")}}}
	var mu sync.Mutex
	var notified []string
	mgr, _, _ := newTestManager(t, Options{
		Dialer: dialer,
		Notify: func(msg string) { mu.Lock(); notified = append(notified, msg); mu.Unlock() },
	})

	if mgr.StartRecording() {
		t.Fatalf("StartRecording succeeded despite dial failure")
	}
	if mgr.IsRecording() {
		t.Fatalf("recording flag set after failure")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(notified) == 0 {
		t.Fatalf("no user notification for failed recording attempt")
	}
}

func TestStopRecordingMutesAndKeepsSession(t *testing.T) {
	mgr, dialer, _ := newTestManager(t, Options{})
	connect(t, mgr, dialer)

	mgr.StartRecording()
	mgr.StopRecording()

	if mgr.IsRecording() {
		t.Fatalf("recording flag still set")
	}
	if mgr.State() != StateConnected {
		t.Fatalf("session dropped by StopRecording")
	}
	muted, ok := dialer.conn(-1).lastMute()
	if !ok || !muted {
		t.Fatalf("microphone not muted (muted=%v, recorded=%v)", muted, ok)
	}
}

func TestModeEventsTrackSpeakingAndThinking(t *testing.T) {
	mgr, dialer, _ := newTestManager(t, Options{})
	conn := connect(t, mgr, dialer)

	conn.push(transport.ModeEvent{Mode: transport.ModeThinking})
	waitFor(t, time.Second, "thinking", mgr.IsThinking)

	conn.push(transport.ModeEvent{Mode: transport.ModeSpeaking})
	waitFor(t, time.Second, "speaking", mgr.IsSpeaking)
	if mgr.IsThinking() {
		t.Fatalf("thinking persists while speaking")
	}

	conn.push(transport.ModeEvent{Mode: transport.ModeListening})
	waitFor(t, time.Second, "listening", func() bool { return !mgr.IsSpeaking() })
}

func TestOnStateChangeObservesLifecycle(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	dialer := &fakeDialer{}
	mgr, err := NewManager(Options{
		Dialer: dialer,
		APIKey: "k", AgentID: "a",
		OnStateChange: func(s State) { mu.Lock(); seen = append(seen, s); mu.Unlock() },
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.EndConversation)

	mgr.StartConversation()
	waitFor(t, time.Second, "connected", func() bool { return mgr.State() == StateConnected })
	mgr.EndConversation()

	waitFor(t, time.Second, "three transitions", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	})
	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateDisconnected}
	for i, s := range want {
		if seen[i] != s {
			t.Fatalf("transition %d = %q, want %q (all: %v)", i, seen[i], s, seen)
		}
	}
}

func TestFetcherFallsBackToStaticCredentials(t *testing.T) {
	dialer := &fakeDialer{}
	mgr, err := NewManager(Options{
		Dialer:  dialer,
		Fetcher: &staticFetcher{err: errors.New("broker unreachable")},
		APIKey:  "k",
		AgentID: "a",
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.EndConversation)

	mgr.StartConversation()
	waitFor(t, time.Second, "connected via fallback", func() bool { return mgr.State() == StateConnected })
}

func TestFetcherFailureWithoutFallbackIsFatal(t *testing.T) {
	dialer := &fakeDialer{}
	mgr, err := NewManager(Options{
		Dialer:  dialer,
		Fetcher: &staticFetcher{err: errors.New("broker unreachable")},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.EndConversation)

	w := make(chan error, 1)
	mgr.mu.Lock()
	mgr.waiters = append(mgr.waiters, w)
	mgr.mu.Unlock()

	mgr.StartConversation()
	waitFor(t, time.Second, "error state", func() bool { return mgr.State() == StateError })
	if dialer.dialCount() != 0 {
		t.Fatalf("dialed without any credentials")
	}

	var cerr *Error
	select {
	case err := <-w:
		if !errors.As(err, &cerr) {
			t.Fatalf("waiter error = %v, want *Error", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter never resolved")
	}
	if cerr.Kind != ErrConfiguration {
		t.Fatalf("error kind = %q, want %q", cerr.Kind, ErrConfiguration)
	}
}

func TestManagerWithoutMeterOperates(t *testing.T) {
	// No Meter configured: every counter path must be a silent no-op.
	mgr, dialer, _ := newTestManager(t, Options{})
	conn := connect(t, mgr, dialer)

	if !mgr.SendMessage("hola", nil) {
		t.Fatalf("SendMessage returned false")
	}
	conn.push(transport.MessageEvent{Text: "respuesta", Source: transport.SourceAgent})
	waitFor(t, time.Second, "reply appended", func() bool { return len(mgr.Messages()) == 2 })

	conn.push(transport.ErrorEvent{Message: "read: connection timed out"})
	waitFor(t, time.Second, "reconnecting", func() bool { return mgr.State() == StateReconnecting })
}

func TestRecordingRestartKeepsSamplerRunning(t *testing.T) {
	mgr, dialer, _ := newTestManager(t, Options{SamplerInterval: time.Millisecond})
	connect(t, mgr, dialer)

	if !mgr.StartRecording() {
		t.Fatalf("first StartRecording returned false")
	}
	mgr.StopRecording()
	if !mgr.StartRecording() {
		t.Fatalf("second StartRecording returned false")
	}

	waitFor(t, time.Second, "input level published", func() bool { return mgr.Levels().Input > 0 })
	time.Sleep(10 * time.Millisecond)
	if !mgr.IsRecording() {
		t.Fatalf("recording flag dropped")
	}
	if !mgr.sampler.Running() {
		t.Fatalf("sampler stopped while recording is on")
	}
	if got := mgr.Levels().Input; got != 0.5 {
		t.Fatalf("input level = %v, want 0.5", got)
	}
}

func TestStaleDeadlineDoesNotClearNewerRequest(t *testing.T) {
	mgr, dialer, sched := newTestManager(t, Options{})
	conn := connect(t, mgr, dialer)

	var mu sync.Mutex
	var second []string
	mgr.SendMessage("uno", func(string) {})
	mgr.SendMessage("dos", func(r string) { mu.Lock(); second = append(second, r); mu.Unlock() })

	// The first message's deadline fires after its slot was replaced.
	sched.fire(0)

	conn.push(transport.MessageEvent{Text: "respuesta", Source: transport.SourceAgent})
	waitFor(t, time.Second, "newer callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(second) == 1
	})
}

func TestConnectAttemptIsTraced(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	mgr, dialer, _ := newTestManager(t, Options{Tracer: tp.Tracer("test")})

	connect(t, mgr, dialer)
	waitFor(t, time.Second, "connect span", func() bool { return len(spans.Ended()) == 1 })
	if got := spans.Ended()[0].Name(); got != "convo.connect" {
		t.Fatalf("span name = %q", got)
	}
}

func TestCallbackPanicDoesNotKillDispatch(t *testing.T) {
	mgr, dialer, _ := newTestManager(t, Options{})
	conn := connect(t, mgr, dialer)

	mgr.SendMessage("hola", func(string) { panic("listener bug") })
	conn.push(transport.MessageEvent{Text: "uno", Source: transport.SourceAgent})
	waitFor(t, time.Second, "first reply", func() bool { return len(mgr.Messages()) == 2 })

	// The dispatch loop must survive the panic and keep appending.
	conn.push(transport.MessageEvent{Text: "dos", Source: transport.SourceAgent})
	waitFor(t, time.Second, "second reply", func() bool { return len(mgr.Messages()) == 3 })
}
