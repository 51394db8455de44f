// Package convo manages the lifecycle of a realtime tutoring conversation:
// connection state, automatic reconnects, the transcript, recording state,
// and request/response correlation over a live websocket transport.
package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/parlo-app/parlo-go/pkg/convo/audiolevel"
	"github.com/parlo-app/parlo-go/pkg/convo/transport"
)

// State is the connection state of a Manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

const (
	// DefaultMaxReconnectAttempts bounds automatic recovery after a
	// transient failure. Once exhausted the session parks in
	// StateDisconnected until the caller starts it again.
	DefaultMaxReconnectAttempts = 5

	// DefaultReconnectBaseDelay is multiplied by the attempt number, so
	// retries back off linearly: base, 2*base, 3*base, and so on.
	DefaultReconnectBaseDelay = 3 * time.Second

	// DefaultConnectTimeout bounds a single dial, including the signed
	// URL fetch that precedes it.
	DefaultConnectTimeout = 15 * time.Second
)

// URLFetcher obtains short-lived signed websocket URLs. Configured reports
// whether the fetcher has somewhere to ask; an unconfigured fetcher makes
// the Manager fall straight through to static credentials.
type URLFetcher interface {
	Fetch(ctx context.Context) (string, error)
	Configured() bool
}

// Options configures a Manager. Zero values get sensible defaults; the only
// hard requirement is some way to authenticate, either a URLFetcher or the
// APIKey/AgentID pair, checked at StartConversation time rather than here so
// construction never fails on missing env.
type Options struct {
	// Fetcher resolves signed websocket URLs. Optional.
	Fetcher URLFetcher

	// APIKey and AgentID are the static-credential fallback used when no
	// fetcher is configured or a fetch fails.
	APIKey  string
	AgentID string

	// DynamicVariables supplies per-session personalization values. It is
	// called once per connection attempt so refreshed stats (streaks,
	// mastery counts) are picked up on reconnect.
	DynamicVariables func() map[string]any

	// Dialer opens transport connections. Defaults to a WSDialer.
	Dialer transport.Dialer

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ConnectTimeout       time.Duration
	ResponseTimeout      time.Duration
	SamplerInterval      time.Duration

	Logger *slog.Logger
	Meter  metric.Meter
	// Tracer, when set, wraps each connection attempt in a span.
	Tracer trace.Tracer

	// OnMessage fires for every message appended to the transcript.
	OnMessage func(Message)
	// OnStateChange fires whenever the connection state transitions.
	OnStateChange func(State)
	// Notify surfaces one-shot user-facing failure notices, such as a
	// recording attempt that could not establish a connection.
	Notify func(message string)

	// Now stamps transcript messages. Defaults to time.Now.
	Now func() time.Time
}

// Manager owns one conversation session end to end. All exported methods are
// safe for concurrent use; the facade operations return bools rather than
// errors so UI callers can branch without unwrapping.
type Manager struct {
	fetcher   URLFetcher
	apiKey    string
	agentID   string
	dynVars   func() map[string]any
	dialer    transport.Dialer
	logger    *slog.Logger
	metrics   *sessionMetrics
	tracer    trace.Tracer
	onMessage func(Message)
	onState   func(State)
	notifyFn  func(string)
	now       func() time.Time

	maxAttempts     int
	baseDelay       time.Duration
	connectTimeout  time.Duration
	responseTimeout time.Duration

	// afterFunc schedules deferred work; swapped in tests.
	afterFunc func(time.Duration, func()) *time.Timer

	sampler *audiolevel.Sampler

	mu              sync.Mutex
	state           State
	stateDirty      bool
	notice          string
	sessionID       string
	lastError       string
	isRecording     bool
	isSpeaking      bool
	isThinking      bool
	messages        []Message
	conn            transport.Conn
	connectInFlight bool
	attempts        int
	reconnectTimer  *time.Timer
	pending         *pendingCorrelation
	waiters         []chan error
	gen             uint64
}

// NewManager builds a Manager from opts. It returns an error only when
// metric instrument registration fails.
func NewManager(opts Options) (*Manager, error) {
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = &transport.WSDialer{Logger: opts.Logger}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	metrics, err := newSessionMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("register session metrics: %w", err)
	}
	return &Manager{
		fetcher:         opts.Fetcher,
		apiKey:          opts.APIKey,
		agentID:         opts.AgentID,
		dynVars:         opts.DynamicVariables,
		dialer:          opts.Dialer,
		logger:          opts.Logger,
		metrics:         metrics,
		tracer:          opts.Tracer,
		onMessage:       opts.OnMessage,
		onState:         opts.OnStateChange,
		notifyFn:        opts.Notify,
		now:             opts.Now,
		maxAttempts:     opts.MaxReconnectAttempts,
		baseDelay:       opts.ReconnectBaseDelay,
		connectTimeout:  opts.ConnectTimeout,
		responseTimeout: opts.ResponseTimeout,
		afterFunc:       time.AfterFunc,
		sampler:         audiolevel.NewSampler(opts.SamplerInterval),
		state:           StateDisconnected,
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the identifier of the active session, or "" when none.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// LastError returns the most recent user-facing error message, or "".
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// IsRecording reports whether microphone input is active.
func (m *Manager) IsRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRecording
}

// IsSpeaking reports whether the assistant is currently producing audio.
func (m *Manager) IsSpeaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isSpeaking
}

// IsThinking reports whether a reply is pending for the last sent message.
func (m *Manager) IsThinking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isThinking
}

// Messages returns a snapshot of the transcript in arrival order.
func (m *Manager) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Levels returns the most recent sampled input and output audio levels.
func (m *Manager) Levels() audiolevel.Levels {
	return m.sampler.Levels()
}

// StartConversation begins connecting if no session is active. It returns
// true when a connection attempt is underway or already established, false
// when credentials are missing. The explicit call resets the automatic
// reconnect budget.
func (m *Manager) StartConversation() bool {
	m.mu.Lock()
	if m.state == StateConnected || m.connectInFlight {
		m.mu.Unlock()
		return true
	}
	if (m.fetcher == nil || !m.fetcher.Configured()) && (m.apiKey == "" || m.agentID == "") {
		err := NewConfigurationError("no signed URL endpoint and no API credentials configured")
		m.lastError = err.Message
		m.setStateLocked(StateError)
		m.resolveWaitersLocked(err)
		after := m.notifyLocked("Conversation is not configured. Check your connection settings.")
		fire := m.takeStateCallbackLocked()
		m.mu.Unlock()
		fire()
		after()
		m.logger.Error("conversation start rejected", "error", err)
		return false
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.attempts = 0
	m.lastError = ""
	m.connectInFlight = true
	m.setStateLocked(StateConnecting)
	gen := m.gen
	fire := m.takeStateCallbackLocked()
	m.mu.Unlock()
	fire()

	go m.connect(gen)
	return true
}

// connect performs one full connection attempt: resolve credentials, dial,
// and hand the resulting connection to the dispatch loop. A generation
// mismatch after the dial means the session was ended meanwhile and the
// fresh connection is discarded.
func (m *Manager) connect(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	defer cancel()

	span := trace.SpanFromContext(ctx)
	if m.tracer != nil {
		ctx, span = m.tracer.Start(ctx, "convo.connect")
		defer span.End()
	}

	m.metrics.incr(m.metrics.connectAttempts)

	cfg := transport.OpenConfig{}
	if m.dynVars != nil {
		cfg.DynamicVariables = m.dynVars()
	}
	if m.fetcher != nil && m.fetcher.Configured() {
		url, err := m.fetcher.Fetch(ctx)
		switch {
		case err == nil:
			cfg.SignedURL = url
		case m.apiKey != "" && m.agentID != "":
			m.logger.Warn("signed URL fetch failed, falling back to API key", "error", err)
			cfg.Authorization = m.apiKey
			cfg.AgentID = m.agentID
		default:
			// No credentials to fall back on: the session cannot be opened
			// under the current configuration, so fail without retrying.
			cerr := NewConfigurationError(fmt.Sprintf("signed URL fetch failed: %v", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, string(cerr.Kind))
			m.failAttempt(gen, cerr)
			return
		}
	} else {
		cfg.Authorization = m.apiKey
		cfg.AgentID = m.agentID
	}

	conn, err := m.dialer.Dial(ctx, cfg)
	if err != nil {
		cerr := classifyDialError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(cerr.Kind))
		m.failAttempt(gen, cerr)
		return
	}
	span.SetStatus(codes.Ok, "")

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.mu.Unlock()

	go m.dispatchLoop(conn, gen)
}

// dispatchLoop drains transport events for one connection. It exits when the
// transport closes its event channel.
func (m *Manager) dispatchLoop(conn transport.Conn, gen uint64) {
	for ev := range conn.Events() {
		m.handleEvent(gen, ev)
	}
}

func (m *Manager) handleEvent(gen uint64, ev transport.Event) {
	after := func() {}
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	switch e := ev.(type) {
	case transport.ConnectedEvent:
		m.sessionID = e.SessionID
		m.attempts = 0
		m.connectInFlight = false
		m.lastError = ""
		m.setStateLocked(StateConnected)
		m.resolveWaitersLocked(nil)
		m.logger.Info("conversation connected", "session_id", e.SessionID)

	case transport.DisconnectedEvent:
		m.logger.Info("conversation disconnected", "reason", e.Reason)
		if m.connectInFlight {
			m.connectInFlight = false
			m.resolveWaitersLocked(NewTransientError("connection closed before session was established", nil))
		}
		m.teardownConnLocked()
		m.setStateLocked(StateDisconnected)

	case transport.MessageEvent:
		role := RoleAssistant
		if e.Source == transport.SourceUser {
			role = RoleUser
		}
		msg := newMessage(role, e.Text, StatusCompleted, m.now())
		m.messages = append(m.messages, msg)
		m.isThinking = false
		m.metrics.incr(m.metrics.messagesReceived,
			metric.WithAttributes(attribute.String("source", string(e.Source))))
		var resolved *pendingCorrelation
		if role == RoleAssistant && m.pending != nil {
			resolved = m.pending
			m.pending = nil
			resolved.cancel()
		}
		onMsg := m.onMessage
		after = func() {
			if onMsg != nil {
				onMsg(msg)
			}
			if resolved != nil && resolved.callback != nil {
				m.invokeCallback(resolved, msg.Text)
			}
		}

	case transport.ErrorEvent:
		m.handleErrorLocked(Classify(e.Message))

	case transport.ModeEvent:
		switch e.Mode {
		case transport.ModeSpeaking:
			m.isSpeaking = true
			m.isThinking = false
		case transport.ModeThinking:
			m.isThinking = true
		case transport.ModeListening:
			m.isSpeaking = false
		}
		m.updateSamplerLocked()

	case transport.StatusEvent:
		m.logger.Debug("transport status", "status", e.Status)
	}

	fire := m.takeStateCallbackLocked()
	notice := m.takeNoticeCallbackLocked()
	m.mu.Unlock()
	fire()
	notice()
	after()
}

// invokeCallback runs a correlation callback and keeps a panic inside it
// from killing the dispatch goroutine. The slot was already cleared.
func (m *Manager) invokeCallback(p *pendingCorrelation, text string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("response callback panicked", "panic", r)
		}
	}()
	p.callback(text)
}

// failAttempt records a failed connection attempt from outside the lock.
func (m *Manager) failAttempt(gen uint64, err *Error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.handleErrorLocked(err)
	fire := m.takeStateCallbackLocked()
	notice := m.takeNoticeCallbackLocked()
	m.mu.Unlock()
	fire()
	notice()
}

// handleErrorLocked is the single place session errors funnel through. It
// tears down any live connection, then either schedules a reconnect for
// transient failures or parks in StateError for fatal ones.
func (m *Manager) handleErrorLocked(err *Error) {
	m.connectInFlight = false
	m.lastError = err.Message
	m.metrics.incr(m.metrics.errors,
		metric.WithAttributes(attribute.String("kind", string(err.Kind))))
	m.resolveWaitersLocked(err)
	m.teardownConnLocked()
	m.logger.Error("conversation error", "kind", err.Kind, "error", err.Message)

	if err.IsRetryable() {
		m.scheduleReconnectLocked()
		return
	}
	m.notice = "Connection failed: " + err.Message
	m.setStateLocked(StateError)
}

// scheduleReconnectLocked arms the next automatic retry, backing off
// linearly. When the budget is exhausted the session parks disconnected with
// lastError preserved; only an explicit StartConversation resets the budget.
func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.maxAttempts {
		m.logger.Warn("reconnect attempts exhausted", "attempts", m.attempts)
		m.notice = "Connection lost. Start a new conversation to continue."
		m.setStateLocked(StateDisconnected)
		return
	}
	m.attempts++
	delay := m.baseDelay * time.Duration(m.attempts)
	m.setStateLocked(StateReconnecting)
	m.metrics.incr(m.metrics.reconnects)
	m.logger.Info("scheduling reconnect", "attempt", m.attempts, "delay", delay)
	gen := m.gen
	m.reconnectTimer = m.afterFunc(delay, func() { m.reconnectFired(gen) })
}

func (m *Manager) reconnectFired(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.connectInFlight = true
	m.setStateLocked(StateConnecting)
	fire := m.takeStateCallbackLocked()
	m.mu.Unlock()
	fire()

	go m.connect(gen)
}

// SendMessage appends text to the transcript optimistically and transmits
// it. When onResponse is non-nil it is invoked with the next assistant reply
// unless a newer send replaces it or the response deadline passes. Returns
// false when no session is connected or the transmit fails; a transmit
// failure marks the appended message StatusFailed rather than removing it,
// and OnMessage observes the status update.
func (m *Manager) SendMessage(text string, onResponse func(reply string)) bool {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return false
	}
	msg := newMessage(RoleUser, text, StatusCompleted, m.now())
	m.messages = append(m.messages, msg)
	m.isThinking = true
	var p *pendingCorrelation
	if onResponse != nil {
		if m.pending != nil {
			m.pending.cancel()
		}
		p = newPendingCorrelation(onResponse)
		token := p.token
		p.timer = m.afterFunc(m.responseTimeout, func() { m.expireCorrelation(token) })
		m.pending = p
		m.logger.Debug("response correlation armed", "token", token)
	}
	conn := m.conn
	onMsg := m.onMessage
	m.mu.Unlock()

	if onMsg != nil {
		onMsg(msg)
	}
	if err := conn.SendText(text); err != nil {
		m.mu.Lock()
		var updated *Message
		for i := range m.messages {
			if m.messages[i].ID == msg.ID {
				m.messages[i].Status = StatusFailed
				u := m.messages[i]
				updated = &u
				break
			}
		}
		m.isThinking = false
		if p != nil && m.pending != nil && m.pending.token == p.token {
			p.cancel()
			m.pending = nil
		}
		m.mu.Unlock()
		if onMsg != nil && updated != nil {
			onMsg(*updated)
		}
		m.logger.Error("send message failed", "error", err)
		return false
	}
	m.metrics.incr(m.metrics.messagesSent)
	return true
}

// expireCorrelation clears the slot when the deadline passes first. Tokens
// identify the slot's occupant, so a stale deadline cannot clear a newer
// request. The expiry is silent: no transcript entry, no error state.
func (m *Manager) expireCorrelation(token string) {
	m.mu.Lock()
	if m.pending != nil && m.pending.token == token {
		m.logger.Debug("response correlation expired", "token", token)
		m.pending = nil
	}
	m.mu.Unlock()
}

// SendContext transmits a non-transcript contextual update, such as a hint
// about what the learner is currently looking at.
func (m *Manager) SendContext(text string) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return false
	}
	if err := conn.SendContext(text); err != nil {
		m.logger.Error("send context failed", "error", err)
		return false
	}
	return true
}

// SendAudio forwards a chunk of raw PCM microphone audio. Chunks are dropped
// while recording is off or no session is connected.
func (m *Manager) SendAudio(pcm []byte) bool {
	m.mu.Lock()
	conn := m.conn
	ok := m.state == StateConnected && m.isRecording
	m.mu.Unlock()
	if !ok || conn == nil {
		return false
	}
	if err := conn.SendAudio(pcm); err != nil {
		m.logger.Error("send audio failed", "error", err)
		return false
	}
	return true
}

// StartRecording unmutes the microphone, connecting first when no session is
// active. It blocks until that connection attempt resolves and returns false,
// with a user notification, when it does not succeed.
func (m *Manager) StartRecording() bool {
	m.mu.Lock()
	if m.state != StateConnected {
		w := make(chan error, 1)
		m.waiters = append(m.waiters, w)
		m.mu.Unlock()

		if !m.StartConversation() {
			return false
		}
		select {
		case err := <-w:
			if err != nil {
				m.notify("Could not start recording: " + err.Error())
				return false
			}
		case <-time.After(m.connectTimeout + time.Second):
			m.notify("Could not start recording: connection timed out")
			return false
		}
		m.mu.Lock()
	}
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return false
	}
	m.conn.SetMuted(false)
	m.isRecording = true
	m.updateSamplerLocked()
	m.mu.Unlock()
	return true
}

// StopRecording mutes the microphone. The session stays connected.
func (m *Manager) StopRecording() {
	m.mu.Lock()
	m.isRecording = false
	if m.conn != nil {
		m.conn.SetMuted(true)
	}
	m.updateSamplerLocked()
	m.mu.Unlock()
}

// SetVolume adjusts assistant playback volume in [0,1].
func (m *Manager) SetVolume(v float64) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		conn.SetVolume(v)
	}
}

// EndConversation tears the session down: the connection is closed, pending
// timers are cancelled, the transcript is cleared, and the state returns to
// StateDisconnected. Safe to call at any time, including repeatedly.
func (m *Manager) EndConversation() {
	m.mu.Lock()
	m.gen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.pending != nil {
		m.pending.cancel()
		m.pending = nil
	}
	conn := m.conn
	m.conn = nil
	m.connectInFlight = false
	m.attempts = 0
	m.sessionID = ""
	m.lastError = ""
	m.isRecording = false
	m.isSpeaking = false
	m.isThinking = false
	m.messages = nil
	m.resolveWaitersLocked(NewSendError("conversation ended"))
	m.setStateLocked(StateDisconnected)
	fire := m.takeStateCallbackLocked()
	m.mu.Unlock()

	fire()
	m.sampler.Stop()
	if conn != nil {
		_ = conn.Close()
	}
}

// teardownConnLocked detaches and closes the live connection, if any, and
// stops level sampling. Transcript and session identity are left alone.
func (m *Manager) teardownConnLocked() {
	m.isRecording = false
	m.isSpeaking = false
	m.isThinking = false
	if m.pending != nil {
		m.pending.cancel()
		m.pending = nil
	}
	conn := m.conn
	m.conn = nil
	m.updateSamplerLocked()
	if conn != nil {
		go func() { _ = conn.Close() }()
	}
}

// updateSamplerLocked starts level sampling while audio flows in either
// direction and stops it otherwise. Cancel deregisters the loop before
// returning, so a Start on the next recording edge is never swallowed by a
// still-dying loop.
func (m *Manager) updateSamplerLocked() {
	if m.conn != nil && (m.isRecording || m.isSpeaking) {
		m.sampler.Start(m.conn.InputLevel, m.conn.OutputLevel)
		return
	}
	m.sampler.Cancel()
}

func (m *Manager) resolveWaitersLocked(err error) {
	for _, w := range m.waiters {
		w <- err
	}
	m.waiters = nil
}

// setStateLocked records a transition; the matching callback is retrieved
// with takeStateCallbackLocked and must be invoked after unlocking.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.stateDirty = true
}

// takeStateCallbackLocked returns a closure firing OnStateChange for the
// most recent transition, or a no-op when nothing changed.
func (m *Manager) takeStateCallbackLocked() func() {
	if !m.stateDirty || m.onState == nil {
		m.stateDirty = false
		return func() {}
	}
	m.stateDirty = false
	cb := m.onState
	s := m.state
	return func() { cb(s) }
}

func (m *Manager) notify(message string) {
	if m.notifyFn != nil {
		m.notifyFn(message)
	}
}

// notifyLocked defers a notification until after the lock is released.
func (m *Manager) notifyLocked(message string) func() {
	fn := m.notifyFn
	if fn == nil {
		return func() {}
	}
	return func() { fn(message) }
}

// takeNoticeCallbackLocked drains the pending user notice, if any, into a
// closure to invoke after unlocking.
func (m *Manager) takeNoticeCallbackLocked() func() {
	message := m.notice
	m.notice = ""
	if message == "" || m.notifyFn == nil {
		return func() {}
	}
	fn := m.notifyFn
	return func() { fn(message) }
}

// classifyDialError maps transport dial failures onto the error taxonomy.
// Config validation failures inside the dialer are surfaced as such rather
// than being retried.
func classifyDialError(err error) *Error {
	if errors.Is(err, transport.ErrBadConfig) {
		return NewConfigurationError(err.Error())
	}
	return Classify(err.Error())
}
