package transport

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlo-app/parlo-go/pkg/convo/protocol"
)

const (
	defaultWSBase         = "wss://api.elevenlabs.io/v1/convai/conversation"
	defaultDialTimeout    = 15 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultSpeakingIdle   = 500 * time.Millisecond
	defaultLevelDecay     = 300 * time.Millisecond
	speakingPollInterval  = 100 * time.Millisecond
	outboundEventCapacity = 64
)

// ErrBadConfig marks dial failures caused by the caller's configuration
// rather than by the network or the remote.
var ErrBadConfig = errors.New("invalid transport configuration")

// ErrClosed is returned by send operations on a closed connection.
var ErrClosed = errors.New("session transport is closed")

// WSDialer opens websocket sessions against the conversational voice service.
type WSDialer struct {
	// BaseURL overrides the production endpoint in static-credential mode.
	BaseURL string
	// DialTimeout bounds the websocket handshake; defaults to 15s.
	DialTimeout time.Duration
	// SpeakingIdle is how long after the last audio frame the connection
	// keeps reporting the speaking mode; defaults to 500ms.
	SpeakingIdle time.Duration
	Logger       *slog.Logger
}

func (d *WSDialer) Dial(ctx context.Context, cfg OpenConfig) (Conn, error) {
	signed := strings.TrimSpace(cfg.SignedURL)
	auth := strings.TrimSpace(cfg.Authorization)
	agent := strings.TrimSpace(cfg.AgentID)

	if signed == "" && (auth == "" || agent == "") {
		return nil, fmt.Errorf("%w: either a signed URL or an authorization plus agent id is required", ErrBadConfig)
	}
	if signed != "" && (auth != "" || agent != "") {
		return nil, fmt.Errorf("%w: signed URL and static credentials are mutually exclusive", ErrBadConfig)
	}

	vars, err := protocol.SanitizeDynamicVariables(cfg.DynamicVariables)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}

	wsURL := signed
	header := http.Header{}
	if wsURL == "" {
		wsURL, err = buildAgentURL(d.BaseURL, agent)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
		}
		header.Set("xi-api-key", auth)
	} else {
		wsURL, err = toWebsocketURL(wsURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
		}
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout := d.DialTimeout
		if timeout <= 0 {
			timeout = defaultDialTimeout
		}
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	idle := d.SpeakingIdle
	if idle <= 0 {
		idle = defaultSpeakingIdle
	}
	c := &wsConn{
		conn:         conn,
		logger:       logger,
		speakingIdle: idle,
		events:       make(chan Event, outboundEventCapacity),
		closed:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	c.volume.Store(math.Float64bits(1.0))

	if err := c.writeJSON(protocol.NewClientInit(vars)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send session init: %w", err)
	}

	go c.readLoop()
	go c.speakingWatch()
	return c, nil
}

type wsConn struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	speakingIdle time.Duration

	events chan Event
	closed chan struct{}
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	isClosed  atomic.Bool

	muted  atomic.Bool
	volume atomic.Uint64 // math.Float64bits

	inputLevel  levelGauge
	outputLevel levelGauge

	speaking      atomic.Bool
	lastAudioNano atomic.Int64
}

func (c *wsConn) Events() <-chan Event { return c.events }

func (c *wsConn) SendText(text string) error {
	return c.sendJSON(protocol.NewUserMessage(text))
}

func (c *wsConn) SendContext(text string) error {
	return c.sendJSON(protocol.NewContextualUpdate(text))
}

func (c *wsConn) SendAudio(pcm []byte) error {
	if c.isClosed.Load() {
		return ErrClosed
	}
	if c.muted.Load() {
		return nil
	}
	c.inputLevel.set(pcmLevel(pcm), time.Now())
	return c.sendJSON(protocol.ClientAudioChunk{
		UserAudioChunk: base64.StdEncoding.EncodeToString(pcm),
	})
}

func (c *wsConn) SetMuted(muted bool) {
	c.muted.Store(muted)
	if muted {
		c.inputLevel.set(0, time.Now())
	}
}

func (c *wsConn) SetVolume(level float64) error {
	if c.isClosed.Load() {
		return ErrClosed
	}
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	c.volume.Store(math.Float64bits(level))
	return nil
}

func (c *wsConn) InputLevel() float64 {
	if c.isClosed.Load() {
		return 0
	}
	return c.inputLevel.level(time.Now())
}

func (c *wsConn) OutputLevel() float64 {
	if c.isClosed.Load() {
		return 0
	}
	gain := math.Float64frombits(c.volume.Load())
	return c.outputLevel.level(time.Now()) * gain
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.isClosed.Store(true)
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

func (c *wsConn) sendJSON(payload any) error {
	if c.isClosed.Load() {
		return ErrClosed
	}
	return c.writeJSON(payload)
}

func (c *wsConn) writeJSON(payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return c.conn.WriteJSON(payload)
}

func (c *wsConn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(DisconnectedEvent{Reason: closeReason(err)})
				return
			}
			c.emit(ErrorEvent{Message: err.Error()})
			return
		}

		frame, decErr := protocol.DecodeServerFrame(data)
		if decErr != nil {
			c.logger.Warn("dropping undecodable frame", "err", decErr)
			continue
		}

		switch f := frame.(type) {
		case protocol.ServerInitMetadata:
			c.emit(ConnectedEvent{SessionID: f.Event.ConversationID})
		case protocol.ServerUserTranscript:
			c.emit(MessageEvent{Text: f.Event.UserTranscript, Source: SourceUser})
		case protocol.ServerAgentResponse:
			c.emit(MessageEvent{Text: f.Event.AgentResponse, Source: SourceAgent})
		case protocol.ServerTentativeAgentResponse:
			c.emit(StatusEvent{Status: "tentative_response"})
			c.emit(ModeEvent{Mode: ModeThinking})
		case protocol.ServerAudio:
			c.handleAudio(f)
		case protocol.ServerPing:
			if err := c.sendJSON(protocol.NewPong(f.Event.EventID)); err != nil {
				c.logger.Warn("pong failed", "err", err)
			}
		case protocol.ServerInterruption:
			c.emit(StatusEvent{Status: "interruption"})
			c.setSpeaking(false)
		case protocol.ServerVADScore:
			c.emit(StatusEvent{Status: fmt.Sprintf("vad_score=%.2f", f.Event.Score)})
		case protocol.ServerError:
			c.emit(ErrorEvent{Message: f.Message})
		case protocol.UnknownFrame:
			c.logger.Debug("ignoring unknown frame", "type", f.Type)
		}
	}
}

func (c *wsConn) handleAudio(f protocol.ServerAudio) {
	audio, err := base64.StdEncoding.DecodeString(f.Event.AudioB64)
	if err != nil {
		c.logger.Warn("invalid audio payload", "err", err)
		return
	}
	now := time.Now()
	c.outputLevel.set(pcmLevel(audio), now)
	c.lastAudioNano.Store(now.UnixNano())
	c.setSpeaking(true)
}

// speakingWatch emits the falling edge of the speaking mode once the audio
// stream has gone quiet for speakingIdle.
func (c *wsConn) speakingWatch() {
	ticker := time.NewTicker(speakingPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if !c.speaking.Load() {
				continue
			}
			last := c.lastAudioNano.Load()
			if last == 0 {
				continue
			}
			if time.Since(time.Unix(0, last)) >= c.speakingIdle {
				c.setSpeaking(false)
			}
		}
	}
}

func (c *wsConn) setSpeaking(speaking bool) {
	if c.speaking.Swap(speaking) == speaking {
		return
	}
	if speaking {
		c.emit(ModeEvent{Mode: ModeSpeaking})
	} else {
		c.outputLevel.set(0, time.Now())
		c.emit(ModeEvent{Mode: ModeListening})
	}
}

func (c *wsConn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

// levelGauge holds the most recent instantaneous level and fades it toward
// zero so a stalled stream reads as silence rather than a frozen peak.
type levelGauge struct {
	mu    sync.Mutex
	value float64
	at    time.Time
}

func (g *levelGauge) set(value float64, now time.Time) {
	g.mu.Lock()
	g.value = value
	g.at = now
	g.mu.Unlock()
}

func (g *levelGauge) level(now time.Time) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.value <= 0 || g.at.IsZero() {
		return 0
	}
	elapsed := now.Sub(g.at)
	if elapsed >= defaultLevelDecay {
		return 0
	}
	return g.value * (1 - float64(elapsed)/float64(defaultLevelDecay))
}

// pcmLevel computes the normalized RMS of little-endian 16-bit PCM.
func pcmLevel(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		v := float64(sample)
		sum += v * v
	}
	level := math.Sqrt(sum/float64(n)) / 32768
	if level > 1 {
		level = 1
	}
	return level
}

func buildAgentURL(base, agentID string) (string, error) {
	if strings.TrimSpace(base) == "" {
		base = defaultWSBase
	}
	wsURL, err := toWebsocketURL(base)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func toWebsocketURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("url must use http(s) or ws(s), got %q", u.Scheme)
	}
	return u.String(), nil
}

func closeReason(err error) string {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return strings.TrimSpace(closeErr.Text)
	}
	return ""
}
