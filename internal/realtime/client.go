// Package realtime is a client for the streaming speech-to-speech WebSocket API.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/acme/outbound-voice-agent/internal/bus"
	"github.com/acme/outbound-voice-agent/internal/command"
	"github.com/acme/outbound-voice-agent/internal/config"
	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/telemetry"
	"github.com/acme/outbound-voice-agent/pkg/logger"
)

var (
	// ErrUnauthorized is returned when the API rejects the credentials.
	ErrUnauthorized = errors.New("realtime: unauthorized")
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("realtime: client closed")
	// ErrNotConnected is returned when no session is open.
	ErrNotConnected = errors.New("realtime: not connected")
)

// Config describes the remote session.
type Config struct {
	URL                string
	Model              string
	APIKey             string
	Voice              string
	VADThreshold       float64
	PrefixPadding      time.Duration
	SilenceDuration    time.Duration
	ConnectAttempts    int
	BaseRetryDelay     time.Duration
	HandshakeTimeout   time.Duration
	AckTimeout         time.Duration
	AudioQueueSize     int
	TranscriptionModel string
}

// ConfigFrom maps application configuration.
func ConfigFrom(cfg config.RealtimeConfig) Config {
	return Config{
		URL:                cfg.URL,
		Model:              cfg.Model,
		APIKey:             cfg.APIKey,
		Voice:              cfg.Voice,
		VADThreshold:       cfg.VADThreshold,
		PrefixPadding:      cfg.PrefixPadding,
		SilenceDuration:    cfg.SilenceDuration,
		ConnectAttempts:    cfg.ConnectAttempts,
		BaseRetryDelay:     cfg.BaseRetryDelay,
		HandshakeTimeout:   cfg.HandshakeTimeout,
		AckTimeout:         cfg.AckTimeout,
		AudioQueueSize:     cfg.AudioQueueSize,
		TranscriptionModel: cfg.TranscriptionModel,
	}
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = "wss://api.openai.com/v1/realtime"
	}
	if c.Voice == "" {
		c.Voice = "alloy"
	}
	if c.VADThreshold == 0 {
		c.VADThreshold = 0.3
	}
	if c.PrefixPadding == 0 {
		c.PrefixPadding = 100 * time.Millisecond
	}
	if c.SilenceDuration == 0 {
		c.SilenceDuration = 1500 * time.Millisecond
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 3
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = 2 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 20 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 15 * time.Second
	}
	if c.AudioQueueSize <= 0 {
		c.AudioQueueSize = 100
	}
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = "whisper-1"
	}
}

// TranscriptSink receives finalized utterances.
type TranscriptSink func(speaker domain.Speaker, text string)

// Options bind a client to one call attempt.
type Options struct {
	CallAttemptID int64
	Instructions  string
	Publisher     bus.Publisher
	OnTranscript  TranscriptSink
	Metrics       *telemetry.Metrics
	Logger        *logger.Logger
	Dialer        *websocket.Dialer
}

// Client owns one speech session. Agent audio is read with Next until the
// stream ends.
type Client struct {
	cfg  Config
	opts Options
	log  *logger.Logger

	dialer *websocket.Dialer
	jitter func() time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	sessionID string
	closed    bool

	writeMu sync.Mutex

	audio     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	stop      chan struct{}
}

// New constructs an unconnected client.
func New(cfg Config, opts Options) *Client {
	cfg.applyDefaults()
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	return &Client{
		cfg:    cfg,
		opts:   opts,
		log:    opts.Logger.Named("realtime").With(zap.Int64("call_attempt_id", opts.CallAttemptID)),
		dialer: dialer,
		jitter: func() time.Duration { return time.Duration(rand.Int63n(int64(time.Second))) },
		audio:  make(chan []byte, cfg.AudioQueueSize),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
}

// Connect opens and configures the session, retrying with exponential backoff.
// Authentication failures are not retried.
func (c *Client) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.ConnectAttempts; attempt++ {
		if c.isClosed() {
			return ErrClosed
		}
		conn, sessionID, err := c.dial(ctx)
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				_ = conn.Close()
				return ErrClosed
			}
			c.conn = conn
			c.connected = true
			c.sessionID = sessionID
			c.mu.Unlock()

			c.log.Info("realtime: session started", zap.String("session_id", sessionID), zap.Int("attempt", attempt+1))
			go c.readLoop(conn)
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		lastErr = err
		c.log.Warn("realtime: connect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))

		if attempt == c.cfg.ConnectAttempts-1 {
			break
		}
		delay := c.cfg.BaseRetryDelay*time.Duration(1<<attempt) + c.jitter()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return ErrClosed
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("realtime: connect failed after %d attempts: %w", c.cfg.ConnectAttempts, lastErr)
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("realtime: parse url: %w", err)
	}
	if c.cfg.Model != "" {
		q := u.Query()
		q.Set("model", c.cfg.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, string, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, "", err
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, endpoint, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, "", fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, "", fmt.Errorf("realtime: dial: %w", err)
	}

	if err := conn.WriteJSON(c.sessionUpdate()); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("realtime: send session.update: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.AckTimeout))
	for {
		var ev serverEvent
		if err := conn.ReadJSON(&ev); err != nil {
			_ = conn.Close()
			return nil, "", fmt.Errorf("realtime: await session ack: %w", err)
		}
		if isSessionAck(ev.Type) {
			_ = conn.SetReadDeadline(time.Time{})
			id := ""
			if ev.Session != nil {
				id = ev.Session.ID
			}
			return conn, id, nil
		}
		if ev.Type == eventError {
			_ = conn.Close()
			return nil, "", fmt.Errorf("realtime: session rejected: %s", string(ev.Error))
		}
	}
}

func (c *Client) sessionUpdate() sessionUpdate {
	return sessionUpdate{
		Type: "session.update",
		Session: sessionConfig{
			Modalities:              []string{"audio", "text"},
			Instructions:            c.opts.Instructions,
			Voice:                   c.cfg.Voice,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &transcriptionConfig{Model: c.cfg.TranscriptionModel},
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         c.cfg.VADThreshold,
				PrefixPaddingMs:   int(c.cfg.PrefixPadding / time.Millisecond),
				SilenceDurationMs: int(c.cfg.SilenceDuration / time.Millisecond),
			},
			Tools:      toolSchemas,
			ToolChoice: "auto",
		},
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("realtime: undecodable event", zap.Error(err))
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev serverEvent) {
	switch ev.Type {
	case eventAudioDelta:
		if ev.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			c.log.Warn("realtime: bad audio delta", zap.Error(err))
			return
		}
		if len(pcm) > 0 {
			c.enqueue(pcm)
		}
	case eventAgentTranscriptDone:
		c.transcript(domain.SpeakerAgent, ev.Transcript)
	case eventCallerTranscript:
		c.transcript(domain.SpeakerCaller, ev.Transcript)
	case eventFunctionCallDone:
		c.handleToolCall(ev)
	case eventError:
		c.log.Error("realtime: server error", zap.ByteString("error", ev.Error))
	default:
		c.log.Debug("realtime: event", zap.String("type", ev.Type))
	}
}

// enqueue blocks while the queue is full so agent audio stays ordered and intact.
func (c *Client) enqueue(pcm []byte) {
	select {
	case c.audio <- pcm:
	case <-c.stop:
	}
}

func (c *Client) transcript(speaker domain.Speaker, text string) {
	if text == "" {
		return
	}
	c.log.Info("realtime: transcript", zap.String("speaker", string(speaker)), zap.String("text", text))
	if c.opts.OnTranscript != nil {
		c.opts.OnTranscript(speaker, text)
	}
}

func (c *Client) handleToolCall(ev serverEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := map[string]any{}
	cmd, res, err := toolCommand(ev.Name, ev.Arguments)
	switch {
	case err != nil:
		c.log.Warn("realtime: rejected tool call", zap.String("tool", ev.Name), zap.Error(err))
		result["status"] = "error"
		result["error"] = err.Error()
	case c.opts.Publisher == nil:
		result["status"] = "error"
		result["error"] = "no command bus"
	default:
		result = res
		if perr := c.opts.Publisher.Publish(ctx, command.CommandTopic(c.opts.CallAttemptID), c.opts.CallAttemptID, cmd); perr != nil {
			c.log.Error("realtime: publish tool command", zap.String("tool", ev.Name), zap.Error(perr))
			result = map[string]any{"status": "error", "error": "command could not be delivered"}
		} else {
			c.log.Info("realtime: tool call dispatched", zap.String("tool", ev.Name), zap.String("call_id", ev.CallID))
		}
	}

	output, _ := json.Marshal(result)
	if err := c.writeJSON(functionOutput(ev.CallID, string(output))); err != nil {
		c.log.Warn("realtime: send tool output", zap.Error(err))
		return
	}
	if err := c.writeJSON(responseCreate{Type: "response.create"}); err != nil {
		c.log.Warn("realtime: request response", zap.Error(err))
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	everConnected := c.connected
	c.mu.Unlock()
	_ = conn.Close()

	if closed {
		c.finish()
		return
	}
	if !everConnected {
		c.log.Warn("realtime: stream ended before a session was established", zap.Error(cause))
		c.finish()
		return
	}

	c.log.Warn("realtime: connection lost, reconnecting", zap.Error(cause))
	c.opts.Metrics.RecordRealtimeReconnect()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	err := c.Connect(ctx)
	cancel()
	if err != nil {
		c.log.Error("realtime: reconnect failed", zap.Error(err))
		c.finish()
	}
}

func (c *Client) finish() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed when no more agent audio will arrive.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Next returns the next agent audio chunk at 24 kHz. It returns false once
// the stream has ended and the queue is drained, or when ctx is done.
func (c *Client) Next(ctx context.Context) ([]byte, bool) {
	select {
	case pcm := <-c.audio:
		return pcm, true
	default:
	}
	select {
	case pcm := <-c.audio:
		return pcm, true
	case <-c.done:
		select {
		case pcm := <-c.audio:
			return pcm, true
		default:
			return nil, false
		}
	case <-ctx.Done():
		return nil, false
	}
}

// SendAudio appends caller audio (24 kHz s16le) to the input buffer.
func (c *Client) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return c.writeJSON(audioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// InjectSystemMessage adds a system message to the conversation and optionally
// asks the model to respond to it.
func (c *Client) InjectSystemMessage(ctx context.Context, text string, respond bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.writeJSON(systemMessage(text)); err != nil {
		return fmt.Errorf("realtime: inject message: %w", err)
	}
	if !respond {
		return nil
	}
	if err := c.writeJSON(responseCreate{Type: "response.create"}); err != nil {
		return fmt.Errorf("realtime: inject message: %w", err)
	}
	return nil
}

func (c *Client) writeJSON(v any) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(v)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close discards queued audio, ends the stream and closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.stop)
	c.finish()
drain:
	for {
		select {
		case <-c.audio:
		default:
			break drain
		}
	}

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown"), time.Now().Add(2*time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
