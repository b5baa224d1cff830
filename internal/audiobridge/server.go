package audiobridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-voice-agent/internal/bus"
	"github.com/acme/outbound-voice-agent/internal/config"
	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/realtime"
	"github.com/acme/outbound-voice-agent/internal/repository"
	"github.com/acme/outbound-voice-agent/internal/telemetry"
	"github.com/acme/outbound-voice-agent/pkg/logger"
)

// Speech is the realtime session a bridge streams to.
type Speech interface {
	Connect(ctx context.Context) error
	SendAudio(pcm []byte) error
	InjectSystemMessage(ctx context.Context, text string, respond bool) error
	Next(ctx context.Context) ([]byte, bool)
	Close() error
}

// SpeechFactory opens a speech session for an attempt.
type SpeechFactory func(attempt *domain.CallAttempt, onTranscript realtime.TranscriptSink) Speech

// Config tunes the bridge.
type Config struct {
	ListenAddress      string
	SendInterval       time.Duration
	OutputGain         float64
	RecordingDir       string
	RequestLineTimeout time.Duration
	HeaderTimeout      time.Duration
	IdleTimeout        time.Duration
	LookupRetries      int
	LookupInterval     time.Duration
	AIHandshakeTimeout time.Duration
	JoinTimeout        time.Duration
}

// ConfigFrom maps application configuration.
func ConfigFrom(cfg config.AudioBridgeConfig) Config {
	return Config{
		ListenAddress:      cfg.ListenAddress,
		SendInterval:       cfg.SendInterval,
		OutputGain:         cfg.OutputGain,
		RecordingDir:       cfg.RecordingDir,
		RequestLineTimeout: cfg.RequestLineTimeout,
		HeaderTimeout:      cfg.HeaderTimeout,
		IdleTimeout:        cfg.IdleTimeout,
		LookupRetries:      cfg.LookupRetries,
		LookupInterval:     cfg.LookupInterval,
		AIHandshakeTimeout: cfg.AIHandshakeTimeout,
		JoinTimeout:        cfg.JoinTimeout,
	}
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = "0.0.0.0:1200"
	}
	if c.SendInterval <= 0 {
		c.SendInterval = 15 * time.Millisecond
	}
	if c.OutputGain <= 0 {
		c.OutputGain = 1
	}
	if c.RecordingDir == "" {
		c.RecordingDir = "recordings"
	}
	if c.RequestLineTimeout <= 0 {
		c.RequestLineTimeout = 5 * time.Second
	}
	if c.HeaderTimeout <= 0 {
		c.HeaderTimeout = 2 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.LookupRetries <= 0 {
		c.LookupRetries = 3
	}
	if c.LookupInterval <= 0 {
		c.LookupInterval = 200 * time.Millisecond
	}
	if c.AIHandshakeTimeout <= 0 {
		c.AIHandshakeTimeout = 10 * time.Second
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 2 * time.Second
	}
}

// Deps are the bridge's collaborators. Transcripts and Metrics are optional.
type Deps struct {
	Attempts    repository.CallAttemptRepository
	Transcripts repository.TranscriptStore
	Subscriber  bus.Subscriber
	Speech      SpeechFactory
	Metrics     *telemetry.Metrics
	Logger      *logger.Logger
}

// Server accepts AudioSocket connections.
type Server struct {
	cfg  Config
	deps Deps
	log  *logger.Logger

	wg sync.WaitGroup
}

// NewServer constructs a server.
func NewServer(cfg Config, deps Deps) *Server {
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	return &Server{cfg: cfg, deps: deps, log: deps.Logger.Named("audiobridge")}
}

// ListenAndServe listens on the configured address until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("audiobridge: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. Cancelling ctx stops accepting, ends live
// sessions and waits for them to shut down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("audiobridge: listening", zap.String("address", ln.Addr().String()))
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.log.Warn("audiobridge: accept", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Handle(ctx, conn)
		}()
	}
}

// Handle runs one connection to completion and closes it.
func (s *Server) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	sess := newSession(s, conn)
	sess.run(ctx)
}
