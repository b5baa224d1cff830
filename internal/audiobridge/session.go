package audiobridge

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/outbound-voice-agent/internal/command"
	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/pkg/logger"
)

const (
	causeBridgeDisconnected = "audio bridge disconnected"
	minPayloadTimeout       = 250 * time.Millisecond
)

type session struct {
	srv  *Server
	cfg  Config
	conn net.Conn
	br   *bufio.Reader
	log  *logger.Logger

	attempt    *domain.CallAttempt
	speech     Speech
	recorder   Recorder
	out        outbound
	peerHangup bool
	frameCount int
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		srv:  srv,
		cfg:  srv.cfg,
		conn: conn,
		br:   bufio.NewReader(conn),
		log:  srv.log.With(zap.String("remote", conn.RemoteAddr().String())),
	}
}

func (s *session) run(ctx context.Context) {
	tracer := otel.Tracer("outbound.audiobridge")
	ctx, span := tracer.Start(ctx, "audiobridge.session")
	defer span.End()

	result := "completed"
	defer func() { s.srv.deps.Metrics.RecordAudioSession(result) }()

	pathID, err := handshake(s.conn, s.br, s.cfg.RequestLineTimeout, s.cfg.HeaderTimeout)
	if err != nil {
		result = "rejected"
		s.log.Warn("audiobridge: handshake failed", zap.Error(err))
		return
	}
	span.SetAttributes(attribute.Int64("call_attempt.id", pathID))
	s.log = s.log.With(zap.Int64("call_attempt_id", pathID))

	attempt, err := s.identify(ctx, pathID)
	if err != nil {
		result = "rejected"
		span.RecordError(err)
		s.log.Warn("audiobridge: session rejected", zap.Error(err))
		return
	}
	s.attempt = attempt
	s.log = s.log.With(zap.String("correlation_uuid", attempt.CorrelationUUID.String()))

	if err := s.awaitHandshake(ctx); err != nil {
		result = "aborted"
		s.log.Warn("audiobridge: handshake wait aborted", zap.Error(err))
		return
	}

	if _, err := s.srv.deps.Attempts.AdvanceStatus(ctx, attempt.ID, domain.CallStatusLiveAIHandling, time.Now().UTC()); err != nil {
		s.log.Error("audiobridge: mark live", zap.Error(err))
	}

	if err := s.stream(ctx); err != nil {
		result = "error"
		span.RecordError(err)
		s.log.Warn("audiobridge: stream ended with error", zap.Error(err))
	}
}

// identify reads the UUID frame and resolves it to the attempt named in the path.
func (s *session) identify(ctx context.Context, pathID int64) (*domain.CallAttempt, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	frame, err := ReadFrame(s.br)
	if err != nil {
		return nil, fmt.Errorf("audiobridge: read first frame: %w", err)
	}
	correlation, err := FrameUUID(frame)
	if err != nil {
		return nil, err
	}

	var attempt *domain.CallAttempt
	for i := 0; i < s.cfg.LookupRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.LookupInterval):
			}
		}
		attempt, err = s.srv.deps.Attempts.GetByCorrelationUUID(ctx, correlation)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("audiobridge: lookup %s: %w", correlation, err)
	}
	if attempt.ID != pathID {
		return nil, fmt.Errorf("%w: uuid %s belongs to attempt %d, path names %d", ErrUnexpectedFrame, correlation, attempt.ID, pathID)
	}
	if attempt.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: attempt %d is %s", ErrAttemptEnded, attempt.ID, attempt.Status)
	}
	return attempt, nil
}

// awaitHandshake waits for the call to be bridged unless it already is.
func (s *session) awaitHandshake(ctx context.Context) error {
	if s.attempt.Status.Rank() >= domain.CallStatusAnswered.Rank() {
		return nil
	}

	sub, err := s.srv.deps.Subscriber.Subscribe(ctx, command.HandshakeTopic(s.attempt.CorrelationUUID))
	if err != nil {
		return fmt.Errorf("audiobridge: subscribe handshake: %w", err)
	}
	defer sub.Close()

	if current, err := s.srv.deps.Attempts.Get(ctx, s.attempt.ID); err == nil {
		s.attempt = current
		if current.Status.IsTerminal() {
			return fmt.Errorf("%w: attempt %d is %s", ErrAttemptEnded, current.ID, current.Status)
		}
		if current.Status.Rank() >= domain.CallStatusAnswered.Rank() {
			return nil
		}
	}

	timer := time.NewTimer(s.cfg.AIHandshakeTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.log.Warn("audiobridge: no handshake before timeout, starting anyway", zap.Duration("timeout", s.cfg.AIHandshakeTimeout))
			return nil
		case env, ok := <-sub.C():
			if !ok {
				return nil
			}
			if hs, isHandshake := env.Command.(command.AIHandshake); isHandshake && hs.CorrelationUUID == s.attempt.CorrelationUUID {
				return nil
			}
		}
	}
}

// children tracks goroutines so shutdown can report which ones did not return.
type children struct {
	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]bool
}

func (c *children) Go(name string, fn func()) {
	c.mu.Lock()
	if c.running == nil {
		c.running = make(map[string]bool)
	}
	c.running[name] = true
	c.mu.Unlock()
	c.wg.Add(1)
	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.running, name)
			c.mu.Unlock()
			c.wg.Done()
		}()
		fn()
	}()
}

// Join waits up to timeout and returns the names still running.
func (c *children) Join(timeout time.Duration) []string {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for n := range c.running {
		names = append(names, n)
	}
	return names
}

func (s *session) stream(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.speech = s.srv.deps.Speech(s.attempt, s.storeTranscript)
	if err := s.speech.Connect(ctx); err != nil {
		s.finalize(nil)
		return fmt.Errorf("audiobridge: open speech session: %w", err)
	}

	var kids children
	snd := &sender{w: s.conn, buf: &s.out, interval: s.cfg.SendInterval, metrics: s.srv.deps.Metrics}
	kids.Go("sender", func() {
		if err := snd.run(ctx); err != nil {
			s.log.Debug("audiobridge: sender stopped", zap.Error(err))
			cancel()
		}
	})
	kids.Go("pump", func() {
		s.pump(ctx)
		cancel()
	})
	kids.Go("inject", func() { s.listenInject(ctx) })
	kids.Go("unblock", func() {
		<-ctx.Done()
		_ = s.conn.SetReadDeadline(time.Now())
	})

	err := s.receive(ctx)
	if ctx.Err() != nil {
		err = nil
	}
	cancel()
	s.finalize(&kids)
	return err
}

func (s *session) receive(ctx context.Context) error {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		kind, n, err := readHeader(s.br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("audiobridge: read header: %w", err)
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(payloadTimeout(n)))
		payload := make([]byte, n)
		if _, err := io.ReadFull(s.br, payload); err != nil {
			return fmt.Errorf("audiobridge: read %s payload: %w", kindName(kind), err)
		}

		switch kind {
		case KindAudio:
			s.frameCount++
			up := Upsample8kTo24k(payload)
			s.recorder.AppendCaller(up)
			if err := s.speech.SendAudio(up); err != nil {
				s.log.Debug("audiobridge: forward caller audio", zap.Error(err))
			}
		case KindHangup:
			s.peerHangup = true
			s.log.Info("audiobridge: peer hung up", zap.Int("frames", s.frameCount))
			return nil
		case KindDTMF:
			s.log.Info("audiobridge: dtmf received", zap.String("digit", string(payload)))
		case KindError:
			s.log.Warn("audiobridge: peer error frame", zap.String("payload", hex.EncodeToString(payload)))
		default:
			s.log.Warn("audiobridge: unknown frame", zap.String("kind", kindName(kind)), zap.Int("length", n))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// payloadTimeout scales with the audio the payload carries.
func payloadTimeout(n int) time.Duration {
	duration := time.Duration(n/2) * time.Second / PBXSampleRate
	if t := 3 * duration; t > minPayloadTimeout {
		return t
	}
	return minPayloadTimeout
}

// pump moves agent audio from the speech session into the outbound buffer.
func (s *session) pump(ctx context.Context) {
	down := Downsampler{Gain: s.cfg.OutputGain}
	for {
		pcm, ok := s.speech.Next(ctx)
		if !ok {
			return
		}
		s.recorder.AppendAgent(pcm)
		if out := down.Process(pcm); len(out) > 0 {
			s.out.Write(out)
		}
	}
}

func (s *session) listenInject(ctx context.Context) {
	sub, err := s.srv.deps.Subscriber.Subscribe(ctx, command.InjectTopic(s.attempt.ID))
	if err != nil {
		s.log.Warn("audiobridge: subscribe inject", zap.Error(err))
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			msg, isInject := env.Command.(command.InjectMessage)
			if !isInject {
				continue
			}
			if err := s.speech.InjectSystemMessage(ctx, msg.Text, msg.RespondImmediately); err != nil {
				s.log.Warn("audiobridge: inject message", zap.Error(err))
				continue
			}
			s.log.Info("audiobridge: message injected", zap.Bool("respond", msg.RespondImmediately))
		}
	}
}

func (s *session) storeTranscript(speaker domain.Speaker, text string) {
	store := s.srv.deps.Transcripts
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry := domain.TranscriptEntry{
		CallAttemptID: s.attempt.ID,
		Speaker:       speaker,
		Text:          text,
		CreatedAt:     time.Now().UTC(),
	}
	if err := store.AppendTranscript(ctx, entry); err != nil {
		s.log.Warn("audiobridge: store transcript", zap.Error(err))
	}
}

// finalize runs once the receive loop has ended.
func (s *session) finalize(kids *children) {
	if s.speech != nil {
		_ = s.speech.Close()
	}
	if kids != nil {
		if stuck := kids.Join(s.cfg.JoinTimeout); len(stuck) > 0 {
			s.log.Warn("audiobridge: abandoning tasks that did not stop", zap.Strings("tasks", stuck))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	path := filepath.Join(s.cfg.RecordingDir, recordingName(s.attempt.ID, s.attempt.CorrelationUUID))
	written, err := s.recorder.WriteWAV(path)
	switch {
	case err != nil:
		s.log.Error("audiobridge: write recording", zap.Error(err))
	case written:
		if err := s.srv.deps.Attempts.SetRecordingPath(ctx, s.attempt.ID, path); err != nil {
			s.log.Error("audiobridge: store recording path", zap.Error(err))
		}
		s.log.Info("audiobridge: recording saved", zap.String("path", path))
	}

	if s.peerHangup {
		return
	}
	current, err := s.srv.deps.Attempts.Get(ctx, s.attempt.ID)
	if err != nil {
		s.log.Error("audiobridge: reload attempt", zap.Error(err))
		return
	}
	if current.Status != domain.CallStatusLiveAIHandling {
		return
	}
	now := time.Now().UTC()
	completion := domain.CallCompletion{
		Status:      domain.CallStatusCompletedSystemHangup,
		HangupCause: causeBridgeDisconnected,
		EndedAt:     now,
	}
	if current.AnsweredAt != nil {
		completion.DurationSeconds = int(now.Sub(*current.AnsweredAt).Seconds())
	}
	applied, err := s.srv.deps.Attempts.Complete(ctx, s.attempt.ID, completion)
	if err != nil {
		s.log.Error("audiobridge: mark disconnected", zap.Error(err))
		return
	}
	if applied {
		s.log.Warn("audiobridge: bridge closed without hangup, call marked ended")
	}
}

func recordingName(id int64, correlation uuid.UUID) string {
	return fmt.Sprintf("call_%d_%s.wav", id, correlation.String())
}
