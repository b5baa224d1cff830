package audiobridge

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/acme/outbound-voice-agent/internal/telemetry"
)

// outbound buffers 8 kHz agent audio waiting to be framed.
type outbound struct {
	mu  sync.Mutex
	buf []byte
}

func (o *outbound) Write(p []byte) {
	o.mu.Lock()
	o.buf = append(o.buf, p...)
	o.mu.Unlock()
}

// take removes exactly n bytes, or nothing if fewer are buffered.
func (o *outbound) take(n int) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.buf) < n {
		return nil, false
	}
	chunk := make([]byte, n)
	copy(chunk, o.buf[:n])
	o.buf = o.buf[n:]
	return chunk, true
}

func (o *outbound) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.buf)
}

var silentFrame = EncodeFrame(KindAudio, make([]byte, FrameBytes))

// sender writes one AUDIO frame per tick, real audio when a full frame is
// buffered and silence otherwise.
type sender struct {
	w        io.Writer
	buf      *outbound
	interval time.Duration
	metrics  *telemetry.Metrics
}

func (s *sender) run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := s.tick(); err != nil {
			return err
		}
	}
}

func (s *sender) tick() error {
	if chunk, ok := s.buf.take(FrameBytes); ok {
		s.metrics.RecordFrame(false)
		_, err := s.w.Write(EncodeFrame(KindAudio, chunk))
		return err
	}
	s.metrics.RecordFrame(true)
	_, err := s.w.Write(silentFrame)
	return err
}
