package audiobridge

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const recordingSampleRate = 24000

// Recorder keeps both sides of a call at 24 kHz.
type Recorder struct {
	mu     sync.Mutex
	caller []byte
	agent  []byte
}

// AppendCaller adds upsampled caller audio.
func (r *Recorder) AppendCaller(pcm []byte) {
	r.mu.Lock()
	r.caller = append(r.caller, pcm...)
	r.mu.Unlock()
}

// AppendAgent adds agent audio as received.
func (r *Recorder) AppendAgent(pcm []byte) {
	r.mu.Lock()
	r.agent = append(r.agent, pcm...)
	r.mu.Unlock()
}

// Stereo interleaves caller (left) and agent (right), zero-padding the shorter side.
func (r *Recorder) Stereo() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	left, right := len(r.caller)/2, len(r.agent)/2
	n := max(left, right)
	out := make([]byte, 4*n)
	for i := 0; i < n; i++ {
		if i < left {
			copy(out[4*i:4*i+2], r.caller[2*i:2*i+2])
		}
		if i < right {
			copy(out[4*i+2:4*i+4], r.agent[2*i:2*i+2])
		}
	}
	return out
}

// WriteWAV writes the stereo recording to path. It reports false without
// creating a file when nothing was recorded.
func (r *Recorder) WriteWAV(path string) (bool, error) {
	data := r.Stereo()
	if len(data) == 0 {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("audiobridge: recording dir: %w", err)
	}
	if err := os.WriteFile(path, wav(data, recordingSampleRate, 2), 0o644); err != nil {
		return false, fmt.Errorf("audiobridge: write recording: %w", err)
	}
	return true, nil
}

func wav(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	blockAlign := channels * bitsPerSample / 8
	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(pcm)))
	return append(header, pcm...)
}
