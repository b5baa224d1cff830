package audiobridge

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestRecorderWritesPaddedStereoWAV(t *testing.T) {
	var r Recorder
	r.AppendCaller(pcmOf(1, 2, 3))
	r.AppendAgent(pcmOf(9))

	path := filepath.Join(t.TempDir(), "calls", "rec.wav")
	written, err := r.WriteWAV(path)
	if err != nil || !written {
		t.Fatalf("write: written=%v err=%v", written, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF header")
	}
	if ch := binary.LittleEndian.Uint16(data[22:24]); ch != 2 {
		t.Fatalf("expected stereo, got %d channels", ch)
	}
	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != 24000 {
		t.Fatalf("expected 24 kHz, got %d", rate)
	}
	frames := samples(data[44:])
	want := []int16{1, 9, 2, 0, 3, 0}
	if len(frames) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(frames))
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], frames[i])
		}
	}
}

func TestRecorderSkipsEmptySession(t *testing.T) {
	var r Recorder
	path := filepath.Join(t.TempDir(), "empty.wav")
	written, err := r.WriteWAV(path)
	if err != nil || written {
		t.Fatalf("expected nothing written, got written=%v err=%v", written, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("no file should exist, stat err=%v", err)
	}
}
