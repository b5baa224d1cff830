package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acme/outbound-voice-agent/internal/bus"
	"github.com/acme/outbound-voice-agent/internal/command"
	"github.com/acme/outbound-voice-agent/internal/domain"
)

type fakeServer struct {
	url      string
	close    func()
	conns    atomic.Int32
	lastAuth atomic.Value
}

func newFakeServer(t *testing.T, handler func(conn *websocket.Conn, n int)) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.lastAuth.Store(r.Header.Get("Authorization"))
		if r.URL.Query().Get("model") != "test-model" {
			http.Error(w, "missing model", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		n := int(fs.conns.Add(1))
		handler(conn, n)
	}))
	fs.url = "ws" + strings.TrimPrefix(server.URL, "http")
	fs.close = server.Close
	return fs
}

// acceptSession reads session.update and acknowledges it.
func acceptSession(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var update map[string]any
	if err := conn.ReadJSON(&update); err != nil {
		t.Errorf("read session.update: %v", err)
		return nil
	}
	_ = conn.WriteJSON(map[string]any{"type": "session.created", "session": map[string]any{"id": "sess_1"}})
	return update
}

func testConfig(url string) Config {
	return Config{
		URL:             url,
		Model:           "test-model",
		APIKey:          "sk-test",
		ConnectAttempts: 3,
		BaseRetryDelay:  time.Millisecond,
		AckTimeout:      time.Second,
	}
}

func newTestClient(cfg Config, opts Options) *Client {
	c := New(cfg, opts)
	c.jitter = func() time.Duration { return 0 }
	return c
}

func TestConnectConfiguresSessionAndStreamsAudio(t *testing.T) {
	updates := make(chan map[string]any, 1)
	fs := newFakeServer(t, func(conn *websocket.Conn, _ int) {
		defer conn.Close()
		updates <- acceptSession(t, conn)
		delta := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
		_ = conn.WriteJSON(map[string]any{"type": "response.audio.delta", "delta": delta})
		_ = conn.WriteJSON(map[string]any{"type": "response.audio_transcript.done", "transcript": "hello there"})
		_ = conn.WriteJSON(map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "hi"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer fs.close()

	var mu sync.Mutex
	var lines []string
	c := newTestClient(testConfig(fs.url), Options{
		CallAttemptID: 7,
		Instructions:  "be brief",
		OnTranscript: func(s domain.Speaker, text string) {
			mu.Lock()
			lines = append(lines, string(s)+":"+text)
			mu.Unlock()
		},
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	update := <-updates
	if update["type"] != "session.update" {
		t.Fatalf("expected session.update, got %v", update["type"])
	}
	session := update["session"].(map[string]any)
	if session["instructions"] != "be brief" || session["input_audio_format"] != "pcm16" {
		t.Fatalf("unexpected session config %v", session)
	}
	turn := session["turn_detection"].(map[string]any)
	if turn["type"] != "server_vad" || turn["silence_duration_ms"].(float64) != 1500 {
		t.Fatalf("unexpected turn detection %v", turn)
	}
	if got := fs.lastAuth.Load(); got != "Bearer sk-test" {
		t.Fatalf("unexpected auth header %v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pcm, ok := c.Next(ctx)
	if !ok || len(pcm) != 4 || pcm[3] != 4 {
		t.Fatalf("expected decoded audio, got %v %v", pcm, ok)
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(lines)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected two transcript lines, got %v", lines)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if lines[0] != "agent:hello there" || lines[1] != "caller:hi" {
		t.Fatalf("unexpected transcripts %v", lines)
	}
}

func TestToolCallPublishesCommandAndReturnsOutput(t *testing.T) {
	replies := make(chan map[string]any, 4)
	fs := newFakeServer(t, func(conn *websocket.Conn, _ int) {
		defer conn.Close()
		acceptSession(t, conn)
		_ = conn.WriteJSON(map[string]any{
			"type":      "response.function_call_arguments.done",
			"name":      "send_dtmf",
			"call_id":   "call_1",
			"arguments": `{"digits":"12#"}`,
		})
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			replies <- msg
		}
	})
	defer fs.close()

	b := bus.NewMemory()
	sub, _ := b.Subscribe(context.Background(), command.CommandTopic(7))
	defer sub.Close()

	c := newTestClient(testConfig(fs.url), Options{CallAttemptID: 7, Publisher: b})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	select {
	case env := <-sub.C():
		dtmf, ok := env.Command.(command.SendDtmf)
		if !ok || dtmf.Digits != "12#" || env.CallAttemptID != 7 {
			t.Fatalf("unexpected envelope %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatalf("tool call was not published")
	}

	first := <-replies
	item := first["item"].(map[string]any)
	if first["type"] != "conversation.item.create" || item["type"] != "function_call_output" || item["call_id"] != "call_1" {
		t.Fatalf("unexpected tool output %v", first)
	}
	var output map[string]any
	if err := json.Unmarshal([]byte(item["output"].(string)), &output); err != nil || output["status"] != "sent" {
		t.Fatalf("unexpected output payload %v", item["output"])
	}
	if second := <-replies; second["type"] != "response.create" {
		t.Fatalf("expected response.create, got %v", second["type"])
	}
}

func TestConnectUnauthorizedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer server.Close()

	c := newTestClient(testConfig("ws"+strings.TrimPrefix(server.URL, "http")), Options{})
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single handshake, got %d", hits.Load())
	}
}

func TestConnectRetriesThenFails(t *testing.T) {
	fs := newFakeServer(t, func(conn *websocket.Conn, _ int) {
		var update map[string]any
		_ = conn.ReadJSON(&update)
		_ = conn.WriteJSON(map[string]any{"type": "error", "error": map[string]any{"message": "nope"}})
		conn.Close()
	})
	defer fs.close()

	c := newTestClient(testConfig(fs.url), Options{})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("expected connect failure")
	}
	if fs.conns.Load() != 3 {
		t.Fatalf("expected 3 connection attempts, got %d", fs.conns.Load())
	}
}

func TestReconnectsAfterEstablishedSessionDrops(t *testing.T) {
	fs := newFakeServer(t, func(conn *websocket.Conn, n int) {
		defer conn.Close()
		acceptSession(t, conn)
		if n == 1 {
			return
		}
		delta := base64.StdEncoding.EncodeToString([]byte{9, 9})
		_ = conn.WriteJSON(map[string]any{"type": "response.audio.delta", "delta": delta})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer fs.close()

	c := newTestClient(testConfig(fs.url), Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pcm, ok := c.Next(ctx)
	if !ok || len(pcm) != 2 {
		t.Fatalf("expected audio from the second session, got %v %v", pcm, ok)
	}
	if fs.conns.Load() != 2 {
		t.Fatalf("expected one reconnect, got %d connections", fs.conns.Load())
	}
}

func TestCloseEndsStream(t *testing.T) {
	fs := newFakeServer(t, func(conn *websocket.Conn, _ int) {
		defer conn.Close()
		acceptSession(t, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer fs.close()

	c := newTestClient(testConfig(fs.url), Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.SendAudio([]byte{0, 0}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, ok := c.Next(context.Background()); ok {
		t.Fatalf("expected end of stream after close")
	}
	if err := c.SendAudio([]byte{0, 0}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestToolCommandValidation(t *testing.T) {
	if _, _, err := toolCommand("send_dtmf", `{"digits":"12a"}`); err == nil {
		t.Fatalf("expected invalid digits to be rejected")
	}
	if _, _, err := toolCommand("launch_rocket", `{}`); !errors.Is(err, command.ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
	cmd, _, err := toolCommand("end_call", `{"reason":"done","final_message":"bye","outcome":"success"}`)
	if err != nil {
		t.Fatalf("end_call: %v", err)
	}
	if end := cmd.(command.EndCall); end.Outcome != command.OutcomeObjectiveMet {
		t.Fatalf("expected success to map to objective met, got %q", end.Outcome)
	}
	cmd, _, _ = toolCommand("request_user_info", `{"question":"which time?"}`)
	if req := cmd.(command.RequestUserInfo); req.TimeoutSeconds != defaultUserInfoTimeout {
		t.Fatalf("expected default timeout, got %d", req.TimeoutSeconds)
	}
}
