package pbx

import (
	"bufio"
	"strings"
	"testing"
	"time"
)

func TestReadMessageNormalizesKeys(t *testing.T) {
	raw := "\r\nEvent: Hangup\r\nUniqueid: 1700.1\r\nCause: 16\r\nCause-txt: Normal Clearing\r\n\r\n"
	msg, err := readMessage(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !msg.IsEvent() || msg.Name() != "Hangup" {
		t.Fatalf("expected Hangup event, got %v", msg)
	}
	if msg.Get("UNIQUEID") != "1700.1" || msg.Get("cause-txt") != "Normal Clearing" {
		t.Fatalf("unexpected fields %v", msg)
	}
}

func TestReadMessageCollectsOutputLines(t *testing.T) {
	raw := "Response: Follows\r\nActionID: a-1\r\nfirst line\r\nsecond line\r\n\r\n"
	msg, err := readMessage(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Get("output") != "first line\nsecond line" {
		t.Fatalf("unexpected output %q", msg.Get("output"))
	}
	if !msg.Success() {
		t.Fatalf("Follows should count as success")
	}
}

func TestActionEncodeOrder(t *testing.T) {
	a := NewAction("Hangup", "Channel", "PJSIP/100-0001", "Cause", "16").WithID("hangup-1")
	want := "Action: Hangup\r\nActionID: hangup-1\r\nChannel: PJSIP/100-0001\r\nCause: 16\r\n\r\n"
	if got := string(a.encode()); got != want {
		t.Fatalf("encode mismatch\n got %q\nwant %q", got, want)
	}
}

func TestWithDoesNotAliasFields(t *testing.T) {
	base := NewAction("Ping", "A", "1")
	one := base.With("B", "2")
	two := base.With("C", "3")
	if one.Fields[1].Key != "B" || two.Fields[1].Key != "C" {
		t.Fatalf("With must copy fields: %v %v", one.Fields, two.Fields)
	}
}

func TestNewActionIDFormat(t *testing.T) {
	id := NewActionID("Originate")
	parts := strings.Split(id, "-")
	if len(parts) != 3 || parts[0] != "originate" || len(parts[2]) != 8 {
		t.Fatalf("unexpected action id %q", id)
	}
}

func TestOriginateAction(t *testing.T) {
	a := Originate(OriginateRequest{
		Channel:  "Local/5551234@outbound-trunk",
		Context:  "voice-agent",
		CallerID: "agent",
		Timeout:  30 * time.Second,
		Variables: map[string]string{
			"CALL_CORRELATION_UUID": "u",
			"CALL_ATTEMPT_ID":       "7",
		},
	})
	if !a.Async || a.ID() == "" {
		t.Fatalf("originate must be async with an id")
	}
	enc := string(a.encode())
	for _, want := range []string{
		"Exten: s\r\n",
		"Priority: 1\r\n",
		"Timeout: 30000\r\n",
		"Async: true\r\n",
		"Variable: CALL_ATTEMPT_ID=7,CALL_CORRELATION_UUID=u\r\n",
	} {
		if !strings.Contains(enc, want) {
			t.Fatalf("expected %q in %q", want, enc)
		}
	}
}
