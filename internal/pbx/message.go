package pbx

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is a normalized AMI record. Keys are lower-cased; listeners must not mutate it.
type Message map[string]string

const presumedKey = "x-presumed"

// Get returns the value of a key regardless of its case on the wire.
func (m Message) Get(key string) string {
	return m[strings.ToLower(key)]
}

// Name returns the event name, empty for responses.
func (m Message) Name() string {
	return m["event"]
}

// IsEvent reports whether the message is an unsolicited event.
func (m Message) IsEvent() bool {
	_, ok := m["event"]
	return ok
}

// ActionID returns the correlation id echoed by the PBX.
func (m Message) ActionID() string {
	return m["actionid"]
}

// Success reports whether a response acknowledged the action.
func (m Message) Success() bool {
	switch strings.ToLower(m["response"]) {
	case "success", "goodbye", "follows", "pong":
		return true
	}
	return false
}

// Presumed reports whether the response was synthesised after an async action timed out.
func (m Message) Presumed() bool {
	return m[presumedKey] == "true"
}

// Clone copies the message.
func (m Message) Clone() Message {
	out := make(Message, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Field is one ordered key/value line of an action.
type Field struct {
	Key   string
	Value string
}

// Action is a request sent to the PBX.
type Action struct {
	Name   string
	Fields []Field
	// Async marks actions whose reply may never arrive; a timeout is then a presumptive success.
	Async bool
	id    string
}

// NewAction builds an action from alternating key/value pairs.
func NewAction(name string, kv ...string) Action {
	a := Action{Name: name}
	for i := 0; i+1 < len(kv); i += 2 {
		a.Fields = append(a.Fields, Field{Key: kv[i], Value: kv[i+1]})
	}
	return a
}

// With appends a field.
func (a Action) With(key, value string) Action {
	a.Fields = append(a.Fields[:len(a.Fields):len(a.Fields)], Field{Key: key, Value: value})
	return a
}

// WithID pins the ActionID instead of generating one on send.
func (a Action) WithID(id string) Action {
	a.id = id
	return a
}

// ID returns the ActionID, empty until assigned.
func (a Action) ID() string {
	return a.id
}

// NewActionID returns "<action>-<unix ms>-<8 hex>".
func NewActionID(name string) string {
	return fmt.Sprintf("%s-%d-%s", strings.ToLower(name), time.Now().UnixMilli(), uuid.NewString()[:8])
}

func (a Action) encode() []byte {
	var buf bytes.Buffer
	buf.WriteString("Action: ")
	buf.WriteString(a.Name)
	buf.WriteString("\r\n")
	if a.id != "" {
		buf.WriteString("ActionID: ")
		buf.WriteString(a.id)
		buf.WriteString("\r\n")
	}
	for _, f := range a.Fields {
		buf.WriteString(f.Key)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// readMessage reads one blank-line terminated record.
func readMessage(r *bufio.Reader) (Message, error) {
	msg := Message{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(msg) == 0 {
				continue
			}
			return msg, nil
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			if prev, exists := msg["output"]; exists {
				msg["output"] = prev + "\n" + line
			} else {
				msg["output"] = line
			}
			continue
		}
		msg[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
}
