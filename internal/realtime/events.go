package realtime

import "encoding/json"

// Server event types the client reacts to.
const (
	eventSessionCreated      = "session.created"
	eventSessionUpdated      = "session.updated"
	eventSessionSuccess      = "session.success"
	eventError               = "error"
	eventAudioDelta          = "response.audio.delta"
	eventAgentTranscriptDone = "response.audio_transcript.done"
	eventCallerTranscript    = "conversation.item.input_audio_transcription.completed"
	eventFunctionCallDone    = "response.function_call_arguments.done"
)

// serverEvent is the union of the server event fields the client reads.
type serverEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Name       string          `json:"name,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	Arguments  string          `json:"arguments,omitempty"`
	Session    *sessionInfo    `json:"session,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

type sessionInfo struct {
	ID string `json:"id"`
}

func isSessionAck(t string) bool {
	return t == eventSessionCreated || t == eventSessionUpdated || t == eventSessionSuccess
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions"`
	Voice                   string               `json:"voice"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection        `json:"turn_detection"`
	Tools                   []toolSchema         `json:"tools,omitempty"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemCreate struct {
	Type string       `json:"type"`
	Item conversation `json:"item"`
}

type conversation struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseCreate struct {
	Type string `json:"type"`
}

func systemMessage(text string) itemCreate {
	return itemCreate{
		Type: "conversation.item.create",
		Item: conversation{
			Type:    "message",
			Role:    "system",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	}
}

func functionOutput(callID, output string) itemCreate {
	return itemCreate{
		Type: "conversation.item.create",
		Item: conversation{Type: "function_call_output", CallID: callID, Output: output},
	}
}
