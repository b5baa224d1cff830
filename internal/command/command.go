// Package command defines the control messages exchanged between the speech
// session, the call attempt actor and the audio bridge over the command bus.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// ErrUnknownCommand is returned for envelopes with an unrecognised discriminant.
var ErrUnknownCommand = errors.New("command: unknown command type")

// Type is the discriminant carried in every envelope.
type Type string

const (
	TypeEndCall         Type = "end_call"
	TypeSendDtmf        Type = "send_dtmf"
	TypeRescheduleCall  Type = "reschedule_call"
	TypeRequestUserInfo Type = "request_user_info"
	TypeAIHandshake     Type = "ai_handshake"
	TypeInjectMessage   Type = "inject_message"
)

// Command is implemented by every variant.
type Command interface {
	Type() Type
}

// EndCall asks the attempt to hang up once the final message has been spoken.
type EndCall struct {
	Reason       string `json:"reason"`
	FinalMessage string `json:"final_message,omitempty"`
	Outcome      string `json:"outcome,omitempty"`
}

// SendDtmf plays digits to the callee.
type SendDtmf struct {
	Digits string `json:"digits"`
}

// RescheduleCall ends the call and asks for a later attempt.
type RescheduleCall struct {
	Reason          string `json:"reason"`
	TimeDescription string `json:"time_description,omitempty"`
}

// RequestUserInfo asks the task owner a question while the call is live.
type RequestUserInfo struct {
	Question         string `json:"question"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	RecipientMessage string `json:"recipient_message,omitempty"`
}

// AIHandshake tells the audio bridge the call is bridged and audio may flow.
type AIHandshake struct {
	CorrelationUUID uuid.UUID `json:"correlation_uuid"`
}

// InjectMessage inserts a system message into the live conversation.
type InjectMessage struct {
	Text               string `json:"text"`
	RespondImmediately bool   `json:"respond_immediately"`
}

func (EndCall) Type() Type         { return TypeEndCall }
func (SendDtmf) Type() Type        { return TypeSendDtmf }
func (RescheduleCall) Type() Type  { return TypeRescheduleCall }
func (RequestUserInfo) Type() Type { return TypeRequestUserInfo }
func (AIHandshake) Type() Type     { return TypeAIHandshake }
func (InjectMessage) Type() Type   { return TypeInjectMessage }

// Outcome values accepted on EndCall.
const (
	OutcomeObjectiveMet = "objective_met"
	OutcomeReschedule   = "reschedule"
)

// Envelope is a decoded bus message.
type Envelope struct {
	CallAttemptID int64
	Command       Command
}

type header struct {
	CommandType   Type  `json:"command_type"`
	CallAttemptID int64 `json:"call_attempt_id"`
}

// Encode serialises a command with its discriminant and addressee.
func Encode(callAttemptID int64, cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("command: encode: nil command")
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("command: encode %s: %w", cmd.Type(), err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("command: encode %s: %w", cmd.Type(), err)
	}
	fields["command_type"] = json.RawMessage(strconv.Quote(string(cmd.Type())))
	fields["call_attempt_id"] = json.RawMessage(strconv.FormatInt(callAttemptID, 10))

	return json.Marshal(fields)
}

// Decode parses an envelope, rejecting unknown command types.
func Decode(data []byte) (Envelope, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return Envelope{}, fmt.Errorf("command: decode header: %w", err)
	}

	var (
		cmd Command
		err error
	)
	switch h.CommandType {
	case TypeEndCall:
		cmd, err = decodeAs[EndCall](data)
	case TypeSendDtmf:
		cmd, err = decodeAs[SendDtmf](data)
	case TypeRescheduleCall:
		cmd, err = decodeAs[RescheduleCall](data)
	case TypeRequestUserInfo:
		cmd, err = decodeAs[RequestUserInfo](data)
	case TypeAIHandshake:
		cmd, err = decodeAs[AIHandshake](data)
	case TypeInjectMessage:
		cmd, err = decodeAs[InjectMessage](data)
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownCommand, h.CommandType)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("command: decode %s: %w", h.CommandType, err)
	}

	return Envelope{CallAttemptID: h.CallAttemptID, Command: cmd}, nil
}

func decodeAs[T Command](data []byte) (Command, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
