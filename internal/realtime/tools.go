package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/acme/outbound-voice-agent/internal/command"
)

const defaultUserInfoTimeout = 30

type toolSchema struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": props, "required": required}
}

// toolSchemas are advertised to the model in session.update.
var toolSchemas = []toolSchema{
	{
		Type:        "function",
		Name:        string(command.TypeEndCall),
		Description: "End the phone call. Put your final spoken words in final_message so the hangup waits for them.",
		Parameters: objectSchema([]string{"reason", "final_message", "outcome"}, map[string]any{
			"reason":        stringProp("Why the call is ending."),
			"final_message": stringProp("The exact words spoken before hanging up."),
			"outcome": map[string]any{
				"type":        "string",
				"enum":        []string{command.OutcomeObjectiveMet, "objective_not_met"},
				"description": "Whether the task objective was achieved.",
			},
		}),
	},
	{
		Type:        "function",
		Name:        string(command.TypeSendDtmf),
		Description: "Press keypad digits, for example to navigate a phone menu.",
		Parameters: objectSchema([]string{"digits"}, map[string]any{
			"digits": stringProp("Digits to press: 0-9, * and #."),
		}),
	},
	{
		Type:        "function",
		Name:        string(command.TypeRescheduleCall),
		Description: "End the call and schedule another attempt later.",
		Parameters: objectSchema([]string{"reason"}, map[string]any{
			"reason":           stringProp("Why the call should be retried."),
			"time_description": stringProp("When the recipient asked to be called back."),
		}),
	},
	{
		Type:        "function",
		Name:        string(command.TypeRequestUserInfo),
		Description: "Ask the task creator a question while keeping the recipient on the line.",
		Parameters: objectSchema([]string{"question"}, map[string]any{
			"question":          stringProp("The question for the task creator."),
			"recipient_message": stringProp("What to tell the recipient while waiting."),
			"timeout_seconds":   map[string]any{"type": "integer", "description": "How long to wait for an answer."},
		}),
	},
}

// toolCommand converts a function call into the command it requests and the
// result reported back to the model.
func toolCommand(name, arguments string) (command.Command, map[string]any, error) {
	args := strings.TrimSpace(arguments)
	if args == "" {
		args = "{}"
	}

	switch command.Type(name) {
	case command.TypeEndCall:
		var cmd command.EndCall
		if err := json.Unmarshal([]byte(args), &cmd); err != nil {
			return nil, nil, fmt.Errorf("realtime: end_call arguments: %w", err)
		}
		if cmd.Outcome == "success" {
			cmd.Outcome = command.OutcomeObjectiveMet
		}
		return cmd, map[string]any{"status": "ending_call"}, nil

	case command.TypeSendDtmf:
		var cmd command.SendDtmf
		if err := json.Unmarshal([]byte(args), &cmd); err != nil {
			return nil, nil, fmt.Errorf("realtime: send_dtmf arguments: %w", err)
		}
		cmd.Digits = strings.TrimSpace(cmd.Digits)
		if cmd.Digits == "" || strings.Trim(cmd.Digits, "0123456789*#") != "" {
			return nil, nil, fmt.Errorf("realtime: send_dtmf: invalid digits %q", cmd.Digits)
		}
		return cmd, map[string]any{"status": "sent", "digits": cmd.Digits}, nil

	case command.TypeRescheduleCall:
		var cmd command.RescheduleCall
		if err := json.Unmarshal([]byte(args), &cmd); err != nil {
			return nil, nil, fmt.Errorf("realtime: reschedule_call arguments: %w", err)
		}
		return cmd, map[string]any{"status": "rescheduled", "time_description": cmd.TimeDescription}, nil

	case command.TypeRequestUserInfo:
		var cmd command.RequestUserInfo
		if err := json.Unmarshal([]byte(args), &cmd); err != nil {
			return nil, nil, fmt.Errorf("realtime: request_user_info arguments: %w", err)
		}
		if strings.TrimSpace(cmd.Question) == "" {
			return nil, nil, fmt.Errorf("realtime: request_user_info: empty question")
		}
		if cmd.TimeoutSeconds <= 0 {
			cmd.TimeoutSeconds = defaultUserInfoTimeout
		}
		return cmd, map[string]any{
			"status":          "question_sent",
			"timeout_seconds": cmd.TimeoutSeconds,
			"instruction":     "Keep the recipient engaged. The answer will arrive as a system message.",
		}, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", command.ErrUnknownCommand, name)
}
