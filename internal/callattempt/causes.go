package callattempt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/acme/outbound-voice-agent/internal/domain"
)

// Q.850 cause codes the state machine distinguishes.
const (
	causeUnallocatedNumber = 1
	causeNormalClearing    = 16
	causeUserBusy          = 17
	causeNoUserResponse    = 18
	causeNoAnswer          = 19
	causeCallRejected      = 21
	causeCongestion        = 34
)

// dialStatusResult maps DialEnd's DialStatus. ok is false for unknown values.
func dialStatusResult(dialStatus string) (domain.CallStatus, bool) {
	switch strings.ToUpper(dialStatus) {
	case "ANSWER":
		return domain.CallStatusAnswered, true
	case "NOANSWER", "CANCEL":
		return domain.CallStatusFailedNoAnswer, true
	case "BUSY":
		return domain.CallStatusFailedBusy, true
	case "CONGESTION":
		return domain.CallStatusFailedCongestion, true
	case "CHANUNAVAIL":
		return domain.CallStatusFailedChannelUnavailable, true
	}
	return "", false
}

// originateFailureStatus maps the Reason of a failed OriginateResponse.
func originateFailureStatus(reason string) domain.CallStatus {
	switch strings.TrimSpace(reason) {
	case "3":
		return domain.CallStatusFailedNoAnswer
	case "5":
		return domain.CallStatusFailedBusy
	case "8":
		return domain.CallStatusFailedCongestion
	}
	return domain.CallStatusFailedChannelUnavailable
}

// hangupStatus maps a hangup cause. deferToAI is set for normal clearing, where a
// conclusive AI status already stored takes precedence over USER_HANGUP.
func hangupStatus(cause int) (status domain.CallStatus, deferToAI bool) {
	switch cause {
	case causeNormalClearing:
		return domain.CallStatusCompletedUserHangup, true
	case causeUserBusy:
		return domain.CallStatusFailedBusy, false
	case causeNoUserResponse, causeNoAnswer, causeCallRejected:
		return domain.CallStatusFailedNoAnswer, false
	case causeUnallocatedNumber:
		return domain.CallStatusFailedInvalidNumber, false
	case causeCongestion:
		return domain.CallStatusFailedCongestion, false
	}
	return domain.CallStatusCompletedSystemHangup, false
}

func parseCause(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}

func causeString(text string, code int) string {
	if text == "" {
		text = "Unknown"
	}
	return fmt.Sprintf("%s (Code: %d)", text, code)
}
