package domain

import "testing"

func TestCanTransitionMovesForwardOnly(t *testing.T) {
	if !CanTransition(CallStatusPendingOrigination, CallStatusOriginating) {
		t.Fatalf("expected PENDING_ORIGINATION -> ORIGINATING to be allowed")
	}
	if !CanTransition(CallStatusDialing, CallStatusAnswered) {
		t.Fatalf("expected skipping RINGING to be allowed")
	}
	if CanTransition(CallStatusRinging, CallStatusDialing) {
		t.Fatalf("expected RINGING -> DIALING to be rejected")
	}
	if CanTransition(CallStatusAnswered, CallStatusAnswered) {
		t.Fatalf("expected self transition to be rejected")
	}
	if !CanTransition(CallStatusOriginating, CallStatusFailedBusy) {
		t.Fatalf("expected ORIGINATING -> FAILED_BUSY to be allowed")
	}
}

func TestTerminalStatesAreNeverLeft(t *testing.T) {
	terminals := []CallStatus{
		CallStatusCompletedAIObjectiveMet,
		CallStatusCompletedUserHangup,
		CallStatusFailedBusy,
		CallStatusFailedInternalError,
	}
	targets := append([]CallStatus{}, ActiveCallStatuses...)
	targets = append(targets, terminals...)

	for _, from := range terminals {
		for _, to := range targets {
			if CanTransition(from, to) {
				t.Errorf("expected %s -> %s to be rejected", from, to)
			}
		}
	}
}

func TestPredecessorsOf(t *testing.T) {
	preds := PredecessorsOf(CallStatusRinging)
	if len(preds) != 3 {
		t.Fatalf("expected 3 predecessors of RINGING, got %v", preds)
	}
	for _, p := range preds {
		if p.Rank() >= CallStatusRinging.Rank() {
			t.Fatalf("unexpected predecessor %s", p)
		}
	}

	terminalPreds := PredecessorsOf(CallStatusCompletedSystemHangup)
	if len(terminalPreds) != len(ActiveCallStatuses) {
		t.Fatalf("expected every active status to precede a terminal one, got %v", terminalPreds)
	}

	if got := PredecessorsOf(CallStatusPendingOrigination); len(got) != 0 {
		t.Fatalf("expected no predecessors of the initial status, got %v", got)
	}
}

func TestEarlyStatuses(t *testing.T) {
	for _, s := range EarlyCallStatuses {
		if s.Rank() >= CallStatusAnswered.Rank() {
			t.Fatalf("status %s is not early", s)
		}
	}
}
