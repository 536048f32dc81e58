// Package resolution holds the pure decision tables that the scheduling
// and communication producers consult before emitting work-item resolve
// or reopen events. The tables are total: every input yields a
// deterministic decision and reason, and the absence of a rule is a
// negative decision, not an error.
package resolution

// Signal types classify why a work item exists.
const (
	SignalFollowUpDue         = "follow_up_due"
	SignalDealStalled         = "deal_stalled"
	SignalChurnRisk           = "churn_risk"
	SignalTrialEnding         = "trial_ending"
	SignalOpportunityDetected = "opportunity_detected"
	SignalMessageNeedsReply   = "message_needs_reply"
	SignalPromiseAtRisk       = "promise_at_risk"
	SignalMeetingScheduled    = "meeting_scheduled"
)

// Scheduling event types emitted by the scheduling subsystem.
const (
	SchedulingEventMeetingBooked       = "MeetingBooked"
	SchedulingEventSchedulingRequested = "SchedulingRequested"
	SchedulingEventMeetingCancelled    = "MeetingCancelled"
)

// Decision is the outcome of consulting a rule table.
type Decision struct {
	Resolves bool   `json:"resolves"`
	Reason   string `json:"reason"`
}

// ReopenDecision is the outcome of the reopen-on-cancel table.
type ReopenDecision struct {
	ShouldReopen bool   `json:"should_reopen"`
	Reason       string `json:"reason"`
}

// meetingBoundSignals resolve when a meeting is actually booked, and
// reopen when that meeting is later cancelled.
var meetingBoundSignals = map[string]bool{
	SignalFollowUpDue: true,
	SignalDealStalled: true,
	SignalChurnRisk:   true,
	SignalTrialEnding: true,
}

// SchedulingResolution decides whether a scheduling-subsystem event
// resolves a work item with the given signal type.
func SchedulingResolution(signalType, schedulingEventType string, wasBooked bool) Decision {
	if meetingBoundSignals[signalType] {
		if schedulingEventType == SchedulingEventMeetingBooked && wasBooked {
			return Decision{Resolves: true, Reason: "Meeting booked for " + signalType + " signal"}
		}
		return Decision{Resolves: false, Reason: "Signal " + signalType + " requires a booked meeting"}
	}

	if signalType == SignalOpportunityDetected {
		// An opportunity only needs scheduling intent, not a booking.
		switch schedulingEventType {
		case SchedulingEventMeetingBooked, SchedulingEventSchedulingRequested:
			return Decision{Resolves: true, Reason: "Scheduling initiated for detected opportunity"}
		}
		return Decision{Resolves: false, Reason: "Scheduling event does not act on detected opportunity"}
	}

	if signalType == SignalMessageNeedsReply {
		return Decision{Resolves: false, Reason: "Signal message_needs_reply requires a reply, not scheduling"}
	}

	return Decision{Resolves: false, Reason: "No scheduling resolution rule for signal type"}
}

// ReopenOnCancel decides whether cancelling the associated meeting should
// reopen a work item that scheduling previously resolved.
func ReopenOnCancel(signalType string) ReopenDecision {
	if meetingBoundSignals[signalType] {
		return ReopenDecision{ShouldReopen: true, Reason: "Meeting cancelled before " + signalType + " signal was addressed"}
	}
	if signalType == SignalOpportunityDetected {
		return ReopenDecision{ShouldReopen: false, Reason: "Signal opportunity_detected does not require reopening on cancel"}
	}
	return ReopenDecision{ShouldReopen: false, Reason: "Signal " + signalType + " does not require reopening"}
}

// ReplyResolution decides whether an outbound reply resolves a work item.
// replyTargetID is the message the reply targets; triggerID is the
// message that raised the signal.
func ReplyResolution(signalType, replyTargetID, triggerID string, isSchedulingReply bool) Decision {
	switch signalType {
	case SignalMessageNeedsReply:
		if triggerID == "" {
			return Decision{Resolves: false, Reason: "Signal has no triggering message to reply to"}
		}
		if replyTargetID == triggerID {
			return Decision{Resolves: true, Reason: "Reply sent to the triggering message"}
		}
		return Decision{Resolves: false, Reason: "Reply targets a different message than the trigger"}

	case SignalFollowUpDue, SignalPromiseAtRisk:
		return Decision{Resolves: true, Reason: "Any outbound reply addresses " + signalType + " signal"}

	case SignalMeetingScheduled:
		if isSchedulingReply {
			return Decision{Resolves: true, Reason: "Scheduling reply confirms the meeting"}
		}
		return Decision{Resolves: false, Reason: "Reply is not a scheduling reply"}

	default:
		return Decision{Resolves: false, Reason: "No resolution rule for signal type"}
	}
}
