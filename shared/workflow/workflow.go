package workflow

import "strings"

const (
	FacilityStatusPlanned  = "planned"
	FacilityStatusOpen     = "open"
	FacilityStatusStandby  = "standby"
	FacilityStatusClosed   = "closed"
	FacilityStatusCanceled = "canceled"
)

const (
	AssignmentStatusDraft      = "draft"
	AssignmentStatusAssigned   = "assigned"
	AssignmentStatusInProgress = "in_progress"
	AssignmentStatusCompleted  = "completed"
	AssignmentStatusCanceled   = "canceled"
)

const (
	ChannelStateDisconnected = "disconnected"
	ChannelStateConnecting   = "connecting"
	ChannelStateSubscribed   = "subscribed"
	ChannelStateTracking     = "tracking"
	ChannelStateIdle         = "idle"
)

// Aggregates are never hard-deleted: closed and canceled are terminal states
// that preserve the audit trail.
var facilityTransitions = map[string]map[string]bool{
	FacilityStatusPlanned: {
		FacilityStatusOpen:     true,
		FacilityStatusClosed:   true,
		FacilityStatusCanceled: true,
	},
	FacilityStatusOpen: {
		FacilityStatusStandby: true,
		FacilityStatusClosed:  true,
	},
	FacilityStatusStandby: {
		FacilityStatusOpen:   true,
		FacilityStatusClosed: true,
	},
}

var assignmentTransitions = map[string]map[string]bool{
	AssignmentStatusDraft: {
		AssignmentStatusAssigned: true,
		AssignmentStatusCanceled: true,
	},
	AssignmentStatusAssigned: {
		AssignmentStatusInProgress: true,
		AssignmentStatusCanceled:   true,
	},
	AssignmentStatusInProgress: {
		AssignmentStatusCompleted: true,
		AssignmentStatusCanceled:  true,
	},
}

var channelTransitions = map[string]map[string]bool{
	ChannelStateDisconnected: {
		ChannelStateConnecting: true,
	},
	ChannelStateConnecting: {
		ChannelStateSubscribed:   true,
		ChannelStateDisconnected: true,
	},
	ChannelStateSubscribed: {
		ChannelStateTracking:     true,
		ChannelStateIdle:         true,
		ChannelStateDisconnected: true,
	},
	ChannelStateTracking: {
		ChannelStateIdle:         true,
		ChannelStateDisconnected: true,
	},
	ChannelStateIdle: {
		ChannelStateTracking:     true,
		ChannelStateDisconnected: true,
	},
}

func Normalize(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func CanFacilityTransition(from string, to string) bool {
	return canTransition(facilityTransitions, from, to)
}

func CanAssignmentTransition(from string, to string) bool {
	return canTransition(assignmentTransitions, from, to)
}

func CanChannelTransition(from string, to string) bool {
	return canTransition(channelTransitions, from, to)
}

func IsTerminalFacilityStatus(status string) bool {
	status = Normalize(status)
	return status == FacilityStatusClosed || status == FacilityStatusCanceled
}

func IsTerminalAssignmentStatus(status string) bool {
	status = Normalize(status)
	return status == AssignmentStatusCompleted || status == AssignmentStatusCanceled
}

func canTransition(table map[string]map[string]bool, from string, to string) bool {
	from = Normalize(from)
	to = Normalize(to)
	if from == to {
		return true
	}
	next := table[from]
	if next == nil {
		return false
	}
	return next[to]
}

func AllFacilityStatuses() []string {
	return []string{
		FacilityStatusPlanned,
		FacilityStatusOpen,
		FacilityStatusStandby,
		FacilityStatusClosed,
		FacilityStatusCanceled,
	}
}

func AllAssignmentStatuses() []string {
	return []string{
		AssignmentStatusDraft,
		AssignmentStatusAssigned,
		AssignmentStatusInProgress,
		AssignmentStatusCompleted,
		AssignmentStatusCanceled,
	}
}
