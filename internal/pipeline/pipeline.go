// Package pipeline holds the task status enum and the ordered verification
// gate table. Every lookup here is a total function over the enums.
package pipeline

import "fmt"

// MaxAttempts is the number of automated attempts a gate gets before the task
// escalates to a human.
const MaxAttempts = 3

type Status string

const (
	StatusInbox           Status = "inbox"
	StatusAssigned        Status = "assigned"
	StatusInProgress      Status = "in_progress"
	StatusReview          Status = "review"
	StatusBlocked         Status = "blocked"
	StatusBuildCheck      Status = "build_check"
	StatusDeployCheck     Status = "deploy_check"
	StatusPerceptionCheck Status = "perception_check"
	StatusAutoFix         Status = "auto_fix"
	StatusHumanCheckpoint Status = "human_checkpoint"
	StatusEscalated       Status = "escalated"
	StatusRejected        Status = "rejected"
	StatusDone            Status = "done"
)

var allStatuses = []Status{
	StatusInbox, StatusAssigned, StatusInProgress, StatusReview, StatusBlocked,
	StatusBuildCheck, StatusDeployCheck, StatusPerceptionCheck, StatusAutoFix,
	StatusHumanCheckpoint, StatusEscalated, StatusRejected, StatusDone,
}

// ParseStatus validates a raw status string.
func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("invalid task status %q", s)
}

// IsTerminal reports whether no automated step can move the task further.
// Escalated is included: only a human action re-enters the sequence.
func IsTerminal(s Status) bool {
	switch s {
	case StatusDone, StatusRejected, StatusEscalated:
		return true
	}
	return false
}

// IsLegacy reports statuses of the plain task-board flow, which never touch
// gate state.
func IsLegacy(s Status) bool {
	switch s {
	case StatusInbox, StatusAssigned, StatusInProgress, StatusReview, StatusBlocked:
		return true
	}
	return false
}

type Gate string

const (
	GateBuild           Gate = "build_check"
	GateDeploy          Gate = "deploy_check"
	GatePerception      Gate = "perception_check"
	GateHumanCheckpoint Gate = "human_checkpoint"
)

// Sequence is the order every task walks through.
var Sequence = []Gate{GateBuild, GateDeploy, GatePerception, GateHumanCheckpoint}

// ParseGate validates a raw gate name.
func ParseGate(s string) (Gate, error) {
	for _, g := range Sequence {
		if string(g) == s {
			return g, nil
		}
	}
	return "", fmt.Errorf("unknown gate %q", s)
}

// Automated reports whether a runner executes the gate (human checkpoint waits
// for approve/reject instead).
func (g Gate) Automated() bool {
	return g != GateHumanCheckpoint
}

// Status is the task status while the gate is current.
func (g Gate) Status() Status {
	return Status(g)
}

type transition struct {
	next          Status
	nextNoHuman   Status
	responsibleBy []string
}

var table = map[Gate]transition{
	GateBuild:           {next: StatusDeployCheck, nextNoHuman: StatusDeployCheck, responsibleBy: []string{"backend", "frontend"}},
	GateDeploy:          {next: StatusPerceptionCheck, nextNoHuman: StatusPerceptionCheck, responsibleBy: []string{"devops"}},
	GatePerception:      {next: StatusHumanCheckpoint, nextNoHuman: StatusDone, responsibleBy: []string{"design", "frontend"}},
	GateHumanCheckpoint: {next: StatusDone, nextNoHuman: StatusDone},
}

// Next returns the status a task moves to after passing g.
func Next(g Gate, humanRequired bool) Status {
	t, ok := table[g]
	if !ok {
		return StatusEscalated
	}
	if humanRequired {
		return t.next
	}
	return t.nextNoHuman
}

// ResponsibleRoles lists the agent roles that own fixing failures of g.
func ResponsibleRoles(g Gate) []string {
	return append([]string(nil), table[g].responsibleBy...)
}

// GateForStatus maps a task status to the gate it represents.
func GateForStatus(s Status) (Gate, bool) {
	switch s {
	case StatusBuildCheck:
		return GateBuild, true
	case StatusDeployCheck:
		return GateDeploy, true
	case StatusPerceptionCheck:
		return GatePerception, true
	case StatusHumanCheckpoint:
		return GateHumanCheckpoint, true
	}
	return "", false
}

// GateStatus values stored per gate in a task's gate_status map.
const (
	GatePending   = "pending"
	GateRunning   = "running"
	GatePassed    = "passed"
	GateFailed    = "failed"
	GateEscalated = "escalated"
)

// Verification outcomes.
const (
	OutcomePass      = "pass"
	OutcomeFail      = "fail"
	OutcomeEscalated = "escalated"
)

// legacyTransitions covers the simple task-board flow.
var legacyTransitions = map[Status][]Status{
	StatusInbox:      {StatusAssigned, StatusInProgress, StatusBlocked},
	StatusAssigned:   {StatusInProgress, StatusInbox, StatusBlocked},
	StatusInProgress: {StatusReview, StatusBlocked, StatusAssigned},
	StatusReview:     {StatusDone, StatusInProgress, StatusBlocked},
	StatusBlocked:    {StatusInbox, StatusAssigned, StatusInProgress},
}

// CanMoveLegacy reports whether the board flow allows from -> to.
func CanMoveLegacy(from, to Status) bool {
	for _, s := range legacyTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanSubmit reports whether a task in s may enter the gate pipeline.
func CanSubmit(s Status) bool {
	switch s {
	case StatusAssigned, StatusInProgress, StatusReview:
		return true
	}
	return false
}
