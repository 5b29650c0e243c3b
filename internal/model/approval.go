package model

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the closed lifecycle of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalCancelled ApprovalStatus = "cancelled"
	ApprovalTimeout   ApprovalStatus = "timeout"
)

// IsTerminal reports whether status admits no further decisions.
func (s ApprovalStatus) IsTerminal() bool {
	switch s {
	case ApprovalApproved, ApprovalRejected, ApprovalCancelled, ApprovalTimeout:
		return true
	default:
		return false
	}
}

// Trigger is a named reason an approval is required.
type Trigger string

const (
	TriggerProductionEnvironment Trigger = "production-environment"
	TriggerTargetCountThreshold  Trigger = "target-count-threshold"
	TriggerHighRiskCommand       Trigger = "high-risk-command"
	TriggerCriticalGroup         Trigger = "critical-group"
	TriggerCustomRule            Trigger = "custom-rule"
)

// ApprovalRequest gates a Job behind N-of-M human sign-off.
type ApprovalRequest struct {
	ID                uuid.UUID
	JobID             *uuid.UUID
	Triggers          []Trigger
	RequiredApprovers int
	CurrentApprovals  int
	ApprovalGroup     *uuid.UUID
	Status            ApprovalStatus
	ExpiresAt         *time.Time
	RequesterID       uuid.UUID
	Title             string
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

// Decision is the closed vote an approver can cast.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ApprovalRecord is one approver's vote on a request.
type ApprovalRecord struct {
	ID         uuid.UUID
	RequestID  uuid.UUID
	ApproverID uuid.UUID
	Decision   Decision
	Comment    string
	DecidedAt  time.Time
}
