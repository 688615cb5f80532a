package models

import (
	"gorm.io/gorm"
)

// Connection outcomes stored in ConnectionRecord.Outcome.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
	OutcomeClosed   = "closed"
)

// ConnectionRecord is one approval decision or disconnect. Session tokens
// are never stored, only how the decision was reached.
type ConnectionRecord struct {
	gorm.Model
	ConnectionID uint64 `gorm:"index"`
	Peer         string
	Outcome      string `gorm:"index"` // approved, rejected, closed
	Method       string // token, manual, none
	Reason       string
}

// CommandRecord is one exec/eval run.
type CommandRecord struct {
	gorm.Model
	ConnectionID uint64 `gorm:"index"`
	Kind         string // exec, eval
	Code         string // truncated
	Success      bool
	Error        string
	DurationMs   int64
}
