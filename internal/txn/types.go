package txn

import "strings"

// Status is the delivery status of a single transaction.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Terminal reports whether no further resubmission is meaningful.
func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusError }

// Processed reports whether the transaction has left the pending state.
func (s Status) Processed() bool { return s != StatusPending && s != "" }

func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, true
	case StatusSent:
		return StatusSent, true
	case StatusSuccess:
		return StatusSuccess, true
	case StatusError:
		return StatusError, true
	}
	return "", false
}

// Role labels a step inside an ordered sequence.
type Role string

const (
	RolePreparatory Role = "preparatory"
	RoleFinal       Role = "final"
)

// RoleAt returns the role of step idx in a sequence of n steps.
func RoleAt(idx, n int) Role {
	if idx == n-1 {
		return RoleFinal
	}
	return RolePreparatory
}

// Record is the transient view of one transaction during a broadcast.
type Record struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Tx     Signed `json:"-"`
}
