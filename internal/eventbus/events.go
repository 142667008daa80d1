package eventbus

import (
	"time"

	"txrelay/internal/txn"
)

// Topic selects one of the two logical channels of the bus.
type Topic string

const (
	TopicTx       Topic = "tx"
	TopicSequence Topic = "sequence"
)

// Event is a closed union: TxEvent | SequenceEvent.
type Event interface {
	Topic() Topic
	isEvent()
}

// TxEvent reports a status change of one standalone transaction.
type TxEvent struct {
	ID     string     `json:"id"`
	Status txn.Status `json:"status"`
	Label  string     `json:"label,omitempty"`
	Error  string     `json:"error,omitempty"`
	Time   time.Time  `json:"time"`
}

func (TxEvent) Topic() Topic { return TopicTx }
func (TxEvent) isEvent()     {}

// StepSnapshot is one step of a SequenceEvent.
type StepSnapshot struct {
	Index  int        `json:"index"`
	ID     string     `json:"id,omitempty"`
	Role   txn.Role   `json:"role"`
	Label  string     `json:"label,omitempty"`
	Status txn.Status `json:"status"`
	// Rejected marks an error step whose send never reached the network.
	Rejected bool `json:"rejected,omitempty"`
}

// SequenceEvent is an aggregated snapshot of an ordered transaction sequence.
type SequenceEvent struct {
	SequenceID     string         `json:"sequence_id"`
	Label          string         `json:"label,omitempty"`
	Steps          []StepSnapshot `json:"steps"`
	TotalSteps     int            `json:"total_steps"`
	ProcessedSteps int            `json:"processed_steps"`
	Failed         bool           `json:"failed"`
	Time           time.Time      `json:"time"`
}

func (SequenceEvent) Topic() Topic { return TopicSequence }
func (SequenceEvent) isEvent()     {}

// Done reports whether every step reached a terminal status.
func (e SequenceEvent) Done() bool { return e.TotalSteps > 0 && e.ProcessedSteps == e.TotalSteps }

// Terminal reports whether e is the last event a subscriber should expect for
// its transaction or sequence.
func Terminal(e Event) bool {
	switch ev := e.(type) {
	case TxEvent:
		return ev.Status.Terminal()
	case SequenceEvent:
		return ev.Failed || ev.Done()
	}
	return false
}
