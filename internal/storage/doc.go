// Package storage persists delivery outcomes so a restarted daemon does not
// resubmit transactions that already reached a final status.
//
// It supports:
//   - an append-only outcome journal (terminal tx and sequence events)
//   - finalized transaction ids with a retention deadline
package storage
