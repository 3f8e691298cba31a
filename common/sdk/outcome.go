package sdk

import (
	"time"

	"github.com/google/uuid"
)

// OutcomeKind discriminates executor results
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeSuspended OutcomeKind = "suspended"
)

// ErrorKind classifies node failures for retry and reporting
type ErrorKind string

const (
	ErrTransport ErrorKind = "transport"
	ErrPermanent ErrorKind = "permanent"
	ErrTimeout   ErrorKind = "timeout"
	ErrCancelled ErrorKind = "cancelled"
)

// SuspendReason names why a node left the dispatch queue
type SuspendReason string

const (
	SuspendDelay   SuspendReason = "DELAY"
	SuspendWebhook SuspendReason = "WEBHOOK"
	SuspendSubflow SuspendReason = "SUBFLOW"
	SuspendMap     SuspendReason = "MAP"
)

// Outcome is the result of one Execute invocation. Exactly one of the
// completed / failed / suspended shapes is populated, selected by Kind.
type Outcome struct {
	Kind OutcomeKind

	// Completed
	Output map[string]any

	// Failed
	ErrorKind ErrorKind
	Message   string
	Retryable bool

	// Suspended
	Reason     SuspendReason
	Token      string     // webhook-wait resume token
	WakeAt     *time.Time // delay wakeup / webhook expiry
	ChildRunID *uuid.UUID // subflow child
	BatchID    *uuid.UUID // map batch
}

// Completed builds a successful outcome
func Completed(output map[string]any) *Outcome {
	return &Outcome{Kind: OutcomeCompleted, Output: output}
}

// Failed builds a failure outcome
func Failed(kind ErrorKind, message string, retryable bool) *Outcome {
	return &Outcome{Kind: OutcomeFailed, ErrorKind: kind, Message: message, Retryable: retryable}
}

// SuspendedDelay builds a delay suspension waking at the given time
func SuspendedDelay(wakeAt time.Time) *Outcome {
	return &Outcome{Kind: OutcomeSuspended, Reason: SuspendDelay, WakeAt: &wakeAt}
}

// SuspendedWebhook builds a webhook-wait suspension with its resume token
func SuspendedWebhook(token string, expiresAt time.Time) *Outcome {
	return &Outcome{Kind: OutcomeSuspended, Reason: SuspendWebhook, Token: token, WakeAt: &expiresAt}
}

// SuspendedSubflow builds a suspension awaiting a child run terminal
func SuspendedSubflow(childRunID uuid.UUID) *Outcome {
	return &Outcome{Kind: OutcomeSuspended, Reason: SuspendSubflow, ChildRunID: &childRunID}
}

// SuspendedMap builds a suspension awaiting a batch operation terminal
func SuspendedMap(batchID uuid.UUID) *Outcome {
	return &Outcome{Kind: OutcomeSuspended, Reason: SuspendMap, BatchID: &batchID}
}
