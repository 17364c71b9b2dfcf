// Package lifecycle holds the payment intent state machine. It is pure: no I/O, no clocks.
package lifecycle

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusCanceled   Status = "CANCELED"
	StatusRefunded   Status = "REFUNDED"
)

// UserFacingProcessing is what callers see for every state the gateway has not confirmed.
const UserFacingProcessing = "processing"

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCanceled},
	StatusProcessing: {StatusSucceeded, StatusFailed, StatusCanceled},
	StatusSucceeded:  {StatusRefunded},
	StatusFailed:     nil,
	StatusCanceled:   nil,
	StatusRefunded:   nil,
}

var all = []Status{
	StatusPending,
	StatusProcessing,
	StatusSucceeded,
	StatusFailed,
	StatusCanceled,
	StatusRefunded,
}

func All() []Status {
	out := make([]Status, len(all))
	copy(out, all)
	return out
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) String() string {
	return string(s)
}

// Allowed reports whether from -> to is a single legal step.
func Allowed(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedFrom lists the states that may move to target in one step.
func AllowedFrom(target Status) []Status {
	var from []Status
	for _, s := range all {
		if Allowed(s, target) {
			from = append(from, s)
		}
	}
	return from
}

func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// NonTerminal returns the states the sweeper keeps an eye on.
func NonTerminal() []Status {
	return []Status{StatusPending, StatusProcessing}
}

// Path returns the shortest chain of single legal steps leading from -> to, excluding from.
// It returns nil when to is unreachable or equal to from.
func Path(from, to Status) []Status {
	if from == to || !from.Valid() || !to.Valid() {
		return nil
	}

	prev := map[Status]Status{from: ""}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				return walkBack(prev, from, to)
			}
			queue = append(queue, next)
		}
	}
	return nil
}

func walkBack(prev map[Status]Status, from, to Status) []Status {
	var path []Status
	for s := to; s != from; s = prev[s] {
		path = append([]Status{s}, path...)
	}
	return path
}

// UserFacing collapses every state without a confirmed outcome to "processing".
func UserFacing(s Status) string {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusRefunded:
		return strings.ToLower(string(s))
	default:
		return UserFacingProcessing
	}
}

var aliases = map[string]Status{
	"pending":                       StatusPending,
	"requires_payment_method":       StatusPending,
	"processing":                    StatusProcessing,
	"in_progress":                   StatusProcessing,
	"succeeded":                     StatusSucceeded,
	"success":                       StatusSucceeded,
	"paid":                          StatusSucceeded,
	"failed":                        StatusFailed,
	"failure":                       StatusFailed,
	"canceled":                      StatusCanceled,
	"cancelled":                     StatusCanceled,
	"refunded":                      StatusRefunded,
	"payment_intent.pending":        StatusPending,
	"payment_intent.created":        StatusPending,
	"payment_intent.processing":     StatusProcessing,
	"payment_intent.succeeded":      StatusSucceeded,
	"payment_intent.failed":         StatusFailed,
	"payment_intent.payment_failed": StatusFailed,
	"payment_intent.canceled":       StatusCanceled,
	"charge.refunded":               StatusRefunded,
}

// Parse maps a gateway status or event type onto a local status. Matching is case-insensitive.
func Parse(raw string) (Status, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if s, ok := aliases[key]; ok {
		return s, nil
	}
	if s := Status(strings.ToUpper(key)); s.Valid() {
		return s, nil
	}
	return "", fmt.Errorf("unknown payment status %q", raw)
}
