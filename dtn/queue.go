package dtn

import (
	"fmt"
	"strings"
)

// Queue is the lifecycle state of a stored bundle. Every stored bundle is
// in exactly one queue. The zero value is not a valid queue.
type Queue uint8

const (
	QueueInbox Queue = iota + 1
	QueueOutbox
	QueuePending
	QueueDelivered
	QueueExpired
	QueueQuarantine
)

// AllQueues lists the queues in display order
var AllQueues = []Queue{
	QueueInbox,
	QueueOutbox,
	QueuePending,
	QueueDelivered,
	QueueExpired,
	QueueQuarantine,
}

var queueNames = map[Queue]string{
	QueueInbox:      "inbox",
	QueueOutbox:     "outbox",
	QueuePending:    "pending",
	QueueDelivered:  "delivered",
	QueueExpired:    "expired",
	QueueQuarantine: "quarantine",
}

// transitions is the complete table of legal queue moves. Terminal
// queues have no outgoing edges.
var transitions = map[Queue][]Queue{
	QueueInbox:   {QueuePending, QueueDelivered, QueueExpired, QueueQuarantine},
	QueueOutbox:  {QueuePending, QueueDelivered, QueueExpired, QueueQuarantine},
	QueuePending: {QueueDelivered, QueueExpired, QueueQuarantine},
}

// entryQueues are the queues a bundle may be inserted into directly
var entryQueues = map[Queue]bool{
	QueueInbox:      true,
	QueueOutbox:     true,
	QueueQuarantine: true,
}

func (q Queue) String() string {
	if name, ok := queueNames[q]; ok {
		return name
	}
	return fmt.Sprintf("queue(%d)", uint8(q))
}

// Valid reports whether q is one of the six queues
func (q Queue) Valid() bool {
	_, ok := queueNames[q]
	return ok
}

// Terminal reports whether no transition leaves q
func (q Queue) Terminal() bool {
	return q.Valid() && len(transitions[q]) == 0
}

// CanMoveTo reports whether q -> to is a legal transition
func (q Queue) CanMoveTo(to Queue) bool {
	for _, next := range transitions[q] {
		if next == to {
			return true
		}
	}
	return false
}

// CanEnter reports whether a new bundle may be inserted directly into q
func CanEnter(q Queue) bool {
	return entryQueues[q]
}

// ParseQueue parses a queue name
func ParseQueue(s string) (Queue, error) {
	for q, name := range queueNames {
		if strings.EqualFold(s, name) {
			return q, nil
		}
	}
	return 0, fmt.Errorf("unknown queue %q", s)
}

func (q Queue) MarshalText() ([]byte, error) {
	if !q.Valid() {
		return nil, fmt.Errorf("invalid queue %d", uint8(q))
	}
	return []byte(q.String()), nil
}

func (q *Queue) UnmarshalText(text []byte) error {
	parsed, err := ParseQueue(string(text))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
