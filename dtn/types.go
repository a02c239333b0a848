package dtn

import (
	"fmt"
	"strings"
)

// Priority orders bundles under forwarding contention
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityEmergency
)

var priorityNames = map[Priority]string{
	PriorityLow:       "low",
	PriorityNormal:    "normal",
	PriorityHigh:      "high",
	PriorityEmergency: "emergency",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the defined priorities
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority parses a priority name (case-insensitive)
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Audience is the visibility tier of a bundle. Tiers are ordered
// public < local < trusted < private; a peer whose trust tier is at or
// above the bundle's audience may receive it.
type Audience int

const (
	AudiencePublic Audience = iota
	AudienceLocal
	AudienceTrusted
	AudiencePrivate
)

var audienceNames = map[Audience]string{
	AudiencePublic:  "public",
	AudienceLocal:   "local",
	AudienceTrusted: "trusted",
	AudiencePrivate: "private",
}

func (a Audience) String() string {
	if name, ok := audienceNames[a]; ok {
		return name
	}
	return fmt.Sprintf("audience(%d)", int(a))
}

// Valid reports whether a is one of the defined tiers
func (a Audience) Valid() bool {
	_, ok := audienceNames[a]
	return ok
}

// VisibleTo reports whether a peer holding the given trust tier may
// receive bundles with this audience.
func (a Audience) VisibleTo(trust Audience) bool {
	return trust >= a
}

// ParseAudience parses an audience (or trust tier) name
func ParseAudience(s string) (Audience, error) {
	for a, name := range audienceNames {
		if strings.EqualFold(s, name) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown audience %q", s)
}

func (a Audience) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid audience %d", int(a))
	}
	return []byte(a.String()), nil
}

func (a *Audience) UnmarshalText(text []byte) error {
	parsed, err := ParseAudience(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ReceiptPolicy records whether the author asked for delivery receipts.
// The engine stores it and does nothing else with it.
type ReceiptPolicy int

const (
	ReceiptNone ReceiptPolicy = iota
	ReceiptRequested
	ReceiptRequired
)

var receiptNames = map[ReceiptPolicy]string{
	ReceiptNone:      "none",
	ReceiptRequested: "requested",
	ReceiptRequired:  "required",
}

func (r ReceiptPolicy) String() string {
	if name, ok := receiptNames[r]; ok {
		return name
	}
	return fmt.Sprintf("receipt(%d)", int(r))
}

func (r ReceiptPolicy) Valid() bool {
	_, ok := receiptNames[r]
	return ok
}

func ParseReceiptPolicy(s string) (ReceiptPolicy, error) {
	if s == "" {
		return ReceiptNone, nil
	}
	for r, name := range receiptNames {
		if strings.EqualFold(s, name) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown receipt policy %q", s)
}

func (r ReceiptPolicy) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid receipt policy %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *ReceiptPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseReceiptPolicy(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
