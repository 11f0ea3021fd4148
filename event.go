package eventlog

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// EventType is the discriminant of an Event. The set of valid values is closed;
// see ParseEventType.
type EventType string

// Kind groups event types by the aggregate they describe. Each kind owns exactly
// one payload shape.
type Kind string

const (
	KindLead     Kind = "lead"
	KindProposal Kind = "proposal"
	KindActivity Kind = "activity"
)

// LeadEventType, ProposalEventType and ActivityEventType narrow EventType per
// variant so that constructors only accept types belonging to their payload.
type (
	LeadEventType     EventType
	ProposalEventType EventType
	ActivityEventType EventType
)

const (
	LeadCreated       LeadEventType = "lead.created"
	LeadUpdated       LeadEventType = "lead.updated"
	LeadStatusChanged LeadEventType = "lead.status_changed"
	LeadAssigned      LeadEventType = "lead.assigned"
	LeadConverted     LeadEventType = "lead.converted"
	LeadDeleted       LeadEventType = "lead.deleted"

	ProposalCreated       ProposalEventType = "proposal.created"
	ProposalUpdated       ProposalEventType = "proposal.updated"
	ProposalStatusChanged ProposalEventType = "proposal.status_changed"
	ProposalSent          ProposalEventType = "proposal.sent"
	ProposalAccepted      ProposalEventType = "proposal.accepted"
	ProposalRejected      ProposalEventType = "proposal.rejected"

	ActivityCreated   ActivityEventType = "activity.created"
	ActivityUpdated   ActivityEventType = "activity.updated"
	ActivityCompleted ActivityEventType = "activity.completed"
)

var eventKinds = map[EventType]Kind{
	EventType(LeadCreated):       KindLead,
	EventType(LeadUpdated):       KindLead,
	EventType(LeadStatusChanged): KindLead,
	EventType(LeadAssigned):      KindLead,
	EventType(LeadConverted):     KindLead,
	EventType(LeadDeleted):       KindLead,

	EventType(ProposalCreated):       KindProposal,
	EventType(ProposalUpdated):       KindProposal,
	EventType(ProposalStatusChanged): KindProposal,
	EventType(ProposalSent):          KindProposal,
	EventType(ProposalAccepted):      KindProposal,
	EventType(ProposalRejected):      KindProposal,

	EventType(ActivityCreated):   KindActivity,
	EventType(ActivityUpdated):   KindActivity,
	EventType(ActivityCompleted): KindActivity,
}

// Kind returns the payload kind of t, or "" when t is not part of the closed set.
func (t EventType) Kind() Kind {
	return eventKinds[t]
}

// Valid reports whether t is a member of the closed set.
func (t EventType) Valid() bool {
	_, ok := eventKinds[t]
	return ok
}

func (t EventType) String() string { return string(t) }

// ParseEventType converts s into a known EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.TrimSpace(s))
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q: %w", s, ErrInvalidEvent)
	}
	return t, nil
}

// EventTypes returns every known type of the given kind. An empty kind returns all.
func EventTypes(kind Kind) []EventType {
	out := make([]EventType, 0, len(eventKinds))
	for t, k := range eventKinds {
		if kind == "" || k == kind {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

// Event is an immutable record of one domain occurrence. Events are passed by
// value and must not be modified once built by one of the New*Event constructors.
type Event struct {
	ID            string
	Type          EventType
	Timestamp     time.Time
	Source        string
	Version       string
	CorrelationID string
	UserID        string
	ClinicID      string
	Data          Payload
}

// AggregateID returns the identifier of the entity the event primarily belongs to.
func (e Event) AggregateID() string {
	if e.Data == nil {
		return ""
	}
	return e.Data.AggregateID()
}

// AggregateIDs returns every aggregate identifier the payload references.
func (e Event) AggregateIDs() []string {
	if e.Data == nil {
		return nil
	}
	return e.Data.AggregateIDs()
}

// References reports whether the payload references id through one of its
// aggregate id fields.
func (e Event) References(id string) bool {
	if id == "" {
		return false
	}
	for _, ref := range e.AggregateIDs() {
		if ref == id {
			return true
		}
	}
	return false
}

// Validate checks the envelope and the payload. It returns a *ValidationError.
func (e Event) Validate() error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return invalid(e, "id", "must not be empty")
	case e.Type == "":
		return invalid(e, "type", "must not be empty")
	case !e.Type.Valid():
		return invalid(e, "type", fmt.Sprintf("unknown event type %q", e.Type))
	case e.Timestamp.IsZero():
		return invalid(e, "timestamp", "must be set")
	case e.Timestamp.Nanosecond()%int(time.Microsecond) != 0:
		return invalid(e, "timestamp", "must not be finer than a microsecond")
	case e.Data == nil:
		return invalid(e, "data", "must not be nil")
	case e.Data.Kind() != e.Type.Kind():
		return invalid(e, "data", fmt.Sprintf("%s payload cannot carry type %q", e.Data.Kind(), e.Type))
	}
	if ferr := e.Data.validate(); ferr != nil {
		return invalid(e, "data."+ferr.field, ferr.reason)
	}
	return nil
}

// Record is an Event as held by an EventStore.
type Record struct {
	// Sequence is assigned by the store, strictly increasing across appends.
	Sequence    uint64
	AggregateID string
	Event       Event
}
