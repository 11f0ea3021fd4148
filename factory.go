package eventlog

import (
	"time"

	"github.com/google/uuid"
)

const (
	DefaultSource  = "sales-crm"
	DefaultVersion = "1.0"
)

// NewID and Now are the identity and clock sources used by the constructors.
// Tests may replace them.
var (
	NewID = func() string { return uuid.NewString() }
	Now   = func() time.Time { return time.Now() }
)

// Option customises the envelope of an event under construction.
type Option func(*Event)

// WithUserID scopes the event to the acting user.
func WithUserID(id string) Option {
	return func(e *Event) { e.UserID = id }
}

// WithClinicID scopes the event to a tenant clinic.
func WithClinicID(id string) Option {
	return func(e *Event) { e.ClinicID = id }
}

// WithCorrelationID links the event to a multi-step workflow.
func WithCorrelationID(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

// WithSource names the producing component. Empty values keep the default.
func WithSource(source string) Option {
	return func(e *Event) {
		if source != "" {
			e.Source = source
		}
	}
}

// WithVersion overrides the schema version tag. Empty values keep the default.
func WithVersion(version string) Option {
	return func(e *Event) {
		if version != "" {
			e.Version = version
		}
	}
}

// NewLeadEvent builds a lead event.
func NewLeadEvent(t LeadEventType, data LeadData, opts ...Option) Event {
	return newEvent(EventType(t), data, opts)
}

// NewProposalEvent builds a proposal event.
func NewProposalEvent(t ProposalEventType, data ProposalData, opts ...Option) Event {
	return newEvent(EventType(t), data, opts)
}

// NewActivityEvent builds an activity event.
func NewActivityEvent(t ActivityEventType, data ActivityData, opts ...Option) Event {
	return newEvent(EventType(t), data, opts)
}

func newEvent(t EventType, data Payload, opts []Option) Event {
	e := Event{
		ID:        NewID(),
		Type:      t,
		Timestamp: NormalizeTime(Now()),
		Source:    DefaultSource,
		Version:   DefaultVersion,
		Data:      data,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// NormalizeTime drops the monotonic reading and sub-microsecond precision so
// timestamps compare equal after a round trip through any store. Validate
// rejects timestamps that are not normalized.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
