package fixtures

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clinicsales/eventlog"
)

// BaseTime is the timestamp of the first fixture event.
var BaseTime = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

// At overrides the timestamp of an event under construction.
func At(ts time.Time) eventlog.Option {
	return func(e *eventlog.Event) { e.Timestamp = ts.UTC() }
}

// WithID overrides the id of an event under construction.
func WithID(id string) eventlog.Option {
	return func(e *eventlog.Event) { e.ID = id }
}

// Lead builds a lead event for leadID owned by user U1.
func Lead(t eventlog.LeadEventType, leadID string, opts ...eventlog.Option) eventlog.Event {
	return eventlog.NewLeadEvent(t, eventlog.LeadData{
		LeadID:      leadID,
		SalesUserID: "U1",
	}, opts...)
}

// Proposal builds a proposal event for proposalID on leadID.
func Proposal(t eventlog.ProposalEventType, proposalID, leadID string, opts ...eventlog.Option) eventlog.Event {
	return eventlog.NewProposalEvent(t, eventlog.ProposalData{
		ProposalID:     proposalID,
		LeadID:         leadID,
		SalesUserID:    "U1",
		TotalValue:     decimal.NewFromInt(12500),
		WinProbability: 40,
	}, opts...)
}

// Activity builds an activity event for activityID on leadID.
func Activity(t eventlog.ActivityEventType, activityID, leadID string, opts ...eventlog.Option) eventlog.Event {
	return eventlog.NewActivityEvent(t, eventlog.ActivityData{
		ActivityID:   activityID,
		LeadID:       leadID,
		SalesUserID:  "U1",
		ActivityType: "call",
		Subject:      "Follow-up call",
	}, opts...)
}

// LeadTimeline builds n lead.updated events for leadID one minute apart,
// starting at BaseTime.
func LeadTimeline(leadID string, n int) []eventlog.Event {
	events := make([]eventlog.Event, n)
	for i := range n {
		events[i] = Lead(eventlog.LeadUpdated, leadID,
			WithID(fmt.Sprintf("%s-evt-%d", leadID, i)),
			At(BaseTime.Add(time.Duration(i)*time.Minute)))
	}
	return events
}
