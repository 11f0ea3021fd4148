package eventlog

import (
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Payload is the variant body of an Event. The interface is sealed: only
// LeadData, ProposalData and ActivityData implement it.
//
// Changes and Metadata are free-form JSON objects: after a decode, numbers in
// them are float64 and nested objects are map[string]any. Decimal amounts keep
// their value but not their exponent, so compare them with Equal.
type Payload interface {
	Kind() Kind
	// AggregateID is the identifier of the entity the payload describes.
	AggregateID() string
	// AggregateIDs lists every aggregate identifier referenced by the payload,
	// primary id first.
	AggregateIDs() []string

	validate() *fieldError
}

type fieldError struct {
	field  string
	reason string
}

func required(field, value string) *fieldError {
	if strings.TrimSpace(value) == "" {
		return &fieldError{field: field, reason: "is required"}
	}
	return nil
}

// LeadData is the payload of lead.* events.
type LeadData struct {
	LeadID         string         `json:"lead_id"`
	SalesUserID    string         `json:"sales_user_id"`
	PreviousStatus string         `json:"previous_status,omitempty"`
	NewStatus      string         `json:"new_status,omitempty"`
	Changes        map[string]any `json:"changes,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (LeadData) Kind() Kind { return KindLead }

func (d LeadData) AggregateID() string { return d.LeadID }

func (d LeadData) AggregateIDs() []string { return aggregateIDs(d.LeadID) }

func (d LeadData) validate() *fieldError {
	if ferr := required("lead_id", d.LeadID); ferr != nil {
		return ferr
	}
	return required("sales_user_id", d.SalesUserID)
}

// ProposalData is the payload of proposal.* events.
type ProposalData struct {
	ProposalID     string          `json:"proposal_id"`
	LeadID         string          `json:"lead_id"`
	SalesUserID    string          `json:"sales_user_id"`
	PreviousStatus string          `json:"previous_status,omitempty"`
	NewStatus      string          `json:"new_status,omitempty"`
	TotalValue     decimal.Decimal `json:"total_value"`
	WinProbability float64         `json:"win_probability"`
	Changes        map[string]any  `json:"changes,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

func (ProposalData) Kind() Kind { return KindProposal }

func (d ProposalData) AggregateID() string { return d.ProposalID }

func (d ProposalData) AggregateIDs() []string { return aggregateIDs(d.ProposalID, d.LeadID) }

func (d ProposalData) validate() *fieldError {
	for _, f := range []struct{ name, value string }{
		{"proposal_id", d.ProposalID},
		{"lead_id", d.LeadID},
		{"sales_user_id", d.SalesUserID},
	} {
		if ferr := required(f.name, f.value); ferr != nil {
			return ferr
		}
	}
	if d.TotalValue.IsNegative() {
		return &fieldError{field: "total_value", reason: "must not be negative"}
	}
	if d.WinProbability < 0 || d.WinProbability > 100 {
		return &fieldError{field: "win_probability", reason: "must be between 0 and 100"}
	}
	return nil
}

// ActivityData is the payload of activity.* events.
type ActivityData struct {
	ActivityID   string         `json:"activity_id"`
	LeadID       string         `json:"lead_id"`
	ProposalID   string         `json:"proposal_id,omitempty"`
	SalesUserID  string         `json:"sales_user_id"`
	ActivityType string         `json:"activity_type"`
	Subject      string         `json:"subject"`
	Description  string         `json:"description,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (ActivityData) Kind() Kind { return KindActivity }

func (d ActivityData) AggregateID() string { return d.ActivityID }

func (d ActivityData) AggregateIDs() []string {
	return aggregateIDs(d.ActivityID, d.LeadID, d.ProposalID)
}

func (d ActivityData) validate() *fieldError {
	for _, f := range []struct{ name, value string }{
		{"activity_id", d.ActivityID},
		{"lead_id", d.LeadID},
		{"sales_user_id", d.SalesUserID},
		{"activity_type", d.ActivityType},
		{"subject", d.Subject},
	} {
		if ferr := required(f.name, f.value); ferr != nil {
			return ferr
		}
	}
	return nil
}

func aggregateIDs(ids ...string) []string {
	return lo.Uniq(lo.Compact(ids))
}
