package eventlog

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// wireEvent is the JSON shape shared by every store and transport.
type wireEvent struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	Version       string          `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	ClinicID      string          `json:"clinic_id,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// payloadDecoders maps each kind to the only payload shape it may carry.
var payloadDecoders = map[Kind]func([]byte) (Payload, error){
	KindLead:     decodePayload[LeadData],
	KindProposal: decodePayload[ProposalData],
	KindActivity: decodePayload[ActivityData],
}

func decodePayload[T Payload](raw []byte) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodePayload parses raw into the payload shape owned by t.
func DecodePayload(t EventType, raw []byte) (Payload, error) {
	decode, ok := payloadDecoders[t.Kind()]
	if !ok {
		return nil, &ValidationError{Type: t, Field: "type", Reason: fmt.Sprintf("unknown event type %q", t)}
	}
	p, err := decode(raw)
	if err != nil {
		return nil, &ValidationError{Type: t, Field: "data", Reason: err.Error()}
	}
	return p, nil
}

// MarshalJSON encodes the event in its wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	var data json.RawMessage = []byte("null")
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
		}
		data = raw
	}
	return json.Marshal(wireEvent{
		ID:            e.ID,
		Type:          e.Type,
		Timestamp:     e.Timestamp,
		Source:        e.Source,
		Version:       e.Version,
		CorrelationID: e.CorrelationID,
		UserID:        e.UserID,
		ClinicID:      e.ClinicID,
		Data:          data,
	})
}

// UnmarshalJSON decodes the wire shape, selecting the payload struct by type.
// Unknown types and mismatched payloads fail with a *ValidationError.
// Timestamps are normalized to UTC microseconds.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := Event{
		ID:            w.ID,
		Type:          w.Type,
		Timestamp:     w.Timestamp,
		Source:        w.Source,
		Version:       w.Version,
		CorrelationID: w.CorrelationID,
		UserID:        w.UserID,
		ClinicID:      w.ClinicID,
	}
	if !out.Timestamp.IsZero() {
		out.Timestamp = NormalizeTime(out.Timestamp)
	}
	if len(w.Data) > 0 && string(w.Data) != "null" {
		p, err := DecodePayload(w.Type, w.Data)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				verr.EventID = w.ID
			}
			return err
		}
		out.Data = p
	}
	*e = out
	return nil
}

// MarshalEvent encodes e in its wire shape.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent decodes and validates a wire-shaped event.
func UnmarshalEvent(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, err
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
