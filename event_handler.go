package eventlog

import (
	"context"
	"fmt"
	"slices"
)

// EventHandler consumes events delivered by a transport subscription or a replay.
type EventHandler interface {
	// CanHandle reports whether Handle accepts the event.
	CanHandle(event Event) bool
	// Handle processes the given Event within the provided context.
	Handle(ctx context.Context, event Event) error
}

// NewEventHandlerFunc creates an EventHandler from a plain function that
// accepts every event.
//
// There is no filtering: the function receives whatever it is invoked with.
// Use OnEvent or OnPayload to restrict a handler to specific types.
//
//	handler := NewEventHandlerFunc(func(ctx context.Context, ev Event) error {
//	    fmt.Println("received", ev.Type)
//	    return nil
//	})
func NewEventHandlerFunc(fn func(ctx context.Context, event Event) error) EventHandler {
	return eventHandlerFunc(fn)
}

type eventHandlerFunc func(ctx context.Context, event Event) error

func (h eventHandlerFunc) CanHandle(Event) bool { return true }

func (h eventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return h(ctx, event)
}

// typedEventHandler accepts only the listed event types.
type typedEventHandler struct {
	types []EventType
	fn    func(ctx context.Context, ev Event) error
}

// EventTypes returns the types the handler accepts, sorted.
// It is used by EventGroupProcessor for routing.
func (h *typedEventHandler) EventTypes() []EventType {
	return h.types
}

func (h *typedEventHandler) CanHandle(event Event) bool {
	return slices.Contains(h.types, event.Type)
}

// Handle processes the event if its type is accepted.
// Returns ErrSkippedEvent otherwise.
func (h *typedEventHandler) Handle(ctx context.Context, event Event) error {
	if !h.CanHandle(event) {
		return &ErrSkippedEvent{Event: event}
	}
	return h.fn(ctx, event)
}

// OnEvent creates an EventHandler restricted to the given event types.
//
//	handler := OnEvent(func(ctx context.Context, ev Event) error {
//	    return notifyOwner(ctx, ev.Data.(LeadData).SalesUserID)
//	}, EventType(LeadAssigned), EventType(LeadConverted))
func OnEvent(fn func(ctx context.Context, ev Event) error, types ...EventType) EventHandler {
	sorted := slices.Clone(types)
	slices.Sort(sorted)
	return &typedEventHandler{types: slices.Compact(sorted), fn: fn}
}

// OnPayload creates a strongly typed EventHandler for every event type carrying
// payload T. Pass types to narrow it further.
//
//	handler := OnPayload(func(ctx context.Context, ev Event, p ProposalData) error {
//	    return pipeline.Update(ctx, p.ProposalID, p.TotalValue)
//	})
func OnPayload[T Payload](fn func(ctx context.Context, ev Event, data T) error, types ...EventType) EventHandler {
	var zero T
	if len(types) == 0 {
		types = EventTypes(zero.Kind())
	}
	return OnEvent(func(ctx context.Context, ev Event) error {
		data, ok := ev.Data.(T)
		if !ok {
			return &ErrSkippedEvent{Event: ev}
		}
		return fn(ctx, ev, data)
	}, types...)
}

// EventGroupProcessor is a collection of typed event handlers.
// It routes incoming events to the correct handler based on event type.
type EventGroupProcessor struct {
	handlers map[EventType]EventHandler
}

// NewEventGroupProcessor creates a group of typed event handlers built with
// OnEvent or OnPayload.
//
// It panics when a handler does not declare its event types or when two
// handlers claim the same type.
//
//	group := NewEventGroupProcessor(
//	    OnPayload(p.OnLead),
//	    OnPayload(p.OnProposal, EventType(ProposalAccepted)),
//	)
func NewEventGroupProcessor(handlers ...EventHandler) *EventGroupProcessor {
	m := make(map[EventType]EventHandler, len(handlers))
	for _, h := range handlers {
		u, ok := h.(interface{ EventTypes() []EventType })
		if !ok {
			panic(fmt.Errorf("handler %T does not have a function `EventTypes()`", h))
		}
		for _, t := range u.EventTypes() {
			if _, exists := m[t]; exists {
				panic(fmt.Errorf("duplicate handler for event %s: %w", t, ErrDuplicateHandler))
			}
			m[t] = h
		}
	}
	return &EventGroupProcessor{handlers: m}
}

func (p *EventGroupProcessor) CanHandle(ev Event) bool {
	_, ok := p.handlers[ev.Type]
	return ok
}

// Handle routes the given event to the correct typed handler.
// Returns ErrSkippedEvent if no handler exists for the event type.
func (p *EventGroupProcessor) Handle(ctx context.Context, ev Event) error {
	h, ok := p.handlers[ev.Type]
	if !ok {
		return &ErrSkippedEvent{Event: ev}
	}
	return h.Handle(ctx, ev)
}

// EventTypes returns a sorted list of all event types handled by this group.
func (p *EventGroupProcessor) EventTypes() []EventType {
	out := make([]EventType, 0, len(p.handlers))
	for t := range p.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
