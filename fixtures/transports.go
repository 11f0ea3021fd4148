package fixtures

import (
	"context"
	"slices"
	"sync"

	"github.com/clinicsales/eventlog"
)

var (
	_ eventlog.Transport    = (*TransportSpy)(nil)
	_ eventlog.EventHandler = (*HandlerSpy)(nil)
)

// Sent captures one Send call.
type Sent struct {
	Topic   string
	Message eventlog.Message
}

// TransportSpy is a configurable mock Transport for testing.
type TransportSpy struct {
	mu sync.Mutex

	// Function override
	SendFn func(ctx context.Context, topic string, msg eventlog.Message) error

	// Call tracking
	SendCalls int

	// Successful sends
	Delivered []Sent

	failures map[string]error
	panics   map[string]bool
}

// NewTransportSpy creates a new TransportSpy.
func NewTransportSpy() *TransportSpy {
	return &TransportSpy{
		failures: make(map[string]error),
		panics:   make(map[string]bool),
	}
}

// FailOnTopic makes every send to topic return err.
func (t *TransportSpy) FailOnTopic(topic string, err error) *TransportSpy {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[topic] = err
	return t
}

// PanicOnTopic makes every send to topic panic.
func (t *TransportSpy) PanicOnTopic(topic string) *TransportSpy {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.panics[topic] = true
	return t
}

// Send implements Transport.Send.
func (t *TransportSpy) Send(ctx context.Context, topic string, msg eventlog.Message) error {
	t.mu.Lock()
	t.SendCalls++
	err := t.failures[topic]
	shouldPanic := t.panics[topic]
	t.mu.Unlock()

	if shouldPanic {
		panic("transport exploded on " + topic)
	}
	if t.SendFn != nil {
		err = t.SendFn(ctx, topic, msg)
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.Delivered = append(t.Delivered, Sent{Topic: topic, Message: msg})
	t.mu.Unlock()
	return nil
}

// Calls returns the number of Send calls, successful or not.
func (t *TransportSpy) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.SendCalls
}

// Topics returns the sorted topics that successfully received eventID.
func (t *TransportSpy) Topics(eventID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, s := range t.Delivered {
		if s.Message.Payload.ID == eventID {
			out = append(out, s.Topic)
		}
	}
	slices.Sort(out)
	return out
}

// Received returns the messages delivered to topic.
func (t *TransportSpy) Received(topic string) []eventlog.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []eventlog.Message
	for _, s := range t.Delivered {
		if s.Topic == topic {
			out = append(out, s.Message)
		}
	}
	return out
}

// HandlerSpy is a configurable mock EventHandler for testing.
type HandlerSpy struct {
	mu sync.Mutex

	// Function overrides
	CanHandleFn func(event eventlog.Event) bool
	HandleFn    func(ctx context.Context, event eventlog.Event) error

	// Call tracking
	HandleCalls int

	// Captured events
	ReceivedEvents []eventlog.Event

	handleErr error
}

// NewHandlerSpy creates a new HandlerSpy accepting every event.
func NewHandlerSpy() *HandlerSpy {
	return &HandlerSpy{}
}

// FailOnHandle configures the handler to return an error.
func (h *HandlerSpy) FailOnHandle(err error) *HandlerSpy {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handleErr = err
	return h
}

// CanHandle implements EventHandler.CanHandle.
func (h *HandlerSpy) CanHandle(event eventlog.Event) bool {
	if h.CanHandleFn != nil {
		return h.CanHandleFn(event)
	}
	return true
}

// Handle implements EventHandler.Handle.
func (h *HandlerSpy) Handle(ctx context.Context, event eventlog.Event) error {
	h.mu.Lock()
	h.HandleCalls++
	h.ReceivedEvents = append(h.ReceivedEvents, event)
	err := h.handleErr
	h.mu.Unlock()

	if h.HandleFn != nil {
		return h.HandleFn(ctx, event)
	}
	return err
}

// Reset clears all call counts and received events.
func (h *HandlerSpy) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.HandleCalls = 0
	h.ReceivedEvents = nil
	h.handleErr = nil
}

// LastEvent returns the most recently received event.
func (h *HandlerSpy) LastEvent() (eventlog.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ReceivedEvents) == 0 {
		return eventlog.Event{}, false
	}
	return h.ReceivedEvents[len(h.ReceivedEvents)-1], true
}

// EventCount returns the number of events received.
func (h *HandlerSpy) EventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ReceivedEvents)
}

// EventIDs returns the ids of the received events in order.
func (h *HandlerSpy) EventIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.ReceivedEvents))
	for i, e := range h.ReceivedEvents {
		out[i] = e.ID
	}
	return out
}
