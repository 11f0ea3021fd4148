package eventlog

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEvent is matched by every *ValidationError.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrDuplicateEvent is returned by stores when an event id is already persisted.
	ErrDuplicateEvent = errors.New("duplicate event id")
	// ErrStoreClosed is returned when a store is used after Close.
	ErrStoreClosed = errors.New("event store closed")
	// ErrDuplicateHandler is raised when two handlers claim the same event type
	// inside one EventGroupProcessor.
	ErrDuplicateHandler = errors.New("duplicate handler")
	// ErrTransportClosed is returned by transports used after Close.
	ErrTransportClosed = errors.New("transport closed")
	// ErrSubscriberBusy is returned when a subscriber queue is full and the
	// message was dropped.
	ErrSubscriberBusy = errors.New("subscriber busy")
	// ErrPublisherClosed is returned by Publish and PublishBatch after Close.
	ErrPublisherClosed = errors.New("publisher closed")
)

// ValidationError describes a malformed event. It is returned before any I/O.
type ValidationError struct {
	EventID string
	Type    EventType
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid event %s (%s): %s %s", e.EventID, e.Type, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidEvent
}

func invalid(e Event, field, reason string) *ValidationError {
	return &ValidationError{EventID: e.ID, Type: e.Type, Field: field, Reason: reason}
}

// StoreWriteError is returned when a durable append did not happen. Nothing of
// the failed call is persisted.
type StoreWriteError struct {
	Op  string
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("eventstore %s: %v", e.Op, e.Err)
}

func (e *StoreWriteError) Unwrap() error {
	return e.Err
}

// WrapStoreWriteError wraps err unless it is nil, a validation failure or
// already a *StoreWriteError.
func WrapStoreWriteError(op string, err error) error {
	if err == nil {
		return nil
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return err
	}
	var werr *StoreWriteError
	if errors.As(err, &werr) {
		return err
	}
	return &StoreWriteError{Op: op, Err: err}
}

// QueryError is returned when reading the log failed.
type QueryError struct {
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("eventstore query: %v", e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// WrapQueryError wraps err unless it is nil or already a *QueryError.
func WrapQueryError(err error) error {
	if err == nil {
		return nil
	}
	var qerr *QueryError
	if errors.As(err, &qerr) {
		return err
	}
	return &QueryError{Err: err}
}

// TransportSendError is one failed topic delivery. The publisher logs and counts
// it; callers of Publish never see it.
type TransportSendError struct {
	Topic   string
	EventID string
	Err     error
}

func (e *TransportSendError) Error() string {
	return fmt.Sprintf("send event %s to topic %q: %v", e.EventID, e.Topic, e.Err)
}

func (e *TransportSendError) Unwrap() error {
	return e.Err
}

// ErrSkippedEvent is returned when a handler cannot handle the event type.
type ErrSkippedEvent struct {
	Event Event
}

func (e ErrSkippedEvent) Error() string {
	return fmt.Sprintf("skipped event of type %s", e.Event.Type)
}
