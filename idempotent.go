package eventlog

import (
	"container/list"
	"context"
	"sync"
)

// SeenSet remembers which event ids a consumer has already processed.
type SeenSet interface {
	// MarkSeen records id and reports whether it was new.
	MarkSeen(ctx context.Context, id string) (bool, error)
	// Forget removes id so a failed event can be delivered again.
	Forget(ctx context.Context, id string) error
}

// Idempotent wraps h so that an event id is handled at most once per SeenSet.
// A failed Handle forgets the id again so redelivery is possible.
func Idempotent(h EventHandler, seen SeenSet) EventHandler {
	return &idempotentHandler{next: h, seen: seen}
}

type idempotentHandler struct {
	next EventHandler
	seen SeenSet
}

func (h *idempotentHandler) CanHandle(ev Event) bool {
	return h.next.CanHandle(ev)
}

func (h *idempotentHandler) Handle(ctx context.Context, ev Event) error {
	first, err := h.seen.MarkSeen(ctx, ev.ID)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	if err := h.next.Handle(ctx, ev); err != nil {
		_ = h.seen.Forget(ctx, ev.ID)
		return err
	}
	return nil
}

// MemorySeenSet is an in-memory SeenSet. With a positive capacity the oldest
// ids are evicted first.
type MemorySeenSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	ids      map[string]*list.Element
}

// NewMemorySeenSet creates a set holding at most capacity ids; zero means unbounded.
func NewMemorySeenSet(capacity int) *MemorySeenSet {
	return &MemorySeenSet{
		capacity: capacity,
		order:    list.New(),
		ids:      make(map[string]*list.Element),
	}
}

func (s *MemorySeenSet) MarkSeen(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return false, nil
	}
	s.ids[id] = s.order.PushBack(id)
	if s.capacity > 0 && s.order.Len() > s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.ids, oldest.Value.(string))
	}
	return true, nil
}

func (s *MemorySeenSet) Forget(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.ids[id]; ok {
		s.order.Remove(el)
		delete(s.ids, id)
	}
	return nil
}

// Len returns the number of remembered ids.
func (s *MemorySeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
