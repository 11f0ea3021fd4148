package eventlog

import (
	"context"
	"errors"
	"io"
)

// Iterator is a lazy, pull-based sequence. The producing function returns
// io.EOF when the sequence is exhausted; any other error stops the iteration
// and is reported by Err.
type Iterator[T any] struct {
	nextFunc  func(ctx context.Context) (T, error)
	closeFunc func() error
	current   T
	err       error
	done      bool
}

// NewIteratorFunc creates an Iterator from a function that produces the next item.
func NewIteratorFunc[T any](nextFunc func(ctx context.Context) (T, error)) *Iterator[T] {
	return &Iterator[T]{nextFunc: nextFunc}
}

// NewSliceIterator iterates over a snapshot of items.
func NewSliceIterator[T any](items []T) *Iterator[T] {
	index := 0
	return NewIteratorFunc(func(ctx context.Context) (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if index >= len(items) {
			return zero, io.EOF
		}
		item := items[index]
		index++
		return item, nil
	})
}

// OnClose registers a function run once when the iterator finishes or is closed.
func (it *Iterator[T]) OnClose(fn func() error) *Iterator[T] {
	it.closeFunc = fn
	return it
}

// Next advances the iterator. It returns false when the sequence is exhausted
// or an error occurred.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	v, err := it.nextFunc(ctx)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			it.err = err
		}
		_ = it.Close()
		return false
	}
	it.current = v
	return true
}

// Value returns the current item.
func (it *Iterator[T]) Value() T {
	return it.current
}

// Err returns the first error other than io.EOF encountered during iteration.
func (it *Iterator[T]) Err() error {
	return it.err
}

// Close releases resources held by the iterator. It is safe to call repeatedly.
func (it *Iterator[T]) Close() error {
	if it.done {
		return nil
	}
	it.done = true
	if it.closeFunc != nil {
		return it.closeFunc()
	}
	return nil
}

// All consumes the iterator and returns every remaining item.
func (it *Iterator[T]) All(ctx context.Context) ([]T, error) {
	defer it.Close()
	var results []T
	for it.Next(ctx) {
		results = append(results, it.Value())
	}
	return results, it.Err()
}
