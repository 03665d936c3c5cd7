package eventsourcing

import (
	"context"
	"errors"
	"io"
)

// Iterator walks a sequence produced by a next function. The function returns
// io.EOF when the sequence is exhausted; any other error stops the iteration
// and is reported by Err.
type Iterator[T any] struct {
	next    func(ctx context.Context) (T, error)
	current T
	err     error
	done    bool
}

// NewIteratorFunc creates an iterator backed by next.
func NewIteratorFunc[T any](next func(ctx context.Context) (T, error)) *Iterator[T] {
	return &Iterator[T]{next: next}
}

// NewSliceIterator iterates over a copy of items.
func NewSliceIterator[T any](items []T) *Iterator[T] {
	buf := make([]T, len(items))
	copy(buf, items)
	i := 0
	return NewIteratorFunc(func(ctx context.Context) (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if i >= len(buf) {
			return zero, io.EOF
		}
		v := buf[i]
		i++
		return v, nil
	})
}

// Next advances the iterator. It returns false once the sequence is
// exhausted or failed, and never calls the next function again afterwards.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	v, err := it.next(ctx)
	if err != nil {
		var zero T
		it.current = zero
		it.done = true
		if !errors.Is(err, io.EOF) {
			it.err = err
		}
		return false
	}
	it.current = v
	return true
}

// Value returns the current item.
func (it *Iterator[T]) Value() T {
	return it.current
}

// Err returns the error that stopped the iteration, or nil on a clean end.
func (it *Iterator[T]) Err() error {
	return it.err
}

// All consumes the iterator and returns all items in a slice.
func (it *Iterator[T]) All(ctx context.Context) ([]T, error) {
	var results []T
	for it.Next(ctx) {
		results = append(results, it.Value())
	}
	return results, it.Err()
}
