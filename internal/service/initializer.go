package service

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Initializer constructs a value at most once and shares it with every
// caller. Concurrent first callers share one in-flight construction. A
// failed construction is not cached, so the next caller tries again.
type Initializer[T any] struct {
	build func(ctx context.Context) (T, error)
	group singleflight.Group

	mu    sync.Mutex
	value T
	ready bool
}

func NewInitializer[T any](build func(ctx context.Context) (T, error)) *Initializer[T] {
	return &Initializer[T]{build: build}
}

// Get returns the value, constructing it if needed. The construction runs
// detached from ctx so one caller giving up does not fail the others; Get
// itself still returns early when ctx is done.
func (i *Initializer[T]) Get(ctx context.Context) (T, error) {
	if v, ok := i.Loaded(); ok {
		return v, nil
	}

	ch := i.group.DoChan("init", func() (interface{}, error) {
		if _, ok := i.Loaded(); ok {
			return nil, nil
		}
		v, err := i.build(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		i.mu.Lock()
		i.value, i.ready = v, true
		i.mu.Unlock()
		return nil, nil
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	v, _ := i.Loaded()
	return v, nil
}

// Loaded returns the value if it has been constructed.
func (i *Initializer[T]) Loaded() (T, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.value, i.ready
}

// Reset forgets the value and returns it so the caller can release it.
func (i *Initializer[T]) Reset() (T, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.value, i.ready
	var zero T
	i.value, i.ready = zero, false
	return v, ok
}
