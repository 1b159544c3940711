// Package observer implements ObserverList, a thread-safe subscriber
// collection safe to mutate from inside its own iteration callback, per
// spec §5 and original_source LiteCore/Support/ObserverList.cc/.hh.
package observer

import (
	"fmt"
	"sync"

	"github.com/litecore-go/litecore/internal/logging"
)

// List is a thread-safe collection of observers of type T. It is safe
// for a callback passed to Iterate to call Add or Remove on the same
// list, including removing itself — once Remove returns, the removed
// item is guaranteed never to be passed to a callback again, even one
// already in flight.
//
// Reentrant calls to Iterate (a callback calling Iterate again on the
// same List) are not supported and panic, matching the assertion in the
// original.
type List[T comparable] struct {
	mu        sync.Mutex
	observers []T
	curIndex  int // -1 when no iteration is in progress
	log       *logging.Logger
}

// New creates an empty observer list. log may be nil, in which case
// panics recovered from callbacks are discarded rather than logged.
func New[T comparable](log *logging.Logger) *List[T] {
	if log == nil {
		log = logging.Nop()
	}
	return &List[T]{curIndex: -1, log: log.Named("observer")}
}

// Add appends item. If unique is true (the usual case) and item is
// already present, Add is a no-op and returns false.
func (l *List[T]) Add(item T, unique bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if unique {
		for _, o := range l.observers {
			if o == item {
				return false
			}
		}
	}
	l.observers = append(l.observers, item)
	return true
}

// Remove deletes item. When Remove returns, item is guaranteed not to be
// passed to any Iterate callback again — including one already running
// on another goroutine — so it is then safe to discard/invalidate item.
func (l *List[T]) Remove(item T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, o := range l.observers {
		if o == item {
			if i < l.curIndex {
				l.curIndex-- // compensate the shift the erase below causes
			}
			l.observers = append(l.observers[:i], l.observers[i+1:]...)
			return true
		}
	}
	return false
}

// Size returns the current observer count.
func (l *List[T]) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.observers)
}

// Iterate invokes cb once per observer. Order is unspecified (iteration
// runs back-to-front internally so items appended mid-iteration are
// never visited this pass). A panic inside cb is recovered and logged;
// it does not abort the remaining iteration. The one exception is the
// panic of a reentrant Iterate, which propagates to the caller. It is
// safe for cb to call Add or Remove on this same List; it must not call
// Iterate again.
func (l *List[T]) Iterate(cb func(T)) {
	l.mu.Lock()
	if l.curIndex != -1 {
		l.mu.Unlock()
		panic(reentrantIteratePanic)
	}
	l.curIndex = len(l.observers) - 1
	l.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			l.mu.Lock()
			l.curIndex = -1
			l.mu.Unlock()
			panic(r)
		}
	}()

	for {
		l.mu.Lock()
		if l.curIndex < 0 {
			l.curIndex = -1
			l.mu.Unlock()
			return
		}
		item := l.observers[l.curIndex]
		l.mu.Unlock()

		l.safeCall(cb, item)

		l.mu.Lock()
		l.curIndex--
		l.mu.Unlock()
	}
}

const reentrantIteratePanic = "observer: reentrant Iterate"

func (l *List[T]) safeCall(cb func(T), item T) {
	defer func() {
		if r := recover(); r != nil {
			if r == reentrantIteratePanic {
				panic(r)
			}
			l.log.Warn("observer callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	cb(item)
}
