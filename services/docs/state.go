package docs

import "sync"

// State holds a value and notifies observers whenever it is replaced.
//
// Notifications are delivered one at a time on the goroutine that called Set. If Set
// is called again while observers are running (from another goroutine or from an
// observer itself) the running notifier picks up the newest value once it finishes,
// so observers always end on the latest value but may skip intermediate ones.
type State[T any] struct {
	mu        sync.Mutex
	value     T
	version   uint64
	emitting  bool
	observers []stateObserver[T]
	nextID    uint64
}

type stateObserver[T any] struct {
	id uint64
	fn func(T)
}

// NewState returns a State holding initial.
func NewState[T any](initial T) *State[T] {
	return &State[T]{value: initial}
}

// Get returns the current value.
func (s *State[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set replaces the value and notifies observers.
func (s *State[T]) Set(v T) {
	s.mu.Lock()
	s.value = v
	s.version++
	s.notifyLocked()
}

// Update applies fn to the current value atomically and notifies observers.
func (s *State[T]) Update(fn func(T) T) {
	s.mu.Lock()
	s.value = fn(s.value)
	s.version++
	s.notifyLocked()
}

// notifyLocked is entered with s.mu held and returns with it released.
func (s *State[T]) notifyLocked() {
	if s.emitting {
		s.mu.Unlock()
		return
	}
	s.emitting = true

	for {
		value, version := s.value, s.version
		observers := append([]stateObserver[T](nil), s.observers...)
		s.mu.Unlock()

		for _, o := range observers {
			o.fn(value)
		}

		s.mu.Lock()
		if s.version == version {
			s.emitting = false
			s.mu.Unlock()
			return
		}
	}
}

// Observe registers fn for future changes. The returned function removes it and is
// safe to call more than once.
func (s *State[T]) Observe(fn func(T)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers = append(s.observers, stateObserver[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, o := range s.observers {
				if o.id == id {
					s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
					return
				}
			}
		})
	}
}
