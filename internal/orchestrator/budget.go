package orchestrator

import (
	"errors"
	"sync"
)

var ErrBudgetExhausted = errors.New("resource budget exhausted")

// Budget tracks a fixed pool of admission units. One unit is held per
// admitted job from submission to its terminal state, including while
// the job is suspended for approval.
type Budget struct {
	mu       sync.Mutex
	capacity int
	used     int
}

func NewBudget(capacity int) *Budget {
	if capacity <= 0 {
		capacity = 32
	}
	return &Budget{capacity: capacity}
}

func (b *Budget) Acquire(units int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.used+units > b.capacity {
		return ErrBudgetExhausted
	}
	b.used += units
	return nil
}

func (b *Budget) Release(units int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.used -= units
	if b.used < 0 {
		b.used = 0
	}
}

func (b *Budget) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity - b.used
}
