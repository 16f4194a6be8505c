// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package poll

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultAttempts is the number of checks performed when a Budget does not set one.
	DefaultAttempts = 10
	// DefaultInterval is the pause between checks when a Budget does not set one.
	DefaultInterval = 100 * time.Millisecond
)

// ErrExhausted reports that the predicate never held within the attempt budget.
var ErrExhausted = errors.New("poll: attempts exhausted")

// Predicate reports whether the awaited condition holds.
type Predicate func(ctx context.Context) bool

// Budget bounds a polling loop. The zero value uses the package defaults.
type Budget struct {
	Attempts int
	Interval time.Duration
}

func (b Budget) withDefaults() Budget {
	if b.Attempts <= 0 {
		b.Attempts = DefaultAttempts
	}
	if b.Interval <= 0 {
		b.Interval = DefaultInterval
	}

	return b
}

// Until runs predicate until it reports true, waiting budget.Interval between
// checks and giving up after budget.Attempts of them. It returns nil on the
// first success, ErrExhausted once the budget is spent, and the context error
// when ctx is cancelled while waiting.
func Until(ctx context.Context, predicate Predicate, budget Budget) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	budget = budget.withDefaults()

	timer := time.NewTimer(budget.Interval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		if predicate(ctx) {
			return nil
		}
		if attempt >= budget.Attempts {
			return ErrExhausted
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			timer.Reset(budget.Interval)
		}
	}
}
