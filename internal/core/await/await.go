// Package await polls a condition until it holds or a bounded schedule runs out.
//
// It absorbs read-after-write latency in stores that are only eventually
// consistent. Exhausting the schedule is not an error: callers decide whether
// an unobserved condition matters.
package await

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Tier applies Delay after every poll whose zero-based index is below UpTo.
// A tier with UpTo <= 0 applies to all remaining polls.
type Tier struct {
	UpTo  int
	Delay time.Duration
}

// Schedule describes the polling cadence.
type Schedule struct {
	Tiers    []Tier
	MaxPolls int
}

// DefaultSchedule polls up to 20 times: 10ms after polls 0-4, 50ms after
// polls 5-9, 100ms thereafter (about 1.5s worst case).
func DefaultSchedule() Schedule {
	return Schedule{
		Tiers: []Tier{
			{UpTo: 5, Delay: 10 * time.Millisecond},
			{UpTo: 10, Delay: 50 * time.Millisecond},
			{Delay: 100 * time.Millisecond},
		},
		MaxPolls: 20,
	}
}

// DelayAfter returns the pause following poll number poll.
func (s Schedule) DelayAfter(poll int) time.Duration {
	for _, t := range s.Tiers {
		if t.UpTo <= 0 || poll < t.UpTo {
			return t.Delay
		}
	}
	if n := len(s.Tiers); n > 0 {
		return s.Tiers[n-1].Delay
	}
	return 0
}

// MaxWait is the total time spent sleeping when the condition never holds.
func (s Schedule) MaxWait() time.Duration {
	var total time.Duration
	for i := 0; i < s.MaxPolls-1; i++ {
		total += s.DelayAfter(i)
	}
	return total
}

// Outcome reports how a wait ended.
type Outcome struct {
	Satisfied bool
	Polls     int
}

// Condition reports whether the awaited state has been observed.
// A returned error aborts the wait immediately.
type Condition func(ctx context.Context) (bool, error)

var errNotYet = errors.New("condition not yet satisfied")

// tieredBackOff adapts a Schedule to backoff.BackOff.
type tieredBackOff struct {
	schedule Schedule
	poll     int
}

func (b *tieredBackOff) NextBackOff() time.Duration {
	d := b.schedule.DelayAfter(b.poll)
	b.poll++
	return d
}

func (b *tieredBackOff) Reset() {
	b.poll = 0
}

// Until evaluates cond up to schedule.MaxPolls times, sleeping per the schedule
// between polls, and returns as soon as cond reports true.
// Context cancellation ends the wait with ctx.Err().
func Until(ctx context.Context, schedule Schedule, cond Condition) (Outcome, error) {
	if schedule.MaxPolls <= 0 {
		return Outcome{}, nil
	}

	var out Outcome
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&tieredBackOff{schedule: schedule}, uint64(schedule.MaxPolls-1)),
		ctx,
	)

	err := backoff.Retry(func() error {
		out.Polls++
		ok, err := cond(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errNotYet
		}
		out.Satisfied = true
		return nil
	}, policy)

	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, errNotYet):
		return out, nil
	default:
		return out, err
	}
}
