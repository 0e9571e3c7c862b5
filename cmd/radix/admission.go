package main

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// errTooLarge is returned for a request that could never be admitted.
var errTooLarge = errors.New("request exceeds admission limit")

// bodySlack is the room left in a request body for framing beyond the
// values themselves.
const bodySlack = 64 << 10

// Admission bounds the number of values in flight across the HTTP and
// Flight servers.
type Admission struct {
	sem *semaphore.Weighted
	max int64
}

func NewAdmission(maxValues int) *Admission {
	return &Admission{
		sem: semaphore.NewWeighted(int64(maxValues)),
		max: int64(maxValues),
	}
}

// Acquire reserves n values of capacity until release is called. It fails
// at once with errTooLarge when n alone exceeds the limit, otherwise it
// waits for capacity or for ctx.
func (a *Admission) Acquire(ctx context.Context, n int) (release func(), err error) {
	weight := max(int64(n), 1)
	if weight > a.max {
		return nil, fmt.Errorf("%w: %d values, limit %d", errTooLarge, n, a.max)
	}
	if err := a.sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	return func() { a.sem.Release(weight) }, nil
}

// Fits reports whether n values could ever be admitted.
func (a *Admission) Fits(n int) bool {
	return int64(n) <= a.max
}

// BodyLimit is the largest request body accepted when every value takes at
// most bytesPerValue bytes on the wire.
func (a *Admission) BodyLimit(bytesPerValue int) int64 {
	return a.max*int64(bytesPerValue) + bodySlack
}
