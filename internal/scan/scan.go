// Package scan computes prefix sums over device-resident uint32 arrays.
//
// A flat scan is ceil(log2 n) strictly ordered Hillis–Steele steps; step s
// adds the element 2^(s-1) positions to the left. Every step reads one buffer
// and writes another, and the two swap roles between steps, so a step never
// reads a value written by the same launch. Segmented scans run the same
// steps but never add across a segment boundary. Exclusive results are the
// inclusive result shifted right by one with a zero at each segment start.
package scan

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-radix/internal/device"
	"github.com/23skdu/longbow-radix/internal/kernels"
)

var tracer = otel.Tracer("longbow-radix/scan")

// ErrInvalidArgument is returned for lengths that do not fit the buffer or
// non-positive segment sizes.
var ErrInvalidArgument = errors.New("scan: invalid argument")

type Mode int

const (
	Inclusive Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "inclusive"
}

// ParseMode accepts "inclusive" or "exclusive".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "inclusive", "":
		return Inclusive, nil
	case "exclusive":
		return Exclusive, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidArgument, s)
	}
}

type Strategy int

const (
	// HillisSteele does O(n log n) work in log n double-buffered steps.
	HillisSteele Strategy = iota
	// Blelloch does O(n) work in an up-sweep and a down-sweep over a
	// power-of-two padded copy. Flat scans only.
	Blelloch
)

func (s Strategy) String() string {
	if s == Blelloch {
		return "blelloch"
	}
	return "hillis-steele"
}

// ParseStrategy accepts "hillis-steele" or "blelloch".
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "hillis-steele", "":
		return HillisSteele, nil
	case "blelloch":
		return Blelloch, nil
	default:
		return 0, fmt.Errorf("%w: unknown strategy %q", ErrInvalidArgument, s)
	}
}

type Options struct {
	WorkGroupSize int
	Strategy      Strategy
}

func DefaultOptions() Options {
	return Options{
		WorkGroupSize: 256,
		Strategy:      HillisSteele,
	}
}

// Engine issues scan launches on one device context. An Engine is not safe
// for concurrent use; callers serialize invocations.
type Engine struct {
	k    *kernels.Set
	opts Options
}

func NewEngine(k *kernels.Set, opts Options) (*Engine, error) {
	wg := opts.WorkGroupSize
	if wg <= 0 || wg&(wg-1) != 0 {
		return nil, fmt.Errorf("%w: work group size %d must be a power of two", ErrInvalidArgument, wg)
	}
	return &Engine{k: k, opts: opts}, nil
}

// Scan replaces buf[0:n] with its prefix sum. Elements past n are untouched.
func (e *Engine) Scan(ctx context.Context, buf *device.Buffer, n int, mode Mode) error {
	ctx, span := tracer.Start(ctx, "Scan")
	defer span.End()
	span.SetAttributes(
		attribute.Int("n", n),
		attribute.String("mode", mode.String()),
		attribute.String("strategy", e.opts.Strategy.String()),
	)

	if n < 0 || n > buf.Len() {
		return fmt.Errorf("%w: length %d for buffer of %d", ErrInvalidArgument, n, buf.Len())
	}

	var err error
	switch {
	case n == 0:
		return nil
	case n == 1:
		if mode == Exclusive {
			err = e.k.FillZero(e.opts.WorkGroupSize, buf, 1)
		}
	case e.opts.Strategy == Blelloch:
		err = e.blelloch(buf, n, mode)
	default:
		err = e.hillisSteele(buf, n, n, mode)
	}
	if err == nil {
		err = e.k.Device().Queue().Finish(ctx)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}

// SegmentedScan scans every consecutive run of segment elements of
// buf[0:total] independently. A trailing partial run is scanned on its own.
func (e *Engine) SegmentedScan(ctx context.Context, buf *device.Buffer, total, segment int, mode Mode) error {
	ctx, span := tracer.Start(ctx, "SegmentedScan")
	defer span.End()
	span.SetAttributes(
		attribute.Int("n", total),
		attribute.Int("segment", segment),
		attribute.String("mode", mode.String()),
	)

	if total < 0 || total > buf.Len() {
		return fmt.Errorf("%w: length %d for buffer of %d", ErrInvalidArgument, total, buf.Len())
	}
	if segment <= 0 {
		return fmt.Errorf("%w: segment size %d", ErrInvalidArgument, segment)
	}
	if total == 0 {
		return nil
	}

	err := e.hillisSteele(buf, total, segment, mode)
	if err == nil {
		err = e.k.Device().Queue().Finish(ctx)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("segmented scan: %w", err)
	}
	return nil
}

// Enqueue queues the steps of a (segmented) scan of buf[0:n] without waiting
// for them. segment >= n is a flat scan. scratch must have the same length as
// buf; the two are swapped along the way and the result always ends up in
// buf. The Blelloch strategy is not used here.
func (e *Engine) Enqueue(buf, scratch *device.Buffer, n, segment int, mode Mode) error {
	if n < 0 || n > buf.Len() {
		return fmt.Errorf("%w: length %d for buffer of %d", ErrInvalidArgument, n, buf.Len())
	}
	if segment <= 0 {
		return fmt.Errorf("%w: segment size %d", ErrInvalidArgument, segment)
	}
	if scratch.Len() != buf.Len() {
		return fmt.Errorf("%w: scratch of %d for buffer of %d", ErrInvalidArgument, scratch.Len(), buf.Len())
	}
	if n == 0 {
		return nil
	}
	wg := e.opts.WorkGroupSize

	// Steps only write [0:n); keep the tail identical on both sides of the swap.
	if n < buf.Len() {
		if err := e.k.CopyRange(wg, buf, scratch, buf.Len(), buf.Len()); err != nil {
			return err
		}
	}

	limit := min(segment, n)
	step := 0
	for offset := 1; offset < limit; offset <<= 1 {
		step++
		var err error
		if segment >= n {
			err = e.k.PrefixSumStep(wg, buf, scratch, n, offset)
		} else {
			err = e.k.SegmentedPrefixSumStep(wg, buf, scratch, n, offset, segment)
		}
		if err != nil {
			return err
		}
		if err := buf.Swap(scratch); err != nil {
			return err
		}
		log.Debug().Int("step", step).Int("offset", offset).Int("n", n).Msg("Scan step enqueued")
	}

	if mode == Exclusive {
		if err := e.k.ShiftRight(wg, buf, scratch, n, limit); err != nil {
			return err
		}
		if err := buf.Swap(scratch); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) hillisSteele(buf *device.Buffer, n, segment int, mode Mode) error {
	scratch, err := e.k.Device().NewBuffer(buf.Len())
	if err != nil {
		return err
	}
	defer scratch.Release()
	return e.Enqueue(buf, scratch, n, segment, mode)
}

// blelloch enqueues a work-efficient scan through a padded copy of buf.
func (e *Engine) blelloch(buf *device.Buffer, n int, mode Mode) error {
	wg := e.opts.WorkGroupSize
	logN := bits.Len(uint(n - 1))
	padded := 1 << logN

	work, err := e.k.Device().NewBuffer(padded)
	if err != nil {
		return err
	}
	defer work.Release()

	if err := e.k.CopyRange(wg, buf, work, n, padded); err != nil {
		return err
	}
	for l := 1; l <= logN; l++ {
		if err := e.k.PrefixSumSweep(wg, work, padded, l, kernels.UpSweep); err != nil {
			return err
		}
	}
	for l := logN; l >= 1; l-- {
		if err := e.k.PrefixSumSweep(wg, work, padded, l, kernels.DownSweep); err != nil {
			return err
		}
	}
	if mode == Inclusive {
		if err := e.k.AddInto(wg, buf, work, n); err != nil {
			return err
		}
	}
	return e.k.CopyRange(wg, work, buf, n, n)
}

// Uint32s scans data on the device and returns the result.
func (e *Engine) Uint32s(ctx context.Context, data []uint32, mode Mode) ([]uint32, error) {
	out := make([]uint32, len(data))
	if len(data) == 0 {
		return out, nil
	}
	buf, err := e.k.Device().NewBuffer(len(data))
	if err != nil {
		return nil, err
	}
	defer buf.Release()

	if err := buf.Write(data); err != nil {
		return nil, err
	}
	if err := e.Scan(ctx, buf, len(data), mode); err != nil {
		return nil, err
	}
	if err := buf.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}
