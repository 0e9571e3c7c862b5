// Package radix sorts device-resident uint32 keys with a least significant
// digit radix sort.
//
// Each pass counts the digits of every work group into a groups x buckets
// matrix, transposes it to buckets x groups and exclusive-scans the flat
// transpose. Entry [d][g] of the scanned transpose is then the number of
// keys with a smaller digit plus the number of keys with digit d in earlier
// groups, which is where group g starts writing its digit-d keys. Adding a
// key's rank among the equal digits of its own group gives its destination.
// Every pass is stable, so after the last one the keys are sorted.
package radix

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-radix/internal/device"
	"github.com/23skdu/longbow-radix/internal/kernels"
	"github.com/23skdu/longbow-radix/internal/scan"
)

var tracer = otel.Tracer("longbow-radix/radix")

type State int

const (
	Idle State = iota
	Pass
	Done
)

func (s State) String() string {
	switch s {
	case Pass:
		return "pass"
	case Done:
		return "done"
	default:
		return "idle"
	}
}

// Event is delivered to an Observer when a pass starts, when it completes
// and when a sort finishes.
type Event struct {
	State State
	// Pass is the pass index while State is Pass.
	Pass int
	// Finished is set on the event that closes a pass.
	Finished bool
	Elapsed  time.Duration
}

type Observer func(Event)

type Option func(*Sorter)

func WithObserver(o Observer) Option {
	return func(s *Sorter) { s.observer = o }
}

// Sorter runs radix sorts on one device context. A Sorter is not safe for
// concurrent use.
type Sorter struct {
	k        *kernels.Set
	scan     *scan.Engine
	p        Params
	observer Observer

	state State
	pass  int
}

func NewSorter(k *kernels.Set, p Params, opts ...Option) (*Sorter, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	se, err := scan.NewEngine(k, scan.Options{WorkGroupSize: p.WorkGroupSize, Strategy: scan.HillisSteele})
	if err != nil {
		return nil, err
	}
	s := &Sorter{k: k, scan: se, p: p}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Sorter) Params() Params {
	return s.p
}

// State reports the sort phase and, while in Pass, the pass index.
func (s *Sorter) State() (State, int) {
	return s.state, s.pass
}

func (s *Sorter) emit(ev Event) {
	s.state, s.pass = ev.State, ev.Pass
	if s.observer != nil {
		s.observer(ev)
	}
}

// ZeroFill zeroes buf[0:n].
func (s *Sorter) ZeroFill(ctx context.Context, buf *device.Buffer, n int) error {
	if n < 0 || n > buf.Len() {
		return fmt.Errorf("%w: length %d for buffer of %d", ErrInvalidParams, n, buf.Len())
	}
	if err := s.k.FillZero(s.p.WorkGroupSize, buf, n); err != nil {
		return err
	}
	return s.k.Device().Queue().Finish(ctx)
}

// CountDigits adds the pass digit histogram of every work group of
// input[0:n] into the matching row of counters. counters holds one row of
// NumBuckets entries per group and must be zero-filled beforehand.
func (s *Sorter) CountDigits(ctx context.Context, input, counters *device.Buffer, n, pass int) error {
	if err := s.checkCount(input, counters, n, pass); err != nil {
		return err
	}
	bits := s.p.passBits(pass)
	if err := s.k.RadixCount(s.p.WorkGroupSize, input, counters, n, pass*s.p.BitsPerDigit, bits); err != nil {
		return err
	}
	return s.k.Device().Queue().Finish(ctx)
}

func (s *Sorter) checkCount(input, counters *device.Buffer, n, pass int) error {
	if n < 0 || n > input.Len() {
		return fmt.Errorf("%w: length %d for buffer of %d", ErrInvalidParams, n, input.Len())
	}
	if pass < 0 || pass >= s.p.NumPasses() {
		return fmt.Errorf("%w: pass %d of %d", ErrInvalidParams, pass, s.p.NumPasses())
	}
	groups := device.RoundUp(n, s.p.WorkGroupSize) / s.p.WorkGroupSize
	if need := groups << s.p.passBits(pass); counters.Len() < need {
		return fmt.Errorf("%w: %d counters for %d groups, need %d", ErrInvalidParams, counters.Len(), groups, need)
	}
	return nil
}

// Transpose writes the cols x rows transpose of the row-major rows x cols
// matrix src into dst.
func (s *Sorter) Transpose(ctx context.Context, src, dst *device.Buffer, rows, cols int) error {
	if rows < 0 || cols < 0 || src.Len() < rows*cols || dst.Len() < rows*cols {
		return fmt.Errorf("%w: %dx%d transpose of %d into %d", ErrInvalidParams, rows, cols, src.Len(), dst.Len())
	}
	if err := s.k.Transpose(src, dst, rows, cols); err != nil {
		return err
	}
	return s.k.Device().Queue().Finish(ctx)
}

// Sort replaces buf[0:n] with its keys in ascending order of their low
// TotalBits bits. Equal keys keep their input order. Elements past n are
// untouched.
func (s *Sorter) Sort(ctx context.Context, buf *device.Buffer, n int) error {
	ctx, span := tracer.Start(ctx, "Sort")
	defer span.End()
	span.SetAttributes(
		attribute.Int("n", n),
		attribute.Int("bits_per_digit", s.p.BitsPerDigit),
		attribute.Bool("local_presort", s.p.LocalPresort),
	)

	if n < 0 || n > buf.Len() {
		return fmt.Errorf("%w: sorting %d keys in buffer of %d", ErrInvalidParams, n, buf.Len())
	}
	s.state, s.pass = Idle, 0
	if n <= 1 {
		s.emit(Event{State: Done})
		return nil
	}

	start := time.Now()
	if err := s.sort(ctx, buf, n); err != nil {
		s.state = Idle
		span.RecordError(err)
		return fmt.Errorf("radix sort: %w", err)
	}
	elapsed := time.Since(start)
	s.emit(Event{State: Done, Elapsed: elapsed})

	log.Info().
		Int("n", n).
		Int("passes", s.p.NumPasses()).
		Dur("elapsed", elapsed).
		Msg("Radix sort complete")
	return nil
}

func (s *Sorter) sort(ctx context.Context, buf *device.Buffer, n int) error {
	dev := s.k.Device()
	wg := s.p.WorkGroupSize
	groups := device.RoundUp(n, wg) / wg
	counterLen := groups * s.p.NumBuckets()

	// Every transient buffer is allocated once and released on return.
	var transient []*device.Buffer
	defer func() {
		for _, b := range transient {
			b.Release()
		}
	}()
	alloc := func(size int) (*device.Buffer, error) {
		b, err := dev.NewBuffer(size)
		if err == nil {
			transient = append(transient, b)
		}
		return b, err
	}

	scratchKeys, err := alloc(buf.Len())
	if err != nil {
		return err
	}
	if n < buf.Len() {
		if err := s.k.CopyRange(wg, buf, scratchKeys, buf.Len(), buf.Len()); err != nil {
			return err
		}
	}
	counters, err := alloc(counterLen)
	if err != nil {
		return err
	}
	countersT, err := alloc(counterLen)
	if err != nil {
		return err
	}
	scanScratch, err := alloc(counterLen)
	if err != nil {
		return err
	}

	for pass := 0; pass < s.p.NumPasses(); pass++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		passStart := time.Now()
		s.emit(Event{State: Pass, Pass: pass})

		bits := s.p.passBits(pass)
		shift := pass * s.p.BitsPerDigit
		buckets := 1 << bits
		size := groups * buckets

		if s.p.LocalPresort {
			if err := s.k.RadixLocalSort(wg, buf, n, shift, bits); err != nil {
				return err
			}
		}
		if err := s.k.FillZero(wg, counters, size); err != nil {
			return err
		}
		if err := s.k.RadixCount(wg, buf, counters, n, shift, bits); err != nil {
			return err
		}
		if err := s.k.Transpose(counters, countersT, groups, buckets); err != nil {
			return err
		}
		// Global destinations: flat exclusive scan over the bucket-major layout.
		if err := s.scan.Enqueue(countersT, scanScratch, size, size, scan.Exclusive); err != nil {
			return err
		}
		// Per-group digit starts, read by the scatter of a presorted window.
		if err := s.scan.Enqueue(counters, scanScratch, size, buckets, scan.Exclusive); err != nil {
			return err
		}
		if err := s.k.RadixScatter(wg, buf, scratchKeys, countersT, counters, n, shift, bits, s.p.LocalPresort); err != nil {
			return err
		}
		if err := buf.Swap(scratchKeys); err != nil {
			return err
		}
		if err := dev.Queue().Finish(ctx); err != nil {
			return err
		}

		elapsed := time.Since(passStart)
		log.Debug().Int("pass", pass).Int("shift", shift).Dur("elapsed", elapsed).Msg("Radix pass complete")
		s.emit(Event{State: Pass, Pass: pass, Finished: true, Elapsed: elapsed})
	}
	return nil
}

// Uint32s sorts keys on the device and returns the sorted copy.
func (s *Sorter) Uint32s(ctx context.Context, keys []uint32) ([]uint32, error) {
	out := make([]uint32, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	buf, err := s.k.Device().NewBuffer(len(keys))
	if err != nil {
		return nil, err
	}
	defer buf.Release()

	if err := buf.Write(keys); err != nil {
		return nil, err
	}
	if err := s.Sort(ctx, buf, len(keys)); err != nil {
		return nil, err
	}
	if err := buf.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

// SortUint32s compiles the kernels on dev and sorts keys with p.
func SortUint32s(ctx context.Context, dev *device.Context, p Params, keys []uint32) ([]uint32, error) {
	set, err := kernels.Load(dev)
	if err != nil {
		return nil, err
	}
	s, err := NewSorter(set, p)
	if err != nil {
		return nil, err
	}
	return s.Uint32s(ctx, keys)
}
