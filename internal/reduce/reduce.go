// Package reduce sums device-resident uint32 arrays.
package reduce

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-radix/internal/device"
	"github.com/23skdu/longbow-radix/internal/kernels"
)

var tracer = otel.Tracer("longbow-radix/reduce")

// ErrInvalidArgument is returned for bad lengths, work group sizes and
// strategy names.
var ErrInvalidArgument = errors.New("reduce: invalid argument")

type Strategy int

const (
	// Atomic adds every element straight into the result.
	Atomic Strategy = iota
	// Loop has each lane add kernels.ValuesPerItem consecutive values and
	// issue one atomic add.
	Loop
	// LoopCoalesced is Loop with the lanes of a group reading adjacent values
	// on every iteration.
	LoopCoalesced
	// LocalBuffer stages a group in local memory and lets one lane add it.
	LocalBuffer
	// Tree halves each group in local memory and adds one partial per group.
	Tree
)

var strategyNames = map[Strategy]string{
	Atomic:        "atomic",
	Loop:          "loop",
	LoopCoalesced: "loop-coalesced",
	LocalBuffer:   "local-buffer",
	Tree:          "tree",
}

// Strategies lists every strategy in benchmark order.
func Strategies() []Strategy {
	return []Strategy{Atomic, Loop, LoopCoalesced, LocalBuffer, Tree}
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return Atomic, nil
	}
	for strategy, name := range strategyNames {
		if name == s {
			return strategy, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown strategy %q", ErrInvalidArgument, s)
}

// Reducer sums buffers on one device context.
type Reducer struct {
	k  *kernels.Set
	wg int
}

// NewReducer returns a Reducer launching groups of wg lanes. wg must be a
// power of two no larger than kernels.MaxWorkGroupSize.
func NewReducer(k *kernels.Set, wg int) (*Reducer, error) {
	if wg <= 0 || wg&(wg-1) != 0 || wg > kernels.MaxWorkGroupSize {
		return nil, fmt.Errorf("%w: work group size %d must be a power of two up to %d",
			ErrInvalidArgument, wg, kernels.MaxWorkGroupSize)
	}
	return &Reducer{k: k, wg: wg}, nil
}

// Sum returns the sum of buf[0:n] modulo 2^32.
func (r *Reducer) Sum(ctx context.Context, buf *device.Buffer, n int, strategy Strategy) (uint32, error) {
	ctx, span := tracer.Start(ctx, "Sum")
	defer span.End()
	span.SetAttributes(attribute.Int("n", n), attribute.String("strategy", strategy.String()))

	if n < 0 || n > buf.Len() {
		return 0, fmt.Errorf("%w: length %d for buffer of %d", ErrInvalidArgument, n, buf.Len())
	}
	if n == 0 {
		return 0, nil
	}

	result, err := r.k.Device().NewBuffer(1)
	if err != nil {
		return 0, err
	}
	defer result.Release()

	switch strategy {
	case Atomic:
		err = r.k.SumAtomic(r.wg, buf, result, n)
	case Loop:
		err = r.k.SumLoop(r.wg, buf, result, n)
	case LoopCoalesced:
		err = r.k.SumLoopCoalesced(r.wg, buf, result, n)
	case LocalBuffer:
		err = r.k.SumLocalBuffer(r.wg, buf, result, n)
	case Tree:
		err = r.k.SumTree(r.wg, buf, result, n)
	default:
		err = fmt.Errorf("%w: unknown strategy %d", ErrInvalidArgument, int(strategy))
	}
	if err == nil {
		err = r.k.Device().Queue().Finish(ctx)
	}
	var out [1]uint32
	if err == nil {
		err = result.Read(out[:])
	}
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("sum: %w", err)
	}

	log.Debug().Int("n", n).Str("strategy", strategy.String()).Uint32("sum", out[0]).Msg("Sum complete")
	return out[0], nil
}

// Uint32s uploads data and sums it on the device.
func (r *Reducer) Uint32s(ctx context.Context, data []uint32, strategy Strategy) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	buf, err := r.k.Device().NewBuffer(len(data))
	if err != nil {
		return 0, err
	}
	defer buf.Release()
	if err := buf.Write(data); err != nil {
		return 0, err
	}
	return r.Sum(ctx, buf, len(data), strategy)
}
