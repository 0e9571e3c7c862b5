package kernels

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-radix/internal/device"
)

// Direction selects the phase of a Blelloch sweep.
type Direction uint32

const (
	UpSweep Direction = iota
	DownSweep
)

const (
	// TileSize is the edge of the square tile used by matrix_transpose.
	TileSize = 16
	// MaxWorkGroupSize bounds the __local arrays of the radix and sum
	// programs.
	MaxWorkGroupSize = 256
	// ValuesPerItem is how many values one lane of sum_loop and
	// sum_loop_coalesced adds.
	ValuesPerItem = 64
)

// Set is the compiled kernel set bound to one device context. Every method
// enqueues exactly one launch on the context queue and computes its own
// launch shape; n == 0 launches nothing.
type Set struct {
	dev *device.Context

	prefixSumStep          *device.Kernel
	segmentedPrefixSumStep *device.Kernel
	shiftRight             *device.Kernel
	prefixSumSweep         *device.Kernel
	copyRange              *device.Kernel
	addInto                *device.Kernel
	fillZero               *device.Kernel
	radixCount             *device.Kernel
	matrixTranspose        *device.Kernel
	radixLocalSort         *device.Kernel
	radixScatter           *device.Kernel
	sumAtomic              *device.Kernel
	sumLoop                *device.Kernel
	sumLoopCoalesced       *device.Kernel
	sumLocalBuffer         *device.Kernel
	sumTree                *device.Kernel
}

// Load compiles every kernel on dev.
func Load(dev *device.Context) (*Set, error) {
	s := &Set{dev: dev}
	targets := []struct {
		src   device.Source
		entry string
		dst   **device.Kernel
	}{
		{PrefixSum, "prefix_sum_step", &s.prefixSumStep},
		{PrefixSum, "segmented_prefix_sum_step", &s.segmentedPrefixSumStep},
		{PrefixSum, "shift_right", &s.shiftRight},
		{PrefixSum, "prefix_sum_sweep", &s.prefixSumSweep},
		{PrefixSum, "copy_range", &s.copyRange},
		{PrefixSum, "add_into", &s.addInto},
		{Radix, "fill_zero", &s.fillZero},
		{Radix, "radix_count", &s.radixCount},
		{Radix, "matrix_transpose", &s.matrixTranspose},
		{Radix, "radix_local_sort", &s.radixLocalSort},
		{Radix, "radix_scatter", &s.radixScatter},
		{Sum, "sum_atomic", &s.sumAtomic},
		{Sum, "sum_loop", &s.sumLoop},
		{Sum, "sum_loop_coalesced", &s.sumLoopCoalesced},
		{Sum, "sum_local_buffer", &s.sumLocalBuffer},
		{Sum, "sum_tree", &s.sumTree},
	}
	for _, t := range targets {
		k, err := dev.Compile(t.src, t.entry)
		if err != nil {
			return nil, fmt.Errorf("load kernels: %w", err)
		}
		*t.dst = k
	}
	log.Debug().
		Str("device", dev.Name()).
		Int("compiled", dev.CompiledKernels()).
		Msg("Kernels loaded")
	return s, nil
}

// Device returns the context the set was compiled for.
func (s *Set) Device() *device.Context {
	return s.dev
}

func (s *Set) launch1D(k *device.Kernel, wg, lanes int, args ...device.Arg) error {
	if lanes <= 0 {
		return nil
	}
	return s.dev.Queue().Launch(k, device.NewWorkSize(wg, device.RoundUp(lanes, wg)), args...)
}

func u(v int) device.Uint {
	return device.Uint(uint32(v))
}

// PrefixSumStep: dst[i] = src[i] + src[i-offset] for i >= offset, else src[i].
func (s *Set) PrefixSumStep(wg int, src, dst *device.Buffer, n, offset int) error {
	return s.launch1D(s.prefixSumStep, wg, n, src, dst, u(n), u(offset))
}

// SegmentedPrefixSumStep is PrefixSumStep restricted to segments of the
// given size.
func (s *Set) SegmentedPrefixSumStep(wg int, src, dst *device.Buffer, n, offset, segment int) error {
	return s.launch1D(s.segmentedPrefixSumStep, wg, n, src, dst, u(n), u(offset), u(segment))
}

// ShiftRight writes src shifted right by one into dst, with a zero at the
// start of every segment.
func (s *Set) ShiftRight(wg int, src, dst *device.Buffer, n, segment int) error {
	return s.launch1D(s.shiftRight, wg, n, src, dst, u(n), u(segment))
}

// PrefixSumSweep runs one Blelloch level over a power-of-two buffer of n.
func (s *Set) PrefixSumSweep(wg int, as *device.Buffer, n, loglength int, dir Direction) error {
	lanes := max(n>>loglength, 1)
	return s.launch1D(s.prefixSumSweep, wg, lanes, as, u(n), u(loglength), device.Uint(dir))
}

// CopyRange copies src[0:n] into dst and zero-fills dst[n:total].
func (s *Set) CopyRange(wg int, src, dst *device.Buffer, n, total int) error {
	return s.launch1D(s.copyRange, wg, total, src, dst, u(n), u(total))
}

// AddInto adds src[0:n] into dst element-wise.
func (s *Set) AddInto(wg int, src, dst *device.Buffer, n int) error {
	return s.launch1D(s.addInto, wg, n, src, dst, u(n))
}

// FillZero zeroes as[0:n].
func (s *Set) FillZero(wg int, as *device.Buffer, n int) error {
	return s.launch1D(s.fillZero, wg, n, as, u(n))
}

// RadixCount adds the digit histogram of each wg-sized group of as into row
// group of counters.
func (s *Set) RadixCount(wg int, as, counters *device.Buffer, n, shift, bits int) error {
	return s.launch1D(s.radixCount, wg, n, as, counters, u(n), u(shift), u(bits))
}

// Transpose writes the cols x rows transpose of the rows x cols matrix src
// into dst.
func (s *Set) Transpose(src, dst *device.Buffer, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return nil
	}
	ws := device.NewWorkSize2D(TileSize, TileSize,
		device.RoundUp(cols, TileSize), device.RoundUp(rows, TileSize))
	return s.dev.Queue().Launch(s.matrixTranspose, ws, src, dst, u(rows), u(cols))
}

// RadixLocalSort stably sorts each wg-sized window of as by digit.
func (s *Set) RadixLocalSort(wg int, as *device.Buffer, n, shift, bits int) error {
	return s.launch1D(s.radixLocalSort, wg, n, as, u(n), u(shift), u(bits))
}

// RadixScatter moves every key of as to its sorted position in out.
func (s *Set) RadixScatter(wg int, as, out, offsets, localOffsets *device.Buffer, n, shift, bits int, presorted bool) error {
	flag := 0
	if presorted {
		flag = 1
	}
	return s.launch1D(s.radixScatter, wg, n, as, out, offsets, localOffsets, u(n), u(shift), u(bits), u(flag))
}

// SumAtomic adds every element of as[0:n] into sum[0].
func (s *Set) SumAtomic(wg int, as, sum *device.Buffer, n int) error {
	return s.launch1D(s.sumAtomic, wg, n, as, sum, u(n))
}

// SumLoop has every lane add ValuesPerItem consecutive values of as[0:n]
// and add its partial into sum[0].
func (s *Set) SumLoop(wg int, as, sum *device.Buffer, n int) error {
	return s.launch1D(s.sumLoop, wg, (n+ValuesPerItem-1)/ValuesPerItem, as, sum, u(n))
}

// SumLoopCoalesced is SumLoop with lanes of a group striding over a shared
// block of wg*ValuesPerItem values.
func (s *Set) SumLoopCoalesced(wg int, as, sum *device.Buffer, n int) error {
	return s.launch1D(s.sumLoopCoalesced, wg, (n+ValuesPerItem-1)/ValuesPerItem, as, sum, u(n))
}

// SumLocalBuffer stages each group in local memory and lets lane 0 add it up.
func (s *Set) SumLocalBuffer(wg int, as, sum *device.Buffer, n int) error {
	return s.launch1D(s.sumLocalBuffer, wg, n, as, sum, u(n))
}

// SumTree reduces each group in local memory and adds the partials into sum[0].
func (s *Set) SumTree(wg int, as, sum *device.Buffer, n int) error {
	return s.launch1D(s.sumTree, wg, n, as, sum, u(n))
}
