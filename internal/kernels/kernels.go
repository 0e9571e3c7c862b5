// Package kernels holds the kernel programs used by the scan, sort and
// reduce engines, the host-CPU bodies that execute them, and a typed launch
// helper per entry point.
package kernels

import (
	_ "embed"

	"github.com/23skdu/longbow-radix/internal/device"
)

var (
	//go:embed cl/prefix_sum.cl
	prefixSumSource string
	//go:embed cl/radix.cl
	radixSource string
	//go:embed cl/sum.cl
	sumSource string
)

// Program sources, as handed to device.Context.Compile.
var (
	PrefixSum = device.Source{Name: "prefix_sum.cl", Text: prefixSumSource}
	Radix     = device.Source{Name: "radix.cl", Text: radixSource}
	Sum       = device.Source{Name: "sum.cl", Text: sumSource}
)

var (
	twoBuffers  = device.Signature{device.ArgBuffer, device.ArgBuffer}
	bufferCount = device.Signature{device.ArgBuffer, device.ArgUint}
)

func sig(head device.Signature, scalars int) device.Signature {
	s := append(device.Signature{}, head...)
	for i := 0; i < scalars; i++ {
		s = append(s, device.ArgUint)
	}
	return s
}

// Library returns every entry point this package implements.
func Library() device.Library {
	entries := []device.Entry{
		{Name: "prefix_sum_step", Signature: sig(twoBuffers, 2), Body: prefixSumStep},
		{Name: "segmented_prefix_sum_step", Signature: sig(twoBuffers, 3), Body: segmentedPrefixSumStep},
		{Name: "shift_right", Signature: sig(twoBuffers, 2), Body: shiftRight},
		{Name: "prefix_sum_sweep", Signature: sig(bufferCount, 2), Body: prefixSumSweep},
		{Name: "copy_range", Signature: sig(twoBuffers, 2), Body: copyRange},
		{Name: "add_into", Signature: sig(twoBuffers, 1), Body: addInto},
		{Name: "fill_zero", Signature: bufferCount, Body: fillZero},
		{Name: "radix_count", Signature: sig(twoBuffers, 3), Body: radixCount},
		{Name: "matrix_transpose", Signature: sig(twoBuffers, 2), Body: matrixTranspose},
		{Name: "radix_local_sort", Signature: sig(bufferCount, 2), Body: radixLocalSort},
		{
			Name: "radix_scatter",
			Signature: sig(device.Signature{
				device.ArgBuffer, device.ArgBuffer, device.ArgBuffer, device.ArgBuffer,
			}, 4),
			Body: radixScatter,
		},
		{Name: "sum_atomic", Signature: sig(twoBuffers, 1), Body: sumAtomic},
		{Name: "sum_loop", Signature: sig(twoBuffers, 1), Body: sumLoop},
		{Name: "sum_loop_coalesced", Signature: sig(twoBuffers, 1), Body: sumLoopCoalesced},
		{Name: "sum_local_buffer", Signature: sig(twoBuffers, 1), Body: sumLocalBuffer},
		{Name: "sum_tree", Signature: sig(twoBuffers, 1), Body: sumTree},
	}
	lib := make(device.Library, len(entries))
	for _, e := range entries {
		lib[e.Name] = e
	}
	return lib
}

// NewDevice creates a device context that can compile this package's programs.
func NewDevice(opts ...device.Option) (*device.Context, error) {
	return device.NewContext(append([]device.Option{device.WithLibrary(Library())}, opts...)...)
}
