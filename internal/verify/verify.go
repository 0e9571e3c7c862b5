// Package verify computes host reference results and compares device
// output against them.
package verify

import (
	"fmt"
	"slices"

	"github.com/23skdu/longbow-radix/internal/simd"
)

// CorrectnessError reports the first element where a device result differs
// from the reference. Index equal to the shorter length means the lengths
// differ.
type CorrectnessError struct {
	Index int
	Want  uint32
	Got   uint32
	// Lengths are set only when the two results have different lengths.
	WantLen, GotLen int
}

func (e *CorrectnessError) Error() string {
	if e.WantLen != e.GotLen {
		return fmt.Sprintf("verify: length mismatch: want %d elements, got %d", e.WantLen, e.GotLen)
	}
	return fmt.Sprintf("verify: mismatch at index %d: want %d, got %d", e.Index, e.Want, e.Got)
}

// Compare returns nil when got equals want element for element.
func Compare(want, got []uint32) error {
	n := min(len(want), len(got))
	for i := 0; i < n; i++ {
		if want[i] != got[i] {
			return &CorrectnessError{Index: i, Want: want[i], Got: got[i], WantLen: len(want), GotLen: len(got)}
		}
	}
	if len(want) != len(got) {
		return &CorrectnessError{Index: n, WantLen: len(want), GotLen: len(got)}
	}
	return nil
}

func InclusiveScan(in []uint32) []uint32 {
	out := slices.Clone(in)
	simd.PrefixSum(out)
	return out
}

func ExclusiveScan(in []uint32) []uint32 {
	out := slices.Clone(in)
	simd.ExclusivePrefixSum(out)
	return out
}

// SegmentedScan scans every run of segment elements independently.
func SegmentedScan(in []uint32, segment int, exclusive bool) []uint32 {
	out := slices.Clone(in)
	for start := 0; start < len(out); start += segment {
		run := out[start:min(start+segment, len(out))]
		if exclusive {
			simd.ExclusivePrefixSum(run)
		} else {
			simd.PrefixSum(run)
		}
	}
	return out
}

// Sort returns the ascending sort of in.
func Sort(in []uint32) []uint32 {
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}

// StableSortByDigits sorts in on the low totalBits bits only, keeping the
// input order of equal keys.
func StableSortByDigits(in []uint32, totalBits int) []uint32 {
	out := slices.Clone(in)
	mask := uint32(0xffffffff)
	if totalBits < 32 {
		mask = uint32(1)<<totalBits - 1
	}
	slices.SortStableFunc(out, func(a, b uint32) int {
		a, b = a&mask, b&mask
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	})
	return out
}

func Sum(in []uint32) uint32 {
	return simd.Sum(in)
}
