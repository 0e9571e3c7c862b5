package radix

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-radix/internal/kernels"
)

// ErrInvalidParams is returned by Params.Validate and by operations given
// lengths that do not fit their buffers.
var ErrInvalidParams = errors.New("radix: invalid parameters")

// Params configures a Sorter.
type Params struct {
	// BitsPerDigit is the width of the digit sorted on in each pass.
	BitsPerDigit int
	// TotalBits is how many low-order key bits take part in the sort.
	TotalBits int
	// WorkGroupSize is the number of keys each group counts and scatters,
	// at most kernels.MaxWorkGroupSize.
	WorkGroupSize int
	// LocalPresort sorts every group's window by digit before counting, so
	// the scatter writes each bucket as one contiguous run.
	LocalPresort bool
}

func DefaultParams() Params {
	return Params{
		BitsPerDigit:  4,
		TotalBits:     32,
		WorkGroupSize: 256,
	}
}

func (p Params) Validate() error {
	if p.BitsPerDigit < 1 || p.BitsPerDigit > 16 {
		return fmt.Errorf("%w: bits per digit %d not in [1, 16]", ErrInvalidParams, p.BitsPerDigit)
	}
	if p.TotalBits < 1 || p.TotalBits > 32 {
		return fmt.Errorf("%w: total bits %d not in [1, 32]", ErrInvalidParams, p.TotalBits)
	}
	wg := p.WorkGroupSize
	if wg <= 0 || wg&(wg-1) != 0 {
		return fmt.Errorf("%w: work group size %d must be a power of two", ErrInvalidParams, wg)
	}
	if wg > kernels.MaxWorkGroupSize {
		return fmt.Errorf("%w: work group size %d exceeds %d",
			ErrInvalidParams, wg, kernels.MaxWorkGroupSize)
	}
	return nil
}

// NumPasses is ceil(TotalBits / BitsPerDigit).
func (p Params) NumPasses() int {
	return (p.TotalBits + p.BitsPerDigit - 1) / p.BitsPerDigit
}

// NumBuckets is the number of distinct digit values, 2^BitsPerDigit.
func (p Params) NumBuckets() int {
	return 1 << p.BitsPerDigit
}

// passBits is the digit width of pass; the last pass is narrower when
// TotalBits is not a multiple of BitsPerDigit.
func (p Params) passBits(pass int) int {
	return min(p.BitsPerDigit, p.TotalBits-pass*p.BitsPerDigit)
}

// DigitOf returns the bits-wide digit of key examined in pass.
func DigitOf(key uint32, pass, bits int) uint32 {
	shift := pass * bits
	if shift >= 32 {
		return 0
	}
	return (key >> shift) & (uint32(1)<<bits - 1)
}
