// Package simd holds unrolled host loops over uint32 slices. They are the
// CPU baselines the benchmarks compare device runs against.
package simd

// PrefixSum replaces data with its inclusive prefix sum
func PrefixSum(data []uint32) {
	var acc uint32
	i := 0
	// Unrolled loop for better pipelining
	for ; i <= len(data)-4; i += 4 {
		acc += data[i]
		data[i] = acc
		acc += data[i+1]
		data[i+1] = acc
		acc += data[i+2]
		data[i+2] = acc
		acc += data[i+3]
		data[i+3] = acc
	}
	for ; i < len(data); i++ {
		acc += data[i]
		data[i] = acc
	}
}

// ExclusivePrefixSum replaces data with its exclusive prefix sum
func ExclusivePrefixSum(data []uint32) {
	var acc uint32
	for i, v := range data {
		data[i] = acc
		acc += v
	}
}

// Sum adds every element, wrapping modulo 2^32
func Sum(data []uint32) uint32 {
	var s0, s1, s2, s3 uint32
	i := 0
	for ; i <= len(data)-4; i += 4 {
		s0 += data[i]
		s1 += data[i+1]
		s2 += data[i+2]
		s3 += data[i+3]
	}
	for ; i < len(data); i++ {
		s0 += data[i]
	}
	return s0 + s1 + s2 + s3
}

// VecAdd performs dst += src
func VecAdd(dst, src []uint32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	// Handle remainder
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// Histogram adds the count of each (v >> shift) & mask digit of data into
// hist, which must hold mask+1 entries.
func Histogram(hist, data []uint32, shift, mask uint32) {
	for _, v := range data {
		hist[(v>>shift)&mask]++
	}
}
