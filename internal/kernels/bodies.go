package kernels

import (
	"sort"
	"sync/atomic"

	"github.com/23skdu/longbow-radix/internal/device"
	"github.com/23skdu/longbow-radix/internal/simd"
)

// Bodies mirror the .cl programs one work group at a time. Lanes run in
// order, and each loop over the lanes ends where the program has a barrier.

func prefixSumStep(g *device.Group) {
	src, dst := g.Buffer(0), g.Buffer(1)
	n, offset := int(g.Uint(2)), int(g.Uint(3))
	for l := 0; l < g.Local[0]; l++ {
		i := g.GlobalID(l)
		if i >= n {
			continue
		}
		v := src[i]
		if i >= offset {
			v += src[i-offset]
		}
		dst[i] = v
	}
}

func segmentedPrefixSumStep(g *device.Group) {
	src, dst := g.Buffer(0), g.Buffer(1)
	n, offset, segment := int(g.Uint(2)), int(g.Uint(3)), int(g.Uint(4))
	for l := 0; l < g.Local[0]; l++ {
		i := g.GlobalID(l)
		if i >= n {
			continue
		}
		v := src[i]
		if i >= offset && i/segment == (i-offset)/segment {
			v += src[i-offset]
		}
		dst[i] = v
	}
}

func shiftRight(g *device.Group) {
	src, dst := g.Buffer(0), g.Buffer(1)
	n, segment := int(g.Uint(2)), int(g.Uint(3))
	for l := 0; l < g.Local[0]; l++ {
		i := g.GlobalID(l)
		if i >= n {
			continue
		}
		if i%segment == 0 {
			dst[i] = 0
		} else {
			dst[i] = src[i-1]
		}
	}
}

func prefixSumSweep(g *device.Group) {
	as := g.Buffer(0)
	n, loglength, direction := int(g.Uint(1)), g.Uint(2), g.Uint(3)
	stride := 1 << loglength
	for l := 0; l < g.Local[0]; l++ {
		idx := (g.GlobalID(l)+1)*stride - 1
		if idx >= n {
			continue
		}
		left := idx - stride/2
		if direction == uint32(UpSweep) {
			as[idx] += as[left]
			continue
		}
		root := as[idx]
		if stride == n {
			root = 0
		}
		t := as[left]
		as[left] = root
		as[idx] = root + t
	}
}

func copyRange(g *device.Group) {
	src, dst := g.Buffer(0), g.Buffer(1)
	n, total := int(g.Uint(2)), int(g.Uint(3))
	for l := 0; l < g.Local[0]; l++ {
		i := g.GlobalID(l)
		if i >= total {
			continue
		}
		if i < n {
			dst[i] = src[i]
		} else {
			dst[i] = 0
		}
	}
}

// groupRange is the slice [lo, hi) of a 1-D launch over n items that
// belongs to g.
func groupRange(g *device.Group, n int) (int, int) {
	lo := g.GlobalID(0)
	return lo, max(lo, min(lo+g.Local[0], n))
}

func addInto(g *device.Group) {
	src, dst := g.Buffer(0), g.Buffer(1)
	lo, hi := groupRange(g, int(g.Uint(2)))
	simd.VecAdd(dst[lo:hi], src[lo:hi])
}

func fillZero(g *device.Group) {
	as, n := g.Buffer(0), int(g.Uint(1))
	for l := 0; l < g.Local[0]; l++ {
		if i := g.GlobalID(l); i < n {
			as[i] = 0
		}
	}
}

func radixCount(g *device.Group) {
	as, counters := g.Buffer(0), g.Buffer(1)
	n, shift, bits := int(g.Uint(2)), g.Uint(3), g.Uint(4)
	buckets := 1 << bits

	lo, hi := groupRange(g, n)
	row := counters[g.Linear()*buckets : (g.Linear()+1)*buckets]
	simd.Histogram(row, as[lo:hi], shift, uint32(buckets-1))
}

func matrixTranspose(g *device.Group) {
	src, dst := g.Buffer(0), g.Buffer(1)
	rows, cols := int(g.Uint(2)), int(g.Uint(3))
	tile := g.Local[0]
	if g.Local[1] != tile {
		panic("matrix_transpose: tile must be square")
	}

	local := make([]uint32, tile*tile)
	for ly := 0; ly < tile; ly++ {
		for lx := 0; lx < tile; lx++ {
			row, col := g.ID[1]*tile+ly, g.ID[0]*tile+lx
			if row < rows && col < cols {
				local[ly*tile+lx] = src[row*cols+col]
			}
		}
	}

	for ly := 0; ly < tile; ly++ {
		for lx := 0; lx < tile; lx++ {
			outRow, outCol := g.ID[0]*tile+ly, g.ID[1]*tile+lx
			if outRow < cols && outCol < rows {
				dst[outRow*rows+outCol] = local[lx*tile+ly]
			}
		}
	}
}

func radixLocalSort(g *device.Group) {
	as := g.Buffer(0)
	n, shift, bits := int(g.Uint(1)), g.Uint(2), g.Uint(3)
	start := g.ID[0] * g.Local[0]
	if start >= n {
		return
	}
	length := min(g.Local[0], n-start)
	mask := uint32(1)<<bits - 1
	digit := func(v uint32) uint32 { return (v >> shift) & mask }

	keys := make([]uint32, length)
	merged := make([]uint32, length)
	copy(keys, as[start:start+length])

	// Each round merges pairs of sorted runs of width w. A lane's output
	// position is its index in its own run plus the number of elements of
	// the other run that must precede it: strictly smaller digits for the
	// left run, smaller-or-equal for the right run.
	for w := 1; w < length; w *= 2 {
		for lid := 0; lid < length; lid++ {
			runStart := lid / (2 * w) * (2 * w)
			mid := min(runStart+w, length)
			end := min(runStart+2*w, length)
			d := digit(keys[lid])

			var pos int
			if lid < mid {
				before := sort.Search(end-mid, func(m int) bool { return digit(keys[mid+m]) >= d })
				pos = lid + before
			} else {
				before := sort.Search(mid-runStart, func(m int) bool { return digit(keys[runStart+m]) > d })
				pos = runStart + (lid - mid) + before
			}
			merged[pos] = keys[lid]
		}
		keys, merged = merged, keys
	}
	copy(as[start:start+length], keys)
}

func radixScatter(g *device.Group) {
	as, out := g.Buffer(0), g.Buffer(1)
	offsets, localOffsets := g.Buffer(2), g.Buffer(3)
	n, shift, bits, presorted := int(g.Uint(4)), g.Uint(5), g.Uint(6), g.Uint(7) != 0
	buckets := 1 << bits
	mask := uint32(buckets - 1)
	group, groups := g.ID[0], g.Count[0]

	var seen []uint32
	if !presorted {
		seen = make([]uint32, buckets)
	}
	for lid := 0; lid < g.Local[0]; lid++ {
		i := g.GlobalID(lid)
		if i >= n {
			break
		}
		d := int((as[i] >> shift) & mask)
		var rank uint32
		if presorted {
			rank = uint32(lid) - localOffsets[group*buckets+d]
		} else {
			rank = seen[d]
			seen[d]++
		}
		out[offsets[d*groups+group]+rank] = as[i]
	}
}

func sumAtomic(g *device.Group) {
	as, sum := g.Buffer(0), g.Buffer(1)
	n := int(g.Uint(2))
	for l := 0; l < g.Local[0]; l++ {
		if i := g.GlobalID(l); i < n {
			atomic.AddUint32(&sum[0], as[i])
		}
	}
}

func sumLoop(g *device.Group) {
	as, sum := g.Buffer(0), g.Buffer(1)
	n := int(g.Uint(2))
	for l := 0; l < g.Local[0]; l++ {
		lo := min(g.GlobalID(l)*ValuesPerItem, n)
		hi := min(lo+ValuesPerItem, n)
		if lo < hi {
			atomic.AddUint32(&sum[0], simd.Sum(as[lo:hi]))
		}
	}
}

func sumLoopCoalesced(g *device.Group) {
	as, sum := g.Buffer(0), g.Buffer(1)
	n := int(g.Uint(2))
	size := g.Local[0]
	base := g.Linear() * size * ValuesPerItem
	for l := 0; l < size; l++ {
		var acc uint32
		for i := 0; i < ValuesPerItem; i++ {
			if idx := base + i*size + l; idx < n {
				acc += as[idx]
			}
		}
		atomic.AddUint32(&sum[0], acc)
	}
}

func sumLocalBuffer(g *device.Group) {
	as, sum := g.Buffer(0), g.Buffer(1)
	lo, hi := groupRange(g, int(g.Uint(2)))
	atomic.AddUint32(&sum[0], simd.Sum(as[lo:hi]))
}

func sumTree(g *device.Group) {
	as, sum := g.Buffer(0), g.Buffer(1)
	n := int(g.Uint(2))
	size := g.Local[0]

	buf := make([]uint32, size)
	for l := range buf {
		if i := g.GlobalID(l); i < n {
			buf[l] = as[i]
		}
	}
	for nvalues := size; nvalues > 1; nvalues /= 2 {
		for l := 0; 2*l < nvalues; l++ {
			buf[l] += buf[l+nvalues/2]
		}
	}
	atomic.AddUint32(&sum[0], buf[0])
}
