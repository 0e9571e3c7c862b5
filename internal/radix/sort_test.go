package radix

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-radix/internal/device"
	"github.com/23skdu/longbow-radix/internal/kernels"
	"github.com/23skdu/longbow-radix/internal/verify"
)

func newSorter(t *testing.T, p Params, opts ...Option) *Sorter {
	t.Helper()
	dev, err := kernels.NewDevice()
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	set, err := kernels.Load(dev)
	require.NoError(t, err)
	s, err := NewSorter(set, p, opts...)
	require.NoError(t, err)
	return s
}

func randomKeys(n int, seed uint64) []uint32 {
	r := rand.New(rand.NewPCG(seed, 0))
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(r.Int32N(math.MaxInt32))
	}
	return out
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Params)
		ok     bool
	}{
		{"defaults", func(*Params) {}, true},
		{"one bit", func(p *Params) { p.BitsPerDigit = 1 }, true},
		{"sixteen bits", func(p *Params) { p.BitsPerDigit = 16 }, true},
		{"zero bits", func(p *Params) { p.BitsPerDigit = 0 }, false},
		{"seventeen bits", func(p *Params) { p.BitsPerDigit = 17 }, false},
		{"total bits zero", func(p *Params) { p.TotalBits = 0 }, false},
		{"total bits 33", func(p *Params) { p.TotalBits = 33 }, false},
		{"wg not power of two", func(p *Params) { p.WorkGroupSize = 96 }, false},
		{"presort 256", func(p *Params) { p.LocalPresort = true }, true},
		{"presort 512", func(p *Params) { p.LocalPresort = true; p.WorkGroupSize = 512 }, false},
		{"no presort 512", func(p *Params) { p.WorkGroupSize = 512 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.modify(&p)
			err := p.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidParams)
			}
		})
	}
}

func TestDerivedParams(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, 8, p.NumPasses())
	assert.Equal(t, 16, p.NumBuckets())

	p.BitsPerDigit = 5
	assert.Equal(t, 7, p.NumPasses())
	assert.Equal(t, 5, p.passBits(0))
	assert.Equal(t, 2, p.passBits(6))
}

func TestDigitOf(t *testing.T) {
	assert.Equal(t, uint32(0x8), DigitOf(0x12345678, 0, 4))
	assert.Equal(t, uint32(0x1), DigitOf(0x12345678, 7, 4))
	assert.Equal(t, uint32(0x34), DigitOf(0x12345678, 2, 8))
	assert.Equal(t, uint32(0), DigitOf(0xffffffff, 8, 4))
}

func TestSortExamples(t *testing.T) {
	for _, presort := range []bool{false, true} {
		p := DefaultParams()
		p.LocalPresort = presort
		s := newSorter(t, p)
		ctx := context.Background()

		tests := []struct {
			name string
			in   []uint32
			want []uint32
		}{
			{"mixed", []uint32{5, 3, 5, 1, 3}, []uint32{1, 3, 3, 5, 5}},
			{"all zero", []uint32{0, 0, 0, 0}, []uint32{0, 0, 0, 0}},
			{"single", []uint32{7}, []uint32{7}},
			{"empty", []uint32{}, []uint32{}},
			{"extremes", []uint32{math.MaxUint32, 0, 1 << 31, 1}, []uint32{0, 1, 1 << 31, math.MaxUint32}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.Uint32s(ctx, tt.in)
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			})
		}
	}
}

func TestSortMatchesReference(t *testing.T) {
	inputs := map[string][]uint32{
		"random":         randomKeys(32*128*4, 1),
		"ragged":         randomKeys(1000, 2),
		"sorted":         verify.Sort(randomKeys(777, 3)),
		"all equal":      make([]uint32, 600),
		"few distinct":   nil,
		"reverse sorted": nil,
	}
	few := randomKeys(2048, 4)
	for i := range few {
		few[i] %= 5
	}
	inputs["few distinct"] = few
	rev := verify.Sort(randomKeys(513, 5))
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	inputs["reverse sorted"] = rev

	variants := map[string]Params{
		"default":    DefaultParams(),
		"presort":    {BitsPerDigit: 4, TotalBits: 32, WorkGroupSize: 128, LocalPresort: true},
		"eight bits": {BitsPerDigit: 8, TotalBits: 32, WorkGroupSize: 64},
		"five bits":  {BitsPerDigit: 5, TotalBits: 32, WorkGroupSize: 32, LocalPresort: true},
	}
	for vname, p := range variants {
		s := newSorter(t, p)
		for name, in := range inputs {
			t.Run(vname+"/"+name, func(t *testing.T) {
				got, err := s.Uint32s(context.Background(), in)
				require.NoError(t, err)
				require.NoError(t, verify.Compare(verify.Sort(in), got))
			})
		}
	}
}

func TestSortIsStable(t *testing.T) {
	// Sort on the low 8 bits only; the high bits tag the input position.
	for _, presort := range []bool{false, true} {
		p := Params{BitsPerDigit: 4, TotalBits: 8, WorkGroupSize: 16, LocalPresort: presort}
		s := newSorter(t, p)

		in := make([]uint32, 300)
		for i := range in {
			in[i] = uint32(i)<<8 | uint32((i*37)%11)
		}
		got, err := s.Uint32s(context.Background(), in)
		require.NoError(t, err)
		require.NoError(t, verify.Compare(verify.StableSortByDigits(in, 8), got), "presort=%v", presort)
	}
}

func TestSortLeavesTail(t *testing.T) {
	s := newSorter(t, Params{BitsPerDigit: 4, TotalBits: 32, WorkGroupSize: 4})
	buf, err := s.k.Device().NewBuffer(8)
	require.NoError(t, err)
	defer buf.Release()
	require.NoError(t, buf.Write([]uint32{9, 4, 7, 1, 2, 100, 101, 102}))

	require.NoError(t, s.Sort(context.Background(), buf, 5))
	got := make([]uint32, 8)
	require.NoError(t, buf.Read(got))
	assert.Equal(t, []uint32{1, 2, 4, 7, 9, 100, 101, 102}, got)

	assert.ErrorIs(t, s.Sort(context.Background(), buf, 9), ErrInvalidParams)
}

func TestCountingInvariant(t *testing.T) {
	const wg = 64
	p := Params{BitsPerDigit: 4, TotalBits: 32, WorkGroupSize: wg}
	s := newSorter(t, p)
	ctx := context.Background()
	dev := s.k.Device()

	keys := randomKeys(wg*5+17, 9)
	groups := 6
	input, err := dev.NewBuffer(len(keys))
	require.NoError(t, err)
	defer input.Release()
	require.NoError(t, input.Write(keys))
	counters, err := dev.NewBuffer(groups * p.NumBuckets())
	require.NoError(t, err)
	defer counters.Release()

	for pass := 0; pass < p.NumPasses(); pass++ {
		require.NoError(t, s.ZeroFill(ctx, counters, counters.Len()))
		require.NoError(t, s.CountDigits(ctx, input, counters, len(keys), pass))

		got := make([]uint32, counters.Len())
		require.NoError(t, counters.Read(got))

		var total uint32
		for g := 0; g < groups; g++ {
			var row uint32
			for d := 0; d < p.NumBuckets(); d++ {
				row += got[g*p.NumBuckets()+d]
			}
			if g < groups-1 {
				assert.Equal(t, uint32(wg), row, "pass %d group %d", pass, g)
			} else {
				assert.Equal(t, uint32(17), row, "pass %d last group", pass)
			}
			total += row
		}
		assert.Equal(t, uint32(len(keys)), total)

		// Spot-check one digit of the first group against the host.
		var want uint32
		for _, k := range keys[:wg] {
			if DigitOf(k, pass, 4) == 3 {
				want++
			}
		}
		assert.Equal(t, want, got[3])
	}

	short, err := dev.NewBuffer(10)
	require.NoError(t, err)
	defer short.Release()
	assert.ErrorIs(t, s.CountDigits(ctx, input, short, len(keys), 0), ErrInvalidParams)
	assert.ErrorIs(t, s.CountDigits(ctx, input, counters, len(keys), 8), ErrInvalidParams)
}

func TestTransposeOperation(t *testing.T) {
	s := newSorter(t, DefaultParams())
	dev := s.k.Device()
	ctx := context.Background()

	src, err := dev.NewBuffer(6)
	require.NoError(t, err)
	defer src.Release()
	dst, err := dev.NewBuffer(6)
	require.NoError(t, err)
	defer dst.Release()

	require.NoError(t, src.Write([]uint32{1, 2, 3, 4, 5, 6}))
	require.NoError(t, s.Transpose(ctx, src, dst, 2, 3))
	got := make([]uint32, 6)
	require.NoError(t, dst.Read(got))
	assert.Equal(t, []uint32{1, 4, 2, 5, 3, 6}, got)

	assert.ErrorIs(t, s.Transpose(ctx, src, dst, 3, 3), ErrInvalidParams)
}

func TestObserverSeesEveryPass(t *testing.T) {
	var events []Event
	p := DefaultParams()
	s := newSorter(t, p, WithObserver(func(ev Event) { events = append(events, ev) }))

	st, _ := s.State()
	assert.Equal(t, Idle, st)

	_, err := s.Uint32s(context.Background(), randomKeys(1000, 11))
	require.NoError(t, err)

	require.Len(t, events, 2*p.NumPasses()+1)
	for pass := 0; pass < p.NumPasses(); pass++ {
		start, end := events[2*pass], events[2*pass+1]
		assert.Equal(t, Pass, start.State)
		assert.Equal(t, pass, start.Pass)
		assert.False(t, start.Finished)
		assert.True(t, end.Finished)
		assert.Equal(t, pass, end.Pass)
	}
	assert.Equal(t, Done, events[len(events)-1].State)

	st, _ = s.State()
	assert.Equal(t, Done, st)
}

func TestSortCancelled(t *testing.T) {
	s := newSorter(t, DefaultParams())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Uint32s(ctx, randomKeys(100, 12))
	assert.ErrorIs(t, err, context.Canceled)
	st, _ := s.State()
	assert.Equal(t, Idle, st)
}

func TestSortUint32s(t *testing.T) {
	dev, err := kernels.NewDevice(device.WithName("sort-test"))
	require.NoError(t, err)
	defer dev.Close()

	got, err := SortUint32s(context.Background(), dev, DefaultParams(), []uint32{3, 2, 1})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, got)

	_, err = SortUint32s(context.Background(), dev, Params{}, []uint32{1})
	assert.ErrorIs(t, err, ErrInvalidParams)
}
