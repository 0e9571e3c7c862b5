package scan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-radix/internal/device"
	"github.com/23skdu/longbow-radix/internal/kernels"
	"github.com/23skdu/longbow-radix/internal/verify"
)

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	dev, err := kernels.NewDevice()
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	set, err := kernels.Load(dev)
	require.NoError(t, err)
	e, err := NewEngine(set, opts)
	require.NoError(t, err)
	return e
}

func ramp(n int, mod uint32) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(i*31+7) % mod
	}
	return out
}

func TestScanExample(t *testing.T) {
	for _, strategy := range []Strategy{HillisSteele, Blelloch} {
		t.Run(strategy.String(), func(t *testing.T) {
			e := newEngine(t, Options{WorkGroupSize: 4, Strategy: strategy})
			in := []uint32{3, 1, 4, 1, 5, 9, 2, 6}

			got, err := e.Uint32s(context.Background(), in, Inclusive)
			require.NoError(t, err)
			assert.Equal(t, []uint32{3, 4, 8, 9, 14, 23, 25, 31}, got)

			got, err = e.Uint32s(context.Background(), in, Exclusive)
			require.NoError(t, err)
			assert.Equal(t, []uint32{0, 3, 4, 8, 9, 14, 23, 25}, got)
		})
	}
}

func TestScanMatchesReference(t *testing.T) {
	sizes := []int{1, 2, 3, 255, 256, 257, 1000, 4096, 5000}
	for _, strategy := range []Strategy{HillisSteele, Blelloch} {
		e := newEngine(t, Options{WorkGroupSize: 256, Strategy: strategy})
		for _, n := range sizes {
			in := ramp(n, 1024)
			for _, mode := range []Mode{Inclusive, Exclusive} {
				got, err := e.Uint32s(context.Background(), in, mode)
				require.NoError(t, err)

				want := verify.InclusiveScan(in)
				if mode == Exclusive {
					want = verify.ExclusiveScan(in)
				}
				require.NoError(t, verify.Compare(want, got), "%s %s n=%d", strategy, mode, n)
			}
		}
	}
}

func TestScanEdgeCases(t *testing.T) {
	e := newEngine(t, DefaultOptions())
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		got, err := e.Uint32s(ctx, nil, Inclusive)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("single", func(t *testing.T) {
		got, err := e.Uint32s(ctx, []uint32{42}, Inclusive)
		require.NoError(t, err)
		assert.Equal(t, []uint32{42}, got)

		got, err = e.Uint32s(ctx, []uint32{42}, Exclusive)
		require.NoError(t, err)
		assert.Equal(t, []uint32{0}, got)
	})

	t.Run("wraps modulo 2^32", func(t *testing.T) {
		got, err := e.Uint32s(ctx, []uint32{0xffffffff, 2, 0xffffffff}, Inclusive)
		require.NoError(t, err)
		assert.Equal(t, []uint32{0xffffffff, 1, 0}, got)
	})

	t.Run("tail untouched", func(t *testing.T) {
		buf, err := e.k.Device().NewBuffer(6)
		require.NoError(t, err)
		defer buf.Release()
		require.NoError(t, buf.Write([]uint32{1, 1, 1, 7, 8, 9}))

		require.NoError(t, e.Scan(ctx, buf, 3, Inclusive))
		got := make([]uint32, 6)
		require.NoError(t, buf.Read(got))
		assert.Equal(t, []uint32{1, 2, 3, 7, 8, 9}, got)
	})

	t.Run("length beyond buffer", func(t *testing.T) {
		buf, err := e.k.Device().NewBuffer(2)
		require.NoError(t, err)
		defer buf.Release()
		err = e.Scan(ctx, buf, 3, Inclusive)
		assert.True(t, errors.Is(err, ErrInvalidArgument))
	})
}

func TestSegmentedScan(t *testing.T) {
	e := newEngine(t, Options{WorkGroupSize: 8, Strategy: HillisSteele})
	ctx := context.Background()

	upload := func(data []uint32) *device.Buffer {
		buf, err := e.k.Device().NewBuffer(len(data))
		require.NoError(t, err)
		t.Cleanup(buf.Release)
		require.NoError(t, buf.Write(data))
		return buf
	}
	read := func(buf *device.Buffer) []uint32 {
		out := make([]uint32, buf.Len())
		require.NoError(t, buf.Read(out))
		return out
	}

	t.Run("exclusive per segment", func(t *testing.T) {
		buf := upload([]uint32{1, 2, 3, 4, 5, 6})
		require.NoError(t, e.SegmentedScan(ctx, buf, 6, 3, Exclusive))
		assert.Equal(t, []uint32{0, 1, 3, 0, 4, 9}, read(buf))
	})

	t.Run("partial trailing segment", func(t *testing.T) {
		buf := upload([]uint32{1, 1, 1, 1, 1, 1, 1})
		require.NoError(t, e.SegmentedScan(ctx, buf, 7, 3, Inclusive))
		assert.Equal(t, []uint32{1, 2, 3, 1, 2, 3, 1}, read(buf))
	})

	t.Run("matches reference", func(t *testing.T) {
		for _, segment := range []int{1, 2, 16, 17, 100} {
			in := ramp(1000, 97)
			for _, mode := range []Mode{Inclusive, Exclusive} {
				buf := upload(in)
				require.NoError(t, e.SegmentedScan(ctx, buf, len(in), segment, mode))
				want := verify.SegmentedScan(in, segment, mode == Exclusive)
				require.NoError(t, verify.Compare(want, read(buf)), "segment=%d %s", segment, mode)
			}
		}
	})

	t.Run("segment must be positive", func(t *testing.T) {
		buf := upload([]uint32{1})
		assert.ErrorIs(t, e.SegmentedScan(ctx, buf, 1, 0, Inclusive), ErrInvalidArgument)
	})
}

func TestNewEngineRejectsWorkGroupSize(t *testing.T) {
	dev, err := kernels.NewDevice()
	require.NoError(t, err)
	defer dev.Close()
	set, err := kernels.Load(dev)
	require.NoError(t, err)

	for _, wg := range []int{0, -4, 3, 100} {
		_, err := NewEngine(set, Options{WorkGroupSize: wg})
		assert.ErrorIs(t, err, ErrInvalidArgument, "wg=%d", wg)
	}
}

func TestParse(t *testing.T) {
	m, err := ParseMode("exclusive")
	require.NoError(t, err)
	assert.Equal(t, Exclusive, m)
	_, err = ParseMode("sideways")
	assert.Error(t, err)

	s, err := ParseStrategy("blelloch")
	require.NoError(t, err)
	assert.Equal(t, Blelloch, s)
	_, err = ParseStrategy("quick")
	assert.Error(t, err)
}

func TestEnqueueWithCallerScratch(t *testing.T) {
	e := newEngine(t, Options{WorkGroupSize: 4})
	dev := e.k.Device()

	buf, err := dev.NewBuffer(5)
	require.NoError(t, err)
	defer buf.Release()
	scratch, err := dev.NewBuffer(5)
	require.NoError(t, err)
	defer scratch.Release()
	short, err := dev.NewBuffer(4)
	require.NoError(t, err)
	defer short.Release()

	require.NoError(t, buf.Write([]uint32{2, 2, 2, 2, 2}))
	require.NoError(t, e.Enqueue(buf, scratch, 5, 5, Exclusive))
	require.NoError(t, dev.Queue().Finish(context.Background()))

	got := make([]uint32, 5)
	require.NoError(t, buf.Read(got))
	assert.Equal(t, []uint32{0, 2, 4, 6, 8}, got)

	assert.ErrorIs(t, e.Enqueue(buf, short, 5, 5, Inclusive), ErrInvalidArgument)
}
