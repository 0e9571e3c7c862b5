package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProgram = `
// test kernels
__kernel void add_one(__global unsigned int* as, unsigned int n)
{
    const unsigned int i = get_global_id(0);
    if (i < n) as[i] += 1;
}

__kernel void poke(__global unsigned int* as, unsigned int index)
{
    as[index] = 7;
}

/* declared but never implemented */
__kernel void missing(__global unsigned int* as)
{
}
`

func testLibrary() Library {
	return Library{
		"add_one": {
			Name:      "add_one",
			Signature: Signature{ArgBuffer, ArgUint},
			Body: func(g *Group) {
				as, n := g.Buffer(0), int(g.Uint(1))
				for l := 0; l < g.Size(); l++ {
					if i := g.GlobalID(l); i < n {
						as[i]++
					}
				}
			},
		},
		"poke": {
			Name:      "poke",
			Signature: Signature{ArgBuffer, ArgUint},
			Body: func(g *Group) {
				g.Buffer(0)[g.Uint(1)] = 7
			},
		},
	}
}

func newTestContext(t *testing.T, opts ...Option) *Context {
	t.Helper()
	c, err := NewContext(append([]Option{WithLibrary(testLibrary())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestBuffer_Transfers(t *testing.T) {
	c := newTestContext(t)

	buf, err := c.NewBuffer(4)
	require.NoError(t, err)
	defer buf.Release()

	t.Run("zero filled", func(t *testing.T) {
		out := make([]uint32, 4)
		require.NoError(t, buf.Read(out))
		assert.Equal(t, []uint32{0, 0, 0, 0}, out)
	})

	t.Run("round trip", func(t *testing.T) {
		require.NoError(t, buf.Write([]uint32{1, 2, 3, 4}))
		out := make([]uint32, 4)
		require.NoError(t, buf.Read(out))
		assert.Equal(t, []uint32{1, 2, 3, 4}, out)
	})

	t.Run("partial write", func(t *testing.T) {
		require.NoError(t, buf.Write([]uint32{9}))
		out := make([]uint32, 2)
		require.NoError(t, buf.Read(out))
		assert.Equal(t, []uint32{9, 2}, out)
	})

	t.Run("oversized transfers", func(t *testing.T) {
		assert.ErrorIs(t, buf.Write(make([]uint32, 5)), ErrSizeMismatch)
		assert.ErrorIs(t, buf.Read(make([]uint32, 5)), ErrSizeMismatch)
	})
}

func TestBuffer_Swap(t *testing.T) {
	c := newTestContext(t)

	a, err := c.NewBuffer(3)
	require.NoError(t, err)
	b, err := c.NewBuffer(3)
	require.NoError(t, err)
	require.NoError(t, a.Write([]uint32{1, 1, 1}))
	require.NoError(t, b.Write([]uint32{2, 2, 2}))

	require.NoError(t, a.Swap(b))

	out := make([]uint32, 3)
	require.NoError(t, a.Read(out))
	assert.Equal(t, []uint32{2, 2, 2}, out)
	require.NoError(t, b.Read(out))
	assert.Equal(t, []uint32{1, 1, 1}, out)

	short, err := c.NewBuffer(2)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Swap(short), ErrSizeMismatch)

	short.Release()
	assert.ErrorIs(t, a.Swap(short), ErrReleased)
	assert.ErrorIs(t, short.Write([]uint32{1}), ErrReleased)
}

func TestBuffer_Resize(t *testing.T) {
	c := newTestContext(t)
	buf, err := c.NewBuffer(2)
	require.NoError(t, err)
	defer buf.Release()

	require.NoError(t, buf.Write([]uint32{5, 5}))
	require.NoError(t, buf.Resize(6))
	assert.Equal(t, 6, buf.Len())

	out := make([]uint32, 6)
	require.NoError(t, buf.Read(out))
	assert.Equal(t, make([]uint32, 6), out)
}

func TestContext_MemoryLimit(t *testing.T) {
	c := newTestContext(t, WithMemoryLimit(64))

	a, err := c.NewBuffer(12) // 48 bytes
	require.NoError(t, err)

	_, err = c.NewBuffer(8) // would be 80 bytes
	assert.ErrorIs(t, err, ErrOutOfMemory)

	used, limit := c.MemoryUsage()
	assert.Equal(t, int64(48), used)
	assert.Equal(t, int64(64), limit)

	a.Release()
	require.NoError(t, c.Queue().Finish(context.Background()))
	used, _ = c.MemoryUsage()
	assert.Equal(t, int64(0), used)

	b, err := c.NewBuffer(16)
	require.NoError(t, err)
	b.Release()
}

func TestContext_Compile(t *testing.T) {
	c := newTestContext(t)
	src := Source{Name: "test.cl", Text: testProgram}

	t.Run("ok and cached", func(t *testing.T) {
		before := getMetricValue(compileCacheHits)
		k1, err := c.Compile(src, "add_one")
		require.NoError(t, err)
		assert.Equal(t, "add_one", k1.Name())
		assert.Equal(t, Signature{ArgBuffer, ArgUint}, k1.Signature())

		k2, err := c.Compile(src, "add_one")
		require.NoError(t, err)
		assert.Same(t, k1, k2)
		assert.Equal(t, float64(1), getMetricValue(compileCacheHits)-before)
		assert.Equal(t, 1, c.CompiledKernels())
	})

	cases := []struct {
		name  string
		src   Source
		entry string
		log   string
	}{
		{"empty source", Source{Name: "empty.cl"}, "add_one", "empty program source"},
		{"unknown entry", src, "nope", "no kernel named 'nope'"},
		{"no implementation", src, "missing", "has no implementation"},
		{
			"arity mismatch",
			Source{Name: "bad.cl", Text: "__kernel void add_one(__global uint* as) {}"},
			"add_one",
			"declares 1 parameters, device expects 2",
		},
		{
			"kind mismatch",
			Source{Name: "bad.cl", Text: "__kernel void add_one(__global uint* as, __global uint* n) {}"},
			"add_one",
			"parameter 1 is __global uint*, device expects uint",
		},
		{
			"unsupported type",
			Source{Name: "bad.cl", Text: "__kernel void add_one(__global float* as, uint n) {}"},
			"add_one",
			"unsupported type",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Compile(tc.src, tc.entry)
			var cerr *CompilationError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tc.entry, cerr.Entry)
			assert.Contains(t, cerr.Log, tc.log)
		})
	}
}

func TestQueue_LaunchInOrder(t *testing.T) {
	c := newTestContext(t, WithWorkers(3))
	k, err := c.Compile(Source{Name: "test.cl", Text: testProgram}, "add_one")
	require.NoError(t, err)

	const n = 1000
	buf, err := c.NewBuffer(n)
	require.NoError(t, err)
	defer buf.Release()

	q := c.Queue()
	ws := NewWorkSize(64, RoundUp(n, 64))
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Launch(k, ws, buf, Uint(n)))
	}
	require.NoError(t, q.Finish(context.Background()))

	out := make([]uint32, n)
	require.NoError(t, buf.Read(out))
	for i, v := range out {
		if v != 5 {
			t.Fatalf("out[%d] = %d, want 5", i, v)
		}
	}
}

func TestQueue_BindingErrors(t *testing.T) {
	c := newTestContext(t)
	k, err := c.Compile(Source{Name: "test.cl", Text: testProgram}, "add_one")
	require.NoError(t, err)
	buf, err := c.NewBuffer(8)
	require.NoError(t, err)
	defer buf.Release()

	q := c.Queue()
	cases := map[string]struct {
		ws   WorkSize
		args []Arg
	}{
		"arity":        {NewWorkSize(8, 8), []Arg{buf}},
		"kind":         {NewWorkSize(8, 8), []Arg{Uint(1), Uint(8)}},
		"nil":          {NewWorkSize(8, 8), []Arg{nil, Uint(8)}},
		"ragged":       {NewWorkSize(8, 12), []Arg{buf, Uint(8)}},
		"empty global": {NewWorkSize(8, 0), []Arg{buf, Uint(8)}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := q.Launch(k, tc.ws, tc.args...)
			var eerr *ExecutionError
			require.ErrorAs(t, err, &eerr)
			assert.Equal(t, -1, eerr.Group)
		})
	}

	// Binding errors do not poison the queue.
	assert.NoError(t, q.Finish(context.Background()))
}

func TestQueue_FaultPoisonsQueue(t *testing.T) {
	c := newTestContext(t)
	src := Source{Name: "test.cl", Text: testProgram}
	poke, err := c.Compile(src, "poke")
	require.NoError(t, err)
	addOne, err := c.Compile(src, "add_one")
	require.NoError(t, err)

	buf, err := c.NewBuffer(4)
	require.NoError(t, err)

	q := c.Queue()
	faultsBefore := getMetricValue(kernelFaults.WithLabelValues("poke"))
	require.NoError(t, q.Launch(poke, NewWorkSize(1, 1), buf, Uint(99)))
	require.NoError(t, q.Launch(addOne, NewWorkSize(4, 4), buf, Uint(4)))

	err = q.Finish(context.Background())
	var eerr *ExecutionError
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, "poke", eerr.Kernel)
	assert.Equal(t, 0, eerr.Group)
	assert.Equal(t, float64(1), getMetricValue(kernelFaults.WithLabelValues("poke"))-faultsBefore)

	// The queued add_one was skipped and every later operation fails.
	assert.ErrorAs(t, q.Launch(addOne, NewWorkSize(4, 4), buf, Uint(4)), &eerr)
	err = buf.Read(make([]uint32, 4))
	assert.True(t, errors.As(err, &eerr))

	buf.Release()
}

func TestQueue_FinishHonoursContext(t *testing.T) {
	c := newTestContext(t)
	block := make(chan struct{})
	require.NoError(t, c.Queue().submit(command{name: "block", run: func() error {
		<-block
		return nil
	}}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Queue().Finish(ctx), context.DeadlineExceeded)

	close(block)
	assert.NoError(t, c.Queue().Finish(context.Background()))
}

func TestContext_Close(t *testing.T) {
	c, err := NewContext(WithLibrary(testLibrary()))
	require.NoError(t, err)
	buf, err := c.NewBuffer(4)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Queue().Finish(context.Background()), ErrQueueClosed)

	// Releasing after close frees immediately.
	buf.Release()
	used, _ := c.MemoryUsage()
	assert.Equal(t, int64(0), used)
}

func TestWorkSize(t *testing.T) {
	gx, gy, err := NewWorkSize2D(16, 16, 64, 32).Groups()
	require.NoError(t, err)
	assert.Equal(t, 4, gx)
	assert.Equal(t, 2, gy)

	assert.Equal(t, 256, RoundUp(1, 256))
	assert.Equal(t, 512, RoundUp(257, 256))
	assert.Equal(t, 0, RoundUp(0, 256))
}
