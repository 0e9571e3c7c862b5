// Package bench times the scan, sort and sum engines against host
// baselines and checks every device result against the host reference.
package bench

import (
	"context"
	"fmt"
	"io"
	"math"
	"runtime"
	"slices"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/23skdu/longbow-radix/internal/kernels"
	"github.com/23skdu/longbow-radix/internal/radix"
	"github.com/23skdu/longbow-radix/internal/reduce"
	"github.com/23skdu/longbow-radix/internal/scan"
	"github.com/23skdu/longbow-radix/internal/simd"
	"github.com/23skdu/longbow-radix/internal/verify"
)

type Config struct {
	Iters int

	ScanSizes    []int
	ScanStrategy scan.Strategy

	RadixN int
	Radix  radix.Params

	SumN int
	// SumStrategies are the device reductions timed, in order.
	SumStrategies []reduce.Strategy
	WorkGroupSize int
}

func DefaultConfig() Config {
	return Config{
		Iters:         10,
		ScanSizes:     ScanSizes(4096, 1<<24),
		ScanStrategy:  scan.HillisSteele,
		RadixN:        32 * 128 * 128,
		Radix:         radix.DefaultParams(),
		SumN:          1 << 24,
		SumStrategies: reduce.Strategies(),
		WorkGroupSize: 128,
	}
}

// ScanSizes returns lo, 4lo, 16lo, ... up to hi.
func ScanSizes(lo, hi int) []int {
	var out []int
	for n := lo; n <= hi && n > 0; n *= 4 {
		out = append(out, n)
	}
	return out
}

// Result is the timing of one benchmark on one target.
type Result struct {
	Name   string
	Target string
	N      int
	// Avg and Std are lap statistics in seconds.
	Avg, Std float64
}

func (r Result) MillionsPerSec() float64 {
	if r.Avg == 0 {
		return math.Inf(1)
	}
	return float64(r.N) / 1e6 / r.Avg
}

type Runner struct {
	k   *kernels.Set
	cfg Config
}

func NewRunner(k *kernels.Set, cfg Config) (*Runner, error) {
	if cfg.Iters <= 0 {
		return nil, fmt.Errorf("bench: iterations must be positive, got %d", cfg.Iters)
	}
	if err := cfg.Radix.Validate(); err != nil {
		return nil, err
	}
	return &Runner{k: k, cfg: cfg}, nil
}

func result(name, target string, n int, t *Timer) Result {
	r := Result{Name: name, Target: target, N: n, Avg: t.LapAvg(), Std: t.LapStd()}
	log.Info().
		Str("bench", name).
		Str("target", target).
		Int("n", n).
		Float64("avg_s", r.Avg).
		Float64("std_s", r.Std).
		Float64("millions_per_s", r.MillionsPerSec()).
		Msg("Benchmark complete")
	return r
}

// Scan benchmarks inclusive scans for every configured size. Values stay
// small enough that the sum cannot overflow int32.
func (r *Runner) Scan(ctx context.Context) ([]Result, error) {
	e, err := scan.NewEngine(r.k, scan.Options{WorkGroupSize: r.cfg.Radix.WorkGroupSize, Strategy: r.cfg.ScanStrategy})
	if err != nil {
		return nil, err
	}
	dev := r.k.Device()

	var results []Result
	for _, n := range r.cfg.ScanSizes {
		hi := uint32(min(1023, math.MaxInt32/n))
		as := NewFastRandom(uint64(n)).Fill(n, 0, hi)
		want := verify.InclusiveScan(as)

		t := NewTimer()
		for i := 0; i < r.cfg.Iters; i++ {
			cpu := slices.Clone(as)
			t.Restart()
			simd.PrefixSum(cpu)
			t.NextLap()
		}
		results = append(results, result("scan", "cpu", n, t))

		buf, err := dev.NewBuffer(n)
		if err != nil {
			return nil, err
		}
		t = NewTimer()
		for i := 0; i < r.cfg.Iters; i++ {
			if err := buf.Write(as); err != nil {
				buf.Release()
				return nil, err
			}
			t.Restart()
			if err := e.Scan(ctx, buf, n, scan.Inclusive); err != nil {
				buf.Release()
				return nil, err
			}
			t.NextLap()
		}
		got := make([]uint32, n)
		err = buf.Read(got)
		buf.Release()
		if err != nil {
			return nil, err
		}
		if err := verify.Compare(want, got); err != nil {
			return nil, fmt.Errorf("scan n=%d: %w", n, err)
		}
		results = append(results, result("scan", "device", n, t))
	}
	return results, nil
}

// Radix benchmarks the sort on RadixN keys in [0, MaxInt32].
func (r *Runner) Radix(ctx context.Context) ([]Result, error) {
	s, err := radix.NewSorter(r.k, r.cfg.Radix)
	if err != nil {
		return nil, err
	}
	n := r.cfg.RadixN
	as := NewFastRandom(uint64(n)).Fill(n, 0, math.MaxInt32)

	var want []uint32
	t := NewTimer()
	for i := 0; i < r.cfg.Iters; i++ {
		cpu := slices.Clone(as)
		t.Restart()
		slices.Sort(cpu)
		t.NextLap()
		want = cpu
	}
	results := []Result{result("radix", "cpu", n, t)}

	buf, err := r.k.Device().NewBuffer(n)
	if err != nil {
		return nil, err
	}
	defer buf.Release()

	t = NewTimer()
	for i := 0; i < r.cfg.Iters; i++ {
		if err := buf.Write(as); err != nil {
			return nil, err
		}
		t.Restart()
		if err := s.Sort(ctx, buf, n); err != nil {
			return nil, err
		}
		t.NextLap()
	}
	got := make([]uint32, n)
	if err := buf.Read(got); err != nil {
		return nil, err
	}
	if err := verify.Compare(want, got); err != nil {
		return nil, fmt.Errorf("radix n=%d: %w", n, err)
	}
	return append(results, result("radix", "device", n, t)), nil
}

// Sum benchmarks the reduction on SumN values in [0, MaxUint32/SumN].
func (r *Runner) Sum(ctx context.Context) ([]Result, error) {
	red, err := reduce.NewReducer(r.k, r.cfg.WorkGroupSize)
	if err != nil {
		return nil, err
	}
	n := r.cfg.SumN
	as := NewFastRandom(42).Fill(n, 0, math.MaxUint32/uint32(max(n, 1)))
	want := verify.Sum(as)

	t := NewTimer()
	for i := 0; i < r.cfg.Iters; i++ {
		t.Restart()
		if got := simd.Sum(as); got != want {
			return nil, &verify.CorrectnessError{Want: want, Got: got}
		}
		t.NextLap()
	}
	results := []Result{result("sum", "cpu", n, t)}

	t = NewTimer()
	for i := 0; i < r.cfg.Iters; i++ {
		t.Restart()
		got, err := parallelSum(ctx, as)
		if err != nil {
			return nil, err
		}
		if got != want {
			return nil, &verify.CorrectnessError{Want: want, Got: got}
		}
		t.NextLap()
	}
	results = append(results, result("sum", "cpu-parallel", n, t))

	buf, err := r.k.Device().NewBuffer(n)
	if err != nil {
		return nil, err
	}
	defer buf.Release()
	if err := buf.Write(as); err != nil {
		return nil, err
	}

	for _, strategy := range r.cfg.SumStrategies {
		t = NewTimer()
		for i := 0; i < r.cfg.Iters; i++ {
			t.Restart()
			got, err := red.Sum(ctx, buf, n, strategy)
			if err != nil {
				return nil, err
			}
			if got != want {
				return nil, fmt.Errorf("sum %s: %w", strategy, &verify.CorrectnessError{Want: want, Got: got})
			}
			t.NextLap()
		}
		results = append(results, result("sum", "device/"+strategy.String(), n, t))
	}
	return results, nil
}

// All runs every benchmark in turn and stops at the first failure.
func (r *Runner) All(ctx context.Context) ([]Result, error) {
	var all []Result
	for _, run := range []func(context.Context) ([]Result, error){r.Scan, r.Radix, r.Sum} {
		res, err := run(ctx)
		if err != nil {
			return all, err
		}
		all = append(all, res...)
	}
	return all, nil
}

func parallelSum(ctx context.Context, as []uint32) (uint32, error) {
	workers := runtime.NumCPU()
	partial := make([]uint32, workers)
	chunk := (len(as) + workers - 1) / workers

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		lo := min(w*chunk, len(as))
		hi := min(lo+chunk, len(as))
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			partial[w] = simd.Sum(as[lo:hi])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return simd.Sum(partial), nil
}

// Report writes one line per result with grouped digits.
func Report(w io.Writer, results []Result) error {
	p := message.NewPrinter(language.English)
	for _, r := range results {
		if _, err := p.Fprintf(w, "%-6s %-22s n=%-12d %.6f+-%.6f s  %.2f millions/s\n",
			r.Name, r.Target, r.N, r.Avg, r.Std, r.MillionsPerSec()); err != nil {
			return err
		}
	}
	return nil
}
