package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-radix/internal/bench"
	"github.com/23skdu/longbow-radix/internal/client"
	"github.com/23skdu/longbow-radix/internal/device"
	"github.com/23skdu/longbow-radix/internal/kernels"
	"github.com/23skdu/longbow-radix/internal/radix"
	"github.com/23skdu/longbow-radix/internal/reduce"
	"github.com/23skdu/longbow-radix/internal/scan"
	"github.com/23skdu/longbow-radix/internal/verify"
)

var (
	mode          = flag.String("mode", "bench", "Run mode: bench or serve")
	keyCount      = flag.Int("n", 32*128*128, "Number of keys for the radix benchmark")
	bitsPerDigit  = flag.Int("bits", 4, "Bits per radix digit (1-16)")
	workGroupSize = flag.Int("wg", 256, "Work group size (power of two)")
	iters         = flag.Int("iters", 10, "Benchmark iterations per measurement")
	presort       = flag.Bool("presort", false, "Sort each work group locally before scattering")
	scanStrategy  = flag.String("strategy", "hillis-steele", "Scan strategy: hillis-steele or blelloch")
	sumStrategy   = flag.String("sum-strategy", "tree", "Sum strategy served on /sum: atomic, loop, loop-coalesced, local-buffer or tree (bench times all)")
	maxScan       = flag.Int("max-scan", 1<<24, "Largest scan benchmark size")
	flagMaxMemory = flag.String("max-memory", "0", "Device memory limit (e.g. 4GB, 512MB); 0 is unlimited")
	listenAddr    = flag.String("listen", ":8080", "Address to listen on for HTTP Server")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	serverAddr    = flag.String("server", "", "Radix Flight server to sort against in bench mode (e.g. localhost:9090)")
	maxConcurrent = flag.Int("max-concurrent", 1<<24, "Maximum number of values admitted across in-flight HTTP and Flight requests")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

// parseBytes accepts a plain byte count or one suffixed with KB, MB or GB.
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	var val int64
	var unit string
	n, err := fmt.Sscanf(s, "%d%s", &val, &unit)
	if n == 0 {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid byte size %q: negative", s)
	}

	switch strings.ToUpper(unit) {
	case "GB", "G":
		return val * 1024 * 1024 * 1024, nil
	case "MB", "M":
		return val * 1024 * 1024, nil
	case "KB", "K":
		return val * 1024, nil
	case "", "B":
		return val, nil
	default:
		return 0, fmt.Errorf("invalid byte size %q: unknown unit %q", s, unit)
	}
}

func radixParams() radix.Params {
	return radix.Params{
		BitsPerDigit:  *bitsPerDigit,
		TotalBits:     32,
		WorkGroupSize: *workGroupSize,
		LocalPresort:  *presort,
	}
}

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", *logLevel).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	memLimit, err := parseBytes(*flagMaxMemory)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -max-memory")
	}
	scanStrat, err := scan.ParseStrategy(*scanStrategy)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -strategy")
	}
	sumStrat, err := reduce.ParseStrategy(*sumStrategy)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -sum-strategy")
	}
	params := radixParams()
	if err := params.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid radix parameters")
	}
	log.Info().
		Str("max_memory", *flagMaxMemory).
		Int64("bytes", memLimit).
		Int("bits", params.BitsPerDigit).
		Int("wg", params.WorkGroupSize).
		Bool("presort", params.LocalPresort).
		Msg("Device configuration")

	switch *mode {
	case "serve":
		serve(EngineConfig{
			Radix:        params,
			ScanStrategy: scanStrat,
			SumStrategy:  sumStrat,
			MemoryLimit:  memLimit,
		})
	case "bench":
		cfg := bench.DefaultConfig()
		cfg.Iters = *iters
		cfg.ScanSizes = bench.ScanSizes(4096, *maxScan)
		cfg.ScanStrategy = scanStrat
		cfg.RadixN = *keyCount
		cfg.Radix = params
		if err := runBench(context.Background(), cfg, memLimit); err != nil {
			log.Fatal().Err(err).Msg("Benchmark failed")
		}
	default:
		log.Fatal().Str("mode", *mode).Msg("Unknown mode")
	}
}

func serve(cfg EngineConfig) {
	engine, err := NewEngine(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine")
	}
	defer engine.Close()

	admission := NewAdmission(*maxConcurrent)
	if *flightAddr != "" {
		go StartFlightServer(*flightAddr, engine, admission)
	}
	startServer(*listenAddr, engine, admission)
}

func runBench(ctx context.Context, cfg bench.Config, memLimit int64) error {
	dev, err := kernels.NewDevice(device.WithMemoryLimit(memLimit))
	if err != nil {
		return err
	}
	defer dev.Close()

	set, err := kernels.Load(dev)
	if err != nil {
		return err
	}
	runner, err := bench.NewRunner(set, cfg)
	if err != nil {
		return err
	}
	results, err := runner.All(ctx)
	if err != nil {
		return err
	}
	if err := bench.Report(os.Stdout, results); err != nil {
		return err
	}

	if *serverAddr != "" {
		return remoteSort(ctx, *serverAddr, cfg.RadixN)
	}
	return nil
}

// remoteSort sorts n random keys on a Flight server and checks the answer.
func remoteSort(ctx context.Context, addr string, n int) error {
	fc, err := client.NewFlightClient(addr)
	if err != nil {
		return err
	}
	defer func() {
		if err := fc.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close flight client")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	keys := bench.NewFastRandom(uint64(n)).Fill(n, 0, 1<<31-1)
	start := time.Now()
	sorted, err := fc.Sort(ctx, keys)
	if err != nil {
		return fmt.Errorf("remote sort: %w", err)
	}
	if err := verify.Compare(verify.Sort(keys), sorted); err != nil {
		return fmt.Errorf("remote sort: %w", err)
	}
	log.Info().Str("server", addr).Int("n", n).Dur("elapsed", time.Since(start)).Msg("Remote sort verified")
	return nil
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("radix"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
