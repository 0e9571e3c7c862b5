package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-radix/internal/client"
	"github.com/23skdu/longbow-radix/internal/device"
	"github.com/23skdu/longbow-radix/internal/radix"
	"github.com/23skdu/longbow-radix/internal/reduce"
	"github.com/23skdu/longbow-radix/internal/scan"
)

var (
	keysProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radix_keys_processed_total",
		Help: "The total number of values scanned, sorted or summed",
	}, []string{"op"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "radix_request_duration_seconds",
		Help:    "Time spent processing requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

// ScanRequest is the CBOR body of /scan.
type ScanRequest struct {
	Values []uint32 `cbor:"values"`
	// Mode is "inclusive" (default) or "exclusive".
	Mode string `cbor:"mode,omitempty"`
	// Segment > 0 scans every run of Segment values independently.
	Segment int `cbor:"segment,omitempty"`
}

// SumResponse is the CBOR body returned by /sum.
type SumResponse struct {
	Sum uint32 `cbor:"sum"`
}

// Wire sizes bounding request bodies: a CBOR uint32 takes at most five
// bytes, an Arrow uint32 value four.
const (
	cborBytesPerValue  = 5
	arrowBytesPerValue = 4
)

type Server struct {
	engine    EngineInterface
	alloc     memory.Allocator
	admission *Admission
}

// NewServer runs requests on engine once admission lets them in.
func NewServer(engine EngineInterface, admission *Admission) *Server {
	return &Server{
		engine:    engine,
		alloc:     memory.NewGoAllocator(),
		admission: admission,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/scan", s.handleScan)
	mux.HandleFunc("/sort", s.handleSort)
	mux.HandleFunc("/sort/arrow", s.handleSortArrow)
	mux.HandleFunc("/sum", s.handleSum)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, engine EngineInterface, admission *Admission) {
	srv := NewServer(engine, admission)

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "radix_device_memory_limit_bytes",
			Help: "Device memory limit, 0 when unlimited",
		},
		func() float64 {
			_, limit := engine.MemoryUsage()
			return float64(limit)
		},
	))

	log.Info().Str("addr", addr).Int64("max_concurrent", admission.max).Msg("Starting Radix Server")
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("radix-server")

// admit reserves n values of capacity until release is called.
func (s *Server) admit(ctx context.Context, w http.ResponseWriter, n int) (release func(), ok bool) {
	release, err := s.admission.Acquire(ctx, n)
	if errors.Is(err, errTooLarge) {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return nil, false
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return nil, false
	}
	return release, true
}

// limitBody caps r.Body at what the admission limit could ever let in.
func (s *Server) limitBody(w http.ResponseWriter, r *http.Request, bytesPerValue int) {
	r.Body = http.MaxBytesReader(w, r.Body, s.admission.BodyLimit(bytesPerValue))
}

// decodeFailed answers a request whose body could not be read.
func decodeFailed(w http.ResponseWriter, what string, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
		return
	}
	http.Error(w, fmt.Sprintf("Bad Request (%s): %v", what, err), http.StatusBadRequest)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scan.ErrInvalidArgument), errors.Is(err, radix.ErrInvalidParams),
		errors.Is(err, reduce.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrOutOfMemory):
		return http.StatusInsufficientStorage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeCBOR(w http.ResponseWriter, v any) {
	data, err := cbor.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleScan")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("scan").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ScanRequest
	s.limitBody(w, r, cborBytesPerValue)
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		decodeFailed(w, "CBOR decode", err)
		return
	}
	mode, err := scan.ParseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.Int("value_count", len(req.Values)),
		attribute.String("mode", mode.String()),
		attribute.Int("segment", req.Segment),
	)

	release, ok := s.admit(ctx, w, len(req.Values))
	if !ok {
		return
	}
	defer release()

	out, err := s.engine.Scan(ctx, req.Values, mode, req.Segment)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("Scan failed")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	keysProcessed.WithLabelValues("scan").Add(float64(len(req.Values)))
	writeCBOR(w, out)
}

func (s *Server) handleSort(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleSort")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("sort").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var keys []uint32
	s.limitBody(w, r, cborBytesPerValue)
	if err := cbor.NewDecoder(r.Body).Decode(&keys); err != nil {
		span.RecordError(err)
		decodeFailed(w, "CBOR decode", err)
		return
	}
	span.SetAttributes(attribute.Int("key_count", len(keys)))

	release, ok := s.admit(ctx, w, len(keys))
	if !ok {
		return
	}
	defer release()

	out, err := s.engine.Sort(ctx, keys)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("Sort failed")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	keysProcessed.WithLabelValues("sort").Add(float64(len(keys)))
	writeCBOR(w, out)
}

func (s *Server) handleSum(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleSum")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("sum").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var values []uint32
	s.limitBody(w, r, cborBytesPerValue)
	if err := cbor.NewDecoder(r.Body).Decode(&values); err != nil {
		span.RecordError(err)
		decodeFailed(w, "CBOR decode", err)
		return
	}

	release, ok := s.admit(ctx, w, len(values))
	if !ok {
		return
	}
	defer release()

	sum, err := s.engine.Sum(ctx, values)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("Sum failed")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	keysProcessed.WithLabelValues("sum").Add(float64(len(values)))
	writeCBOR(w, SumResponse{Sum: sum})
}

// handleSortArrow reads an Arrow IPC stream of keys records, sorts all keys
// together and answers with a one-record IPC stream.
func (s *Server) handleSortArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleSortArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("sort_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.limitBody(w, r, arrowBytesPerValue)
	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		decodeFailed(w, "IPC reader", err)
		return
	}
	defer reader.Release()

	var keys []uint32
	for reader.Next() {
		if keys, err = client.Keys(keys, reader.Record()); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := reader.Err(); err != nil {
		log.Error().Err(err).Msg("Error reading Arrow stream")
		decodeFailed(w, "Arrow stream", err)
		return
	}
	span.SetAttributes(attribute.Int("key_count", len(keys)))

	release, ok := s.admit(ctx, w, len(keys))
	if !ok {
		return
	}
	defer release()

	sorted, err := s.engine.Sort(ctx, keys)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	keysProcessed.WithLabelValues("sort").Add(float64(len(keys)))

	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(sorted)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rec.Release()

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	writer := ipc.NewWriter(w, ipc.WithSchema(client.KeysSchema), ipc.WithAllocator(s.alloc))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		log.Error().Err(err).Msg("Failed to write Arrow stream")
		return
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close Arrow stream")
	}
}

// handleHealth fails once the device has faulted; the engine cannot
// recover without a restart.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Err(); err != nil {
		http.Error(w, fmt.Sprintf("Device failed: %v", err), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
