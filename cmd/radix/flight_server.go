package main

import (
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-radix/internal/client"
)

type RadixFlightServer struct {
	flight.BaseFlightServer
	engine    EngineInterface
	admission *Admission
	alloc     memory.Allocator
}

func NewRadixFlightServer(engine EngineInterface, admission *Admission) *RadixFlightServer {
	return &RadixFlightServer{
		engine:    engine,
		admission: admission,
		alloc:     memory.NewGoAllocator(),
	}
}

// DoExchange sorts every key the client sends and streams them back as one
// record once the client has finished sending.
func (s *RadixFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx := stream.Context()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	if desc := reader.LatestFlightDescriptor(); desc != nil && string(desc.Cmd) != client.SortCommand {
		return status.Errorf(codes.InvalidArgument, "unsupported command %q", desc.Cmd)
	}

	var keys []uint32
	for reader.Next() {
		if keys, err = client.Keys(keys, reader.Record()); err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		if !s.admission.Fits(len(keys)) {
			return status.Errorf(codes.ResourceExhausted, "exchange of more than %d keys", s.admission.max)
		}
	}
	if err := reader.Err(); err != nil {
		return err
	}
	log.Info().Int("keys", len(keys)).Msg("DoExchange received keys")

	release, err := s.admission.Acquire(ctx, len(keys))
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer release()

	sorted, err := s.engine.Sort(ctx, keys)
	if err != nil {
		log.Error().Err(err).Msg("DoExchange sort failed")
		return err
	}
	keysProcessed.WithLabelValues("sort").Add(float64(len(keys)))

	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(sorted)
	if err != nil {
		return err
	}
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(client.KeysSchema), ipc.WithAllocator(s.alloc))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// newFlightServer binds addr and registers the sort service.
func newFlightServer(addr string, engine EngineInterface, admission *Admission) (flight.Server, error) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewRadixFlightServer(engine, admission))
	if err := server.Init(addr); err != nil {
		return nil, err
	}
	return server, nil
}

func StartFlightServer(addr string, engine EngineInterface, admission *Admission) {
	server, err := newFlightServer(addr, engine, admission)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", server.Addr().String()).Msg("Starting Radix Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
