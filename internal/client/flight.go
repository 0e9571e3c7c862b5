package client

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// SortCommand is the descriptor command of a sort exchange.
const SortCommand = "sort"

// FlightClient sends keys to a sort server via Apache Flight DoExchange.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	mem     memory.Allocator
	breaker *CircuitBreaker
}

// NewFlightClient connects to addr. Five consecutive failed exchanges stop
// further calls for thirty seconds.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client:  client,
		conn:    conn,
		mem:     memory.NewGoAllocator(),
		breaker: NewCircuitBreaker(5, 30*time.Second),
	}, nil
}

// Breaker exposes the client's circuit breaker.
func (c *FlightClient) Breaker() *CircuitBreaker {
	return c.breaker
}

// Sort returns keys in ascending order as sorted by the server.
func (c *FlightClient) Sort(ctx context.Context, keys []uint32) ([]uint32, error) {
	if len(keys) == 0 {
		return []uint32{}, nil
	}
	var out []uint32
	err := c.breaker.Do(func() error {
		var err error
		out, err = c.exchange(ctx, SortCommand, keys)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *FlightClient) exchange(ctx context.Context, cmd string, keys []uint32) ([]uint32, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	rec, err := NewRecordBatchBuilder(c.mem).BuildRecordBatch(keys)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(KeysSchema), ipc.WithAllocator(c.mem))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  []byte(cmd),
	})
	if err := writer.Write(rec); err != nil {
		return nil, fmt.Errorf("client: send keys: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, fmt.Errorf("client: read result: %w", err)
	}
	defer reader.Release()

	out := make([]uint32, 0, len(keys))
	for reader.Next() {
		if out, err = Keys(out, reader.Record()); err != nil {
			return nil, err
		}
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	if len(out) != len(keys) {
		return nil, fmt.Errorf("client: sent %d keys, got %d back", len(keys), len(out))
	}
	return out, nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
