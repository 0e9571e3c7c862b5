package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-radix/internal/device"
	"github.com/23skdu/longbow-radix/internal/kernels"
	"github.com/23skdu/longbow-radix/internal/radix"
	"github.com/23skdu/longbow-radix/internal/reduce"
	"github.com/23skdu/longbow-radix/internal/scan"
)

// EngineInterface is what the HTTP and Flight servers need from the device.
type EngineInterface interface {
	Scan(ctx context.Context, values []uint32, mode scan.Mode, segment int) ([]uint32, error)
	Sort(ctx context.Context, keys []uint32) ([]uint32, error)
	Sum(ctx context.Context, values []uint32) (uint32, error)
	MemoryUsage() (used int64, limit int64)
	// Err is the device fault that stopped the engine, if any.
	Err() error
}

type EngineConfig struct {
	Radix        radix.Params
	ScanStrategy scan.Strategy
	SumStrategy  reduce.Strategy
	MemoryLimit  int64
}

// deviceEngine serializes requests onto one device context; the scan, sort
// and sum engines each own per-call state.
type deviceEngine struct {
	mu      sync.Mutex
	dev     *device.Context
	scanner *scan.Engine
	sorter  *radix.Sorter
	reducer *reduce.Reducer
	sumWith reduce.Strategy
}

func NewEngine(cfg EngineConfig) (*deviceEngine, error) {
	dev, err := kernels.NewDevice(device.WithMemoryLimit(cfg.MemoryLimit))
	if err != nil {
		return nil, err
	}
	e, err := newEngineOn(dev, cfg)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return e, nil
}

func newEngineOn(dev *device.Context, cfg EngineConfig) (*deviceEngine, error) {
	set, err := kernels.Load(dev)
	if err != nil {
		return nil, err
	}
	scanner, err := scan.NewEngine(set, scan.Options{WorkGroupSize: cfg.Radix.WorkGroupSize, Strategy: cfg.ScanStrategy})
	if err != nil {
		return nil, err
	}
	sorter, err := radix.NewSorter(set, cfg.Radix)
	if err != nil {
		return nil, err
	}
	reducer, err := reduce.NewReducer(set, cfg.Radix.WorkGroupSize)
	if err != nil {
		return nil, err
	}
	return &deviceEngine{
		dev:     dev,
		scanner: scanner,
		sorter:  sorter,
		reducer: reducer,
		sumWith: cfg.SumStrategy,
	}, nil
}

// Scan runs a flat scan when segment is zero, otherwise a segmented one.
func (e *deviceEngine) Scan(ctx context.Context, values []uint32, mode scan.Mode, segment int) ([]uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if segment == 0 {
		return e.scanner.Uint32s(ctx, values, mode)
	}
	if segment < 0 {
		return nil, fmt.Errorf("%w: segment size %d", scan.ErrInvalidArgument, segment)
	}
	out := make([]uint32, len(values))
	if len(values) == 0 {
		return out, nil
	}
	buf, err := e.dev.NewBuffer(len(values))
	if err != nil {
		return nil, err
	}
	defer buf.Release()
	if err := buf.Write(values); err != nil {
		return nil, err
	}
	if err := e.scanner.SegmentedScan(ctx, buf, len(values), segment, mode); err != nil {
		return nil, err
	}
	if err := buf.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *deviceEngine) Sort(ctx context.Context, keys []uint32) ([]uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sorter.Uint32s(ctx, keys)
}

func (e *deviceEngine) Sum(ctx context.Context, values []uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reducer.Uint32s(ctx, values, e.sumWith)
}

func (e *deviceEngine) MemoryUsage() (int64, int64) {
	return e.dev.MemoryUsage()
}

func (e *deviceEngine) Err() error {
	return e.dev.Queue().Err()
}

func (e *deviceEngine) Close() error {
	return e.dev.Close()
}
