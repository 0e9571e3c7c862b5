package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// queueDepth bounds how many commands may be pending before Launch blocks.
const queueDepth = 1024

type command struct {
	name   string
	run    func() error
	always bool // runs even after the queue failed
}

// Queue is an in-order command queue. Commands run one at a time in
// submission order on a dedicated goroutine. The first failing command
// poisons the queue: later commands are skipped and Finish keeps returning
// that error. There is no retry.
type Queue struct {
	ctx  *Context
	cmds chan command
	done chan struct{}

	mu     sync.Mutex // guards closed and sends on cmds
	closed bool

	errMu sync.Mutex
	err   error
}

func newQueue(c *Context) *Queue {
	q := &Queue{
		ctx:  c,
		cmds: make(chan command, queueDepth),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.done)
	for cmd := range q.cmds {
		if !cmd.always && q.Err() != nil {
			continue
		}
		if err := cmd.run(); err != nil {
			q.fail(err)
		}
	}
}

// Err returns the error that poisoned the queue, if any.
func (q *Queue) Err() error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.err
}

func (q *Queue) fail(err error) {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	if q.err == nil {
		q.err = err
		log.Error().Err(err).Str("device", q.ctx.name).Msg("Command queue failed")
	}
}

func (q *Queue) submit(cmd command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.cmds <- cmd
	return nil
}

func (q *Queue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.cmds)
	}
	q.mu.Unlock()
	<-q.done
}

// Launch validates args against the kernel signature and enqueues one
// execution of k over ws. Binding errors are returned immediately; device
// faults surface from Finish.
func (q *Queue) Launch(k *Kernel, ws WorkSize, args ...Arg) error {
	if err := q.Err(); err != nil {
		return err
	}
	gx, gy, err := ws.Groups()
	if err != nil {
		return &ExecutionError{Kernel: k.name, Group: -1, Err: err}
	}
	bound, err := k.bind(args)
	if err != nil {
		return &ExecutionError{Kernel: k.name, Group: -1, Err: err}
	}
	return q.submit(command{
		name: k.name,
		run: func() error {
			return q.execute(k, ws, gx, gy, bound)
		},
	})
}

// Finish blocks until every command submitted before it has completed and
// returns the queue error, if any.
func (q *Queue) Finish(ctx context.Context) error {
	marker := make(chan struct{})
	err := q.submit(command{
		name:   "finish",
		always: true,
		run: func() error {
			close(marker)
			return nil
		},
	})
	if err != nil {
		return err
	}
	select {
	case <-marker:
		return q.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transfer runs a blocking host/device copy in queue order.
func (q *Queue) transfer(direction string, bytes int, copyFn func()) error {
	err := q.submit(command{
		name: direction,
		run: func() error {
			copyFn()
			transferBytes.WithLabelValues(direction).Add(float64(bytes))
			return nil
		},
	})
	if err != nil {
		return err
	}
	return q.Finish(context.Background())
}

// release hands memory back to the context after pending commands are done.
func (q *Queue) release(data []uint32) {
	err := q.submit(command{
		name:   "release",
		always: true,
		run: func() error {
			q.ctx.free(data)
			return nil
		},
	})
	if err != nil {
		// Queue is closed, nothing can still reference data.
		q.ctx.free(data)
	}
}

func (q *Queue) execute(k *Kernel, ws WorkSize, gx, gy int, args []bound) error {
	start := time.Now()
	total := gx * gy
	workers := min(q.ctx.workers, total)
	perWorker := (total + workers - 1) / workers

	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		first := w * perWorker
		if first >= total {
			break
		}
		last := min(first+perWorker, total)
		eg.Go(func() error {
			for id := first; id < last; id++ {
				if err := runGroup(k, ws, gx, gy, id, args); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := eg.Wait()

	kernelLaunches.WithLabelValues(k.name).Inc()
	kernelDuration.WithLabelValues(k.name).Observe(time.Since(start).Seconds())
	if err != nil {
		kernelFaults.WithLabelValues(k.name).Inc()
	}
	return err
}

func runGroup(k *Kernel, ws WorkSize, gx, gy, id int, args []bound) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ExecutionError{Kernel: k.name, Group: id, Err: fmt.Errorf("device fault: %v", r)}
		}
	}()
	g := &Group{
		ID:    [2]int{id % gx, id / gx},
		Count: [2]int{gx, gy},
		Local: ws.Local,
		args:  args,
	}
	k.body(g)
	return nil
}
