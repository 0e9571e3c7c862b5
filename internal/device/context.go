package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-radix/internal/cache"
)

// Option configures a Context.
type Option func(*Context)

// WithLibrary sets the entry points kernels can be compiled against.
func WithLibrary(lib Library) Option {
	return func(c *Context) {
		for name, e := range lib {
			c.lib[name] = e
		}
	}
}

// WithMemoryLimit caps the device memory held by live buffers. Zero means
// unlimited.
func WithMemoryLimit(bytes int64) Option {
	return func(c *Context) {
		c.memLimit = bytes
	}
}

// WithWorkers sets how many goroutines execute work groups of one launch.
func WithWorkers(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithName sets the device name reported by Name.
func WithName(name string) Option {
	return func(c *Context) {
		c.name = name
	}
}

// Context is an explicit device context. Everything that touches the device
// takes one; there is no process-wide active device.
type Context struct {
	name     string
	lib      Library
	workers  int
	memLimit int64
	memUsed  atomic.Int64

	kernels *cache.MapCache[uint64, *Kernel]
	pool    sync.Pool
	queue   *Queue
}

// NewContext creates a device context with one in-order queue.
func NewContext(opts ...Option) (*Context, error) {
	c := &Context{
		name:    "CPU",
		lib:     make(Library),
		workers: numWorkers,
		kernels: cache.NewMapCache[uint64, *Kernel](),
		pool: sync.Pool{
			New: func() interface{} {
				return new([]uint32)
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.memLimit < 0 {
		return nil, fmt.Errorf("device: negative memory limit %d", c.memLimit)
	}
	c.queue = newQueue(c)

	log.Debug().
		Str("device", c.name).
		Int("workers", c.workers).
		Int64("mem_limit", c.memLimit).
		Int("entries", len(c.lib)).
		Msg("Device context created")
	return c, nil
}

// Name returns the device name.
func (c *Context) Name() string {
	return c.name
}

// Queue returns the context's in-order command queue.
func (c *Context) Queue() *Queue {
	return c.queue
}

// MemoryUsage returns the bytes held by live buffers and the configured limit.
func (c *Context) MemoryUsage() (used int64, limit int64) {
	return c.memUsed.Load(), c.memLimit
}

// Close drains the queue and stops its worker.
func (c *Context) Close() error {
	err := c.queue.Finish(context.Background())
	c.queue.close()
	return err
}

// CompiledKernels returns how many kernels the context has built.
func (c *Context) CompiledKernels() int {
	return c.kernels.Size()
}

// Compile builds entry from src. Results are cached per (source, entry).
func (c *Context) Compile(src Source, entry string) (*Kernel, error) {
	key := xxhash.Sum64String(src.Name + "\x00" + src.Text + "\x00" + entry)
	k, hit, err := c.kernels.GetOrCreate(key, func() (*Kernel, error) {
		return c.build(src, entry)
	})
	if err != nil {
		return nil, err
	}
	if hit {
		compileCacheHits.Inc()
	}
	return k, nil
}

func (c *Context) build(src Source, entry string) (*Kernel, error) {
	decls, diags := parseSource(src)
	fail := func(format string, args ...interface{}) error {
		diags = append(diags, fmt.Sprintf("%s: error: "+format, append([]interface{}{src.Name}, args...)...))
		return &CompilationError{Program: src.Name, Entry: entry, Log: joinLog(diags)}
	}

	if len(src.Text) == 0 {
		return nil, fail("empty program source")
	}
	if len(diags) > 0 {
		return nil, &CompilationError{Program: src.Name, Entry: entry, Log: joinLog(diags)}
	}

	decl, ok := decls[entry]
	if !ok {
		return nil, fail("no kernel named '%s' in program", entry)
	}
	impl, ok := c.lib[entry]
	if !ok {
		return nil, fail("kernel '%s' has no implementation for device %s", entry, c.name)
	}
	if len(decl) != len(impl.Signature) {
		return nil, fail("kernel '%s' declares %d parameters, device expects %d", entry, len(decl), len(impl.Signature))
	}
	for i := range decl {
		if decl[i] != impl.Signature[i] {
			return nil, fail("kernel '%s' parameter %d is %s, device expects %s", entry, i, decl[i], impl.Signature[i])
		}
	}

	log.Debug().Str("program", src.Name).Str("entry", entry).Msg("Kernel compiled")
	return &Kernel{
		name:    entry,
		program: src.Name,
		sig:     impl.Signature,
		body:    impl.Body,
	}, nil
}

// Kernel is a compiled entry point bound to its typed parameter contract.
type Kernel struct {
	name    string
	program string
	sig     Signature
	body    Body
}

func (k *Kernel) Name() string {
	return k.name
}

func (k *Kernel) Signature() Signature {
	return k.sig
}

// bind validates args against the kernel signature once, resolving buffers
// to the memory they hold at submission time.
func (k *Kernel) bind(args []Arg) ([]bound, error) {
	if len(args) != len(k.sig) {
		return nil, fmt.Errorf("got %d arguments, signature has %d", len(args), len(k.sig))
	}
	out := make([]bound, len(args))
	for i, a := range args {
		if a == nil {
			return nil, fmt.Errorf("argument %d is nil", i)
		}
		if a.argKind() != k.sig[i] {
			return nil, fmt.Errorf("argument %d is %s, signature wants %s", i, a.argKind(), k.sig[i])
		}
		switch v := a.(type) {
		case *Buffer:
			if v.released {
				return nil, fmt.Errorf("argument %d: %w", i, ErrReleased)
			}
			out[i].data = v.data
		case Uint:
			out[i].scalar = uint32(v)
		}
	}
	return out, nil
}

func (c *Context) allocate(n int) ([]uint32, error) {
	bytes := int64(n) * 4
	if c.memLimit > 0 && c.memUsed.Add(bytes) > c.memLimit {
		c.memUsed.Add(-bytes)
		used := c.memUsed.Load()
		return nil, fmt.Errorf("%w: requested %d bytes, %d of %d in use", ErrOutOfMemory, bytes, used, c.memLimit)
	} else if c.memLimit == 0 {
		c.memUsed.Add(bytes)
	}
	allocatedBytes.Add(float64(bytes))

	p := c.pool.Get().(*[]uint32)
	if cap(*p) >= n {
		poolHits.Inc()
		data := (*p)[:n]
		clear(data)
		return data, nil
	}
	poolMisses.Inc()
	return make([]uint32, n), nil
}

func (c *Context) free(data []uint32) {
	bytes := int64(len(data)) * 4
	c.memUsed.Add(-bytes)
	allocatedBytes.Sub(float64(bytes))
	data = data[:0]
	c.pool.Put(&data)
}
