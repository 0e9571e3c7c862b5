package device

import (
	"fmt"
)

// Buffer is a fixed-capacity array of uint32 resident in device memory.
// Host code reaches its contents only through Write and Read.
type Buffer struct {
	ctx      *Context
	data     []uint32
	released bool
}

func (b *Buffer) argKind() ArgKind { return ArgBuffer }

// NewBuffer allocates a zero-filled buffer of n elements.
func (c *Context) NewBuffer(n int) (*Buffer, error) {
	if n < 0 {
		return nil, fmt.Errorf("device: negative buffer length %d", n)
	}
	data, err := c.allocate(n)
	if err != nil {
		return nil, err
	}
	return &Buffer{ctx: c, data: data}, nil
}

// Len returns the capacity in elements.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Resize reallocates the buffer to n zero-filled elements. Launches already
// queued keep the old memory until they complete.
func (b *Buffer) Resize(n int) error {
	if b.released {
		return ErrReleased
	}
	if n == len(b.data) {
		return nil
	}
	data, err := b.ctx.allocate(n)
	if err != nil {
		return err
	}
	old := b.data
	b.data = data
	b.ctx.queue.release(old)
	return nil
}

// Write copies src into the start of the buffer and waits for the copy.
func (b *Buffer) Write(src []uint32) error {
	if b.released {
		return ErrReleased
	}
	if len(src) > len(b.data) {
		return fmt.Errorf("%w: writing %d elements into buffer of %d", ErrSizeMismatch, len(src), len(b.data))
	}
	data := b.data
	return b.ctx.queue.transfer("host_to_device", len(src)*4, func() {
		copy(data, src)
	})
}

// Read copies the start of the buffer into dst and waits for the copy.
func (b *Buffer) Read(dst []uint32) error {
	if b.released {
		return ErrReleased
	}
	if len(dst) > len(b.data) {
		return fmt.Errorf("%w: reading %d elements from buffer of %d", ErrSizeMismatch, len(dst), len(b.data))
	}
	data := b.data
	return b.ctx.queue.transfer("device_to_host", len(dst)*4, func() {
		copy(dst, data)
	})
}

// Swap exchanges the memory behind b and other. Both must have the same
// capacity and belong to the same context. No data is copied.
func (b *Buffer) Swap(other *Buffer) error {
	if b.released || other.released {
		return ErrReleased
	}
	if b.ctx != other.ctx {
		return fmt.Errorf("device: cannot swap buffers of different contexts")
	}
	if len(b.data) != len(other.data) {
		return fmt.Errorf("%w: swap of %d and %d element buffers", ErrSizeMismatch, len(b.data), len(other.data))
	}
	b.data, other.data = other.data, b.data
	return nil
}

// Release returns the buffer's memory to the context once every launch
// queued before it has finished. Release is idempotent.
func (b *Buffer) Release() {
	if b.released {
		return
	}
	b.released = true
	data := b.data
	b.data = nil
	b.ctx.queue.release(data)
}
