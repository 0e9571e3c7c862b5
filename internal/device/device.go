// Package device is the compute layer the scan and sort engines run on.
//
// A Context owns device memory, a compiled-kernel cache and a single
// in-order command Queue. Kernels are compiled from program source text and
// bound to an emulated body that runs on the host CPU: work groups are spread
// across goroutines, while the lanes of one group run in order so that a
// group body can model local memory and barriers with plain loops.
package device

import (
	"fmt"
	"runtime"
)

// numWorkers defines the default parallelism for group dispatch
var numWorkers = runtime.NumCPU()

// ArgKind is the type of a single kernel parameter.
type ArgKind int

const (
	// ArgBuffer is a __global uint* parameter.
	ArgBuffer ArgKind = iota
	// ArgUint is a by-value unsigned int parameter.
	ArgUint
)

func (k ArgKind) String() string {
	switch k {
	case ArgBuffer:
		return "__global uint*"
	case ArgUint:
		return "uint"
	default:
		return "unknown"
	}
}

// Signature is the ordered parameter list of a kernel entry point.
type Signature []ArgKind

// Arg is a value that can be bound to a kernel parameter.
// It is implemented by *Buffer and Uint.
type Arg interface {
	argKind() ArgKind
}

// Uint is a scalar kernel argument.
type Uint uint32

func (Uint) argKind() ArgKind { return ArgUint }

// Body is the emulated implementation of a kernel entry point. It runs once
// per work group. A panic inside a body is reported as a device fault.
type Body func(g *Group)

// Entry binds a kernel name to its parameter contract and body.
type Entry struct {
	Name      string
	Signature Signature
	Body      Body
}

// Library is the set of entry points a context can compile.
type Library map[string]Entry

// WorkSize is the launch shape: local (work group) and global extents in up
// to two dimensions. Unused dimensions are 1.
type WorkSize struct {
	Local  [2]int
	Global [2]int
}

// NewWorkSize returns a 1-D launch shape.
func NewWorkSize(local, global int) WorkSize {
	return WorkSize{Local: [2]int{local, 1}, Global: [2]int{global, 1}}
}

// NewWorkSize2D returns a 2-D launch shape.
func NewWorkSize2D(localX, localY, globalX, globalY int) WorkSize {
	return WorkSize{Local: [2]int{localX, localY}, Global: [2]int{globalX, globalY}}
}

// Groups returns the number of work groups per dimension.
func (ws WorkSize) Groups() (int, int, error) {
	for d := 0; d < 2; d++ {
		if ws.Local[d] <= 0 || ws.Global[d] <= 0 {
			return 0, 0, fmt.Errorf("work size %v/%v must be positive", ws.Local, ws.Global)
		}
		if ws.Global[d]%ws.Local[d] != 0 {
			return 0, 0, fmt.Errorf("global size %d is not a multiple of local size %d", ws.Global[d], ws.Local[d])
		}
	}
	return ws.Global[0] / ws.Local[0], ws.Global[1] / ws.Local[1], nil
}

// RoundUp rounds n up to the next multiple of m.
func RoundUp(n, m int) int {
	return (n + m - 1) / m * m
}

// Group is the view a kernel body gets of one work group.
type Group struct {
	// ID is the group index per dimension.
	ID [2]int
	// Count is the number of groups per dimension.
	Count [2]int
	// Local is the group extent per dimension.
	Local [2]int

	args []bound
}

type bound struct {
	data   []uint32
	scalar uint32
}

// Linear returns the row-major linear group index.
func (g *Group) Linear() int {
	return g.ID[1]*g.Count[0] + g.ID[0]
}

// Size returns the number of lanes in the group.
func (g *Group) Size() int {
	return g.Local[0] * g.Local[1]
}

// GlobalID returns the 1-D global index of a lane.
func (g *Group) GlobalID(lane int) int {
	return g.ID[0]*g.Local[0] + lane
}

// Buffer returns the device memory bound to parameter i.
func (g *Group) Buffer(i int) []uint32 {
	return g.args[i].data
}

// Uint returns the scalar bound to parameter i.
func (g *Group) Uint(i int) uint32 {
	return g.args[i].scalar
}
