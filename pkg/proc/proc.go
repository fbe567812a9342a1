// Package proc defines the capability surface used to read the runtime state
// of a target process: its threads, memory, loaded modules and CPU state.
// The platform-specific implementations live in the native subpackage; this
// package holds the interface, the data types they all share, and an
// in-memory implementation used for deterministic testing.
package proc

import "github.com/go-minidump/minidump/pkg/format"

// ThreadInfo is the captured state of a single thread.
type ThreadInfo struct {
	ID           uint32
	SuspendCount uint32

	// SchedClass is the scheduling class or policy of the thread. On
	// platforms that do not expose a numeric thread priority this value is
	// stored in the dump's priority field as an approximation.
	SchedClass uint32

	// Name is the thread name, empty when the platform cannot provide one.
	Name string

	// Context is the thread's CPU register snapshot in wire-format layout.
	Context format.Context
}

// StackPointer returns the thread's stack pointer.
func (t *ThreadInfo) StackPointer() uint64 { return t.Context.StackPointer() }

// ProgramCounter returns the thread's instruction pointer.
func (t *ThreadInfo) ProgramCounter() uint64 { return t.Context.InstructionPointer() }

// MemoryRegion is one mapped region of the target's address space. Regions
// are half-open intervals [Base, Base+Size).
type MemoryRegion struct {
	Base uint64
	Size uint64

	Read  bool
	Write bool
	Exec  bool

	// Filename is the backing file of the mapping, empty for anonymous
	// mappings.
	Filename string
	Offset   uint64
}

// End returns the first address past the region.
func (r *MemoryRegion) End() uint64 { return r.Base + r.Size }

// Contains reports whether addr falls inside the region. The upper bound is
// exclusive: Contains(r.Base+r.Size) is false.
func (r *MemoryRegion) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.Base+r.Size
}

// ModuleInfo describes one module (executable or shared library) loaded in
// the target.
type ModuleInfo struct {
	Base uint64
	Size uint64

	// Path is the module's file path as recorded by the platform's module
	// enumeration; it may be empty.
	Path string

	// BuildID is the module's unique identifier: the ELF build id on Linux,
	// the LC_UUID on Darwin, empty when unknown.
	BuildID []byte

	// Version is the platform-encoded module version, 0 when unknown.
	Version uint32

	// EntryPoint reports whether the module contains the process entry
	// point, i.e. is the main executable.
	EntryPoint bool
}

// Contains reports whether addr falls inside the module's image, using the
// same half-open rule as MemoryRegion.
func (m *ModuleInfo) Contains(addr uint64) bool {
	return addr >= m.Base && addr < m.Base+m.Size
}

// CrashContext carries the crash-time facts supplied by the external
// signal/exception front end. It is immutable for the duration of a dump.
type CrashContext struct {
	// ThreadID is the faulting thread.
	ThreadID uint32

	// HandlerThreadID is the thread the dump is being written from (signal
	// handler or exception port listener); it is excluded from the thread
	// list and recorded in the Breakpad info stream. Zero when unknown.
	HandlerThreadID uint32

	ExceptionCode    uint32
	ExceptionSubcode uint64
	FaultAddress     uint64

	// Context is the faulting thread's register state as captured by the
	// front end. When nil the thread's state is read from the target
	// instead.
	Context format.Context
}

// HostInfo holds the static facts about the machine the target runs on.
type HostInfo struct {
	Arch              format.Arch
	Platform          format.PlatformID
	ProcessorLevel    uint16
	ProcessorRevision uint16
	NumberOfCPUs      uint8

	MajorVersion uint32
	MinorVersion uint32
	BuildNumber  uint32

	// OSBuild is the human-readable OS build/version string.
	OSBuild string

	PageSize uint64
}

// ProcessTimes holds per-process timing counters for the MiscInfo stream.
// Fields that could not be retrieved are zero and masked out by the writer.
type ProcessTimes struct {
	CreateTime uint32 // unix seconds
	UserTime   uint32 // seconds
	KernelTime uint32 // seconds
}

// Accessor reads the runtime state of a target process. The four platform
// variants and the static test implementation expose identical semantics so
// that section writers never branch on platform.
//
// All methods are read-only with respect to the target except Detach, which
// resumes any threads the accessor suspended while attaching.
type Accessor interface {
	// Pid returns the target's process id.
	Pid() int

	// ThreadIDs enumerates the target's threads. The ordering is
	// platform-defined but stable within a single call.
	ThreadIDs() ([]uint32, error)

	// ThreadState reads one thread's CPU state and scheduling facts.
	// Returns ThreadGoneError if the thread exited after enumeration.
	ThreadState(tid uint32) (*ThreadInfo, error)

	// ReadMemory fills buf from the target's memory at addr. The read
	// either completes fully or fails with UnmappedMemoryError; partial
	// reads are never silently truncated.
	ReadMemory(buf []byte, addr uint64) error

	// ReadCString reads a NUL-terminated string of at most max bytes
	// starting at addr. The returned bytes exclude the NUL. Fails with
	// InvalidAddressError if addr itself is unmapped.
	ReadCString(addr uint64, max int) ([]byte, error)

	// MemoryRegions traverses the target's entire address space and
	// returns its mapped regions in ascending base order.
	MemoryRegions() ([]MemoryRegion, error)

	// Modules enumerates the modules loaded in the target.
	Modules() ([]ModuleInfo, error)

	// Host returns the static host facts for the SystemInfo stream.
	Host() (*HostInfo, error)

	// ProcessTimes returns the target's timing counters. Implementations
	// zero-fill the fields they cannot retrieve instead of failing.
	ProcessTimes() (*ProcessTimes, error)

	// KnownException reports whether code is an exception this platform
	// actually raises for hardware or software faults.
	KnownException(code uint32) bool

	// Detach releases the target, resuming any threads that were suspended
	// on attach. It must run on every exit path and is idempotent.
	Detach() error
}

// FindRegion returns the region of regions containing addr, or nil. The
// containment test is half-open on the upper bound.
func FindRegion(regions []MemoryRegion, addr uint64) *MemoryRegion {
	for i := range regions {
		if regions[i].Contains(addr) {
			return &regions[i]
		}
	}
	return nil
}
