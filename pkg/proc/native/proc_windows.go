//go:build windows && amd64
// +build windows,amd64

package native

import (
	"fmt"
	"runtime"
	"sort"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/go-minidump/minidump/pkg/format"
	"github.com/go-minidump/minidump/pkg/logflags"
	"github.com/go-minidump/minidump/pkg/proc"
)

// knownExceptionCodes are the NTSTATUS values a crashing Windows process is
// dumped for.
var knownExceptionCodes = map[uint32]bool{
	0x80000002: true, // EXCEPTION_DATATYPE_MISALIGNMENT
	0x80000003: true, // EXCEPTION_BREAKPOINT
	0x80000004: true, // EXCEPTION_SINGLE_STEP
	0xc0000005: true, // EXCEPTION_ACCESS_VIOLATION
	0xc0000006: true, // EXCEPTION_IN_PAGE_ERROR
	0xc0000008: true, // EXCEPTION_INVALID_HANDLE
	0xc000001d: true, // EXCEPTION_ILLEGAL_INSTRUCTION
	0xc000008c: true, // EXCEPTION_ARRAY_BOUNDS_EXCEEDED
	0xc000008d: true, // EXCEPTION_FLT_DENORMAL_OPERAND
	0xc000008e: true, // EXCEPTION_FLT_DIVIDE_BY_ZERO
	0xc000008f: true, // EXCEPTION_FLT_INEXACT_RESULT
	0xc0000090: true, // EXCEPTION_FLT_INVALID_OPERATION
	0xc0000091: true, // EXCEPTION_FLT_OVERFLOW
	0xc0000092: true, // EXCEPTION_FLT_STACK_CHECK
	0xc0000093: true, // EXCEPTION_FLT_UNDERFLOW
	0xc0000094: true, // EXCEPTION_INT_DIVIDE_BY_ZERO
	0xc0000095: true, // EXCEPTION_INT_OVERFLOW
	0xc0000096: true, // EXCEPTION_PRIV_INSTRUCTION
	0xc00000fd: true, // EXCEPTION_STACK_OVERFLOW
	0xc0000374: true, // STATUS_HEAP_CORRUPTION
}

// winAccessor reads a target through the Windows debug API surface: a
// process handle for memory and module queries plus one suspended thread
// handle per thread.
type winAccessor struct {
	pid      int
	hProcess windows.Handle
	threads  map[uint32]windows.Handle
	order    []uint32
	detached bool
	log      logflags.Logger
}

// Attach opens pid and suspends all of its threads. The target stays
// suspended until Detach.
func Attach(pid int) (proc.Accessor, error) {
	const access = windows.PROCESS_QUERY_INFORMATION | windows.PROCESS_VM_READ
	hProcess, err := windows.OpenProcess(access, false, uint32(pid))
	if err != nil {
		return nil, &proc.TargetUnavailableError{Pid: pid, Err: err}
	}

	a := &winAccessor{
		pid:      pid,
		hProcess: hProcess,
		threads:  map[uint32]windows.Handle{},
		log:      logflags.AccessorLogger(),
	}
	if err := a.suspendAll(); err != nil {
		a.Detach()
		return nil, &proc.TargetUnavailableError{Pid: pid, Err: err}
	}
	a.log.Debugf("attached to pid %d (%d threads)", pid, len(a.order))
	return a, nil
}

// suspendAll opens and suspends every thread, re-snapshotting until no new
// threads appear.
func (a *winAccessor) suspendAll() error {
	for {
		tids, err := threadEntries(uint32(a.pid))
		if err != nil {
			return err
		}
		newThreads := false
		for _, tid := range tids {
			if _, ok := a.threads[tid]; ok {
				continue
			}
			const taccess = _THREAD_GET_CONTEXT | _THREAD_QUERY_INFORMATION | _THREAD_SUSPEND_RESUME
			h, err := windows.OpenThread(taccess, false, tid)
			if err != nil {
				// thread exited between snapshot and open
				continue
			}
			if _, err := windows.SuspendThread(h); err != nil {
				windows.CloseHandle(h)
				continue
			}
			a.threads[tid] = h
			a.order = append(a.order, tid)
			newThreads = true
		}
		if !newThreads {
			return nil
		}
	}
}

func (a *winAccessor) Pid() int { return a.pid }

func (a *winAccessor) ThreadIDs() ([]uint32, error) {
	if a.detached {
		return nil, proc.ErrNotAttached
	}
	r := make([]uint32, len(a.order))
	copy(r, a.order)
	return r, nil
}

func (a *winAccessor) ThreadState(tid uint32) (*proc.ThreadInfo, error) {
	if a.detached {
		return nil, proc.ErrNotAttached
	}
	h, ok := a.threads[tid]
	if !ok {
		return nil, &proc.ThreadGoneError{ThreadID: tid}
	}

	ctx, err := threadContext(h)
	if err != nil {
		return nil, &proc.ThreadGoneError{ThreadID: tid}
	}

	info := &proc.ThreadInfo{ID: tid, SuspendCount: 1, Context: ctx}
	info.Name = getThreadDescription(h)
	if prio := getThreadPriority(h); prio != 0x7fffffff { // THREAD_PRIORITY_ERROR_RETURN
		info.SchedClass = uint32(prio)
	}
	return info, nil
}

func (a *winAccessor) ReadMemory(buf []byte, addr uint64) error {
	if a.detached {
		return proc.ErrNotAttached
	}
	if len(buf) == 0 {
		return nil
	}
	var done uintptr
	err := windows.ReadProcessMemory(a.hProcess, uintptr(addr), &buf[0], uintptr(len(buf)), &done)
	if err != nil || done != uintptr(len(buf)) {
		return &proc.UnmappedMemoryError{Addr: addr, Size: len(buf)}
	}
	return nil
}

func (a *winAccessor) ReadCString(addr uint64, max int) ([]byte, error) {
	var si _SYSTEM_INFO
	getNativeSystemInfo(&si)
	return readCString(a, addr, max, uint64(si.dwPageSize))
}

func (a *winAccessor) MemoryRegions() ([]proc.MemoryRegion, error) {
	if a.detached {
		return nil, proc.ErrNotAttached
	}

	var regions []proc.MemoryRegion
	var mbi windows.MemoryBasicInformation
	addr := uintptr(0)
	for {
		err := windows.VirtualQueryEx(a.hProcess, addr, &mbi, unsafe.Sizeof(mbi))
		if err != nil {
			break
		}
		if mbi.State == windows.MEM_COMMIT {
			read, write, exec := protFlags(mbi.Protect)
			regions = append(regions, proc.MemoryRegion{
				Base:  uint64(mbi.BaseAddress),
				Size:  uint64(mbi.RegionSize),
				Read:  read,
				Write: write,
				Exec:  exec,
			})
		}
		next := mbi.BaseAddress + mbi.RegionSize
		if next <= addr {
			break
		}
		addr = next
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Base < regions[j].Base })
	return regions, nil
}

func protFlags(protect uint32) (read, write, exec bool) {
	switch protect &^ (windows.PAGE_GUARD | windows.PAGE_NOCACHE) {
	case windows.PAGE_READONLY:
		read = true
	case windows.PAGE_READWRITE, windows.PAGE_WRITECOPY:
		read, write = true, true
	case windows.PAGE_EXECUTE:
		exec = true
	case windows.PAGE_EXECUTE_READ:
		read, exec = true, true
	case windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
		read, write, exec = true, true, true
	}
	return read, write, exec
}

func (a *winAccessor) Modules() ([]proc.ModuleInfo, error) {
	if a.detached {
		return nil, proc.ErrNotAttached
	}
	entries, err := moduleEntries(uint32(a.pid))
	if err != nil {
		return nil, err
	}
	modules := make([]proc.ModuleInfo, 0, len(entries))
	for i, e := range entries {
		modules = append(modules, proc.ModuleInfo{
			Base: uint64(e.ModBaseAddr),
			Size: uint64(e.ModBaseSize),
			Path: windows.UTF16ToString(e.ExePath[:]),
			// the first toolhelp entry is always the executable
			EntryPoint: i == 0,
		})
	}
	return modules, nil
}

func (a *winAccessor) Host() (*proc.HostInfo, error) {
	var si _SYSTEM_INFO
	getNativeSystemInfo(&si)
	ver := windows.RtlGetVersion()

	return &proc.HostInfo{
		Arch:              hostArch,
		Platform:          format.PlatformWindows,
		ProcessorLevel:    si.wProcessorLevel,
		ProcessorRevision: si.wProcessorRevision,
		NumberOfCPUs:      clampCPUs(runtime.NumCPU()),
		MajorVersion:      ver.MajorVersion,
		MinorVersion:      ver.MinorVersion,
		BuildNumber:       ver.BuildNumber,
		OSBuild:           fmt.Sprintf("%d.%d.%d", ver.MajorVersion, ver.MinorVersion, ver.BuildNumber),
		PageSize:          uint64(si.dwPageSize),
	}, nil
}

func (a *winAccessor) ProcessTimes() (*proc.ProcessTimes, error) {
	var creation, exit, kernel, user windows.Filetime
	if err := windows.GetProcessTimes(a.hProcess, &creation, &exit, &kernel, &user); err != nil {
		return &proc.ProcessTimes{}, nil
	}
	duration := func(ft windows.Filetime) uint32 {
		// 100ns units
		return uint32((uint64(ft.HighDateTime)<<32 | uint64(ft.LowDateTime)) / 1e7)
	}
	return &proc.ProcessTimes{
		CreateTime: uint32(creation.Nanoseconds() / 1e9),
		UserTime:   duration(user),
		KernelTime: duration(kernel),
	}, nil
}

func (a *winAccessor) KnownException(code uint32) bool {
	return knownExceptionCodes[code]
}

func (a *winAccessor) Detach() error {
	if a.detached {
		return nil
	}
	a.detached = true
	for _, tid := range a.order {
		h := a.threads[tid]
		windows.ResumeThread(h)
		windows.CloseHandle(h)
	}
	a.threads = nil
	a.order = nil
	windows.CloseHandle(a.hProcess)
	return nil
}
