//go:build linux && (amd64 || arm64)
// +build linux
// +build amd64 arm64

package native

import (
	"bytes"
	"os"
	"strconv"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-minidump/minidump/pkg/proc"
)

// selfAccessor dumps the calling process. It is built for use from a signal
// handler: everything that allocates or parses text happens in Self, and the
// dump-time methods only issue pread and getdents on descriptors opened up
// front.
type selfAccessor struct {
	pid      int
	memFD    int
	taskFD   int
	detached bool

	// snapshots taken at construction
	regions []proc.MemoryRegion
	modules []proc.ModuleInfo
	host    *proc.HostInfo

	// preallocated dump-time scratch space
	dents    []byte
	commPath []byte
	commBuf  []byte
}

// Self returns an accessor for the calling process. Unlike Attach it does
// not stop any threads: the caller is expected to be a crash handler whose
// siblings are already parked, and memory reads race with whatever is still
// running. Handlers should also preallocate the dump buffer before the crash
// and hand it to the writer, so the capture path does not grow it.
func Self() (proc.Accessor, error) {
	pid := os.Getpid()

	memFD, err := sys.Open("/proc/self/mem", sys.O_RDONLY, 0)
	if err != nil {
		return nil, &proc.TargetUnavailableError{Pid: pid, Err: err}
	}
	taskFD, err := sys.Open("/proc/self/task", sys.O_RDONLY|sys.O_DIRECTORY, 0)
	if err != nil {
		sys.Close(memFD)
		return nil, &proc.TargetUnavailableError{Pid: pid, Err: err}
	}

	a := &selfAccessor{
		pid:      pid,
		memFD:    memFD,
		taskFD:   taskFD,
		dents:    make([]byte, 16384),
		commPath: make([]byte, 0, 64),
		commBuf:  make([]byte, 64),
	}

	a.regions, err = readMaps("/proc/self/maps")
	if err != nil {
		a.Detach()
		return nil, &proc.TargetUnavailableError{Pid: pid, Err: err}
	}
	entry, _ := readAuxvEntry("/proc/self/auxv")
	a.modules = modulesFromRegions(a.regions, entry)
	if exe, err := os.Readlink("/proc/self/exe"); err == nil {
		for i := range a.modules {
			if a.modules[i].EntryPoint {
				a.modules[i].Path = exe
			}
		}
	}
	a.host, err = linuxHostInfo()
	if err != nil {
		a.Detach()
		return nil, &proc.TargetUnavailableError{Pid: pid, Err: err}
	}
	return a, nil
}

func (a *selfAccessor) Pid() int { return a.pid }

// ThreadIDs lists the task directory with getdents64 on the pre-opened
// descriptor. No allocation happens after the append grows once.
func (a *selfAccessor) ThreadIDs() ([]uint32, error) {
	if a.detached {
		return nil, proc.ErrNotAttached
	}
	if _, err := sys.Seek(a.taskFD, 0, 0); err != nil {
		return nil, err
	}

	var tids []uint32
	for {
		n, err := sys.Getdents(a.taskFD, a.dents)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return tids, nil
		}
		buf := a.dents[:n]
		for len(buf) > 0 {
			// struct linux_dirent64: ino 8, off 8, reclen 2, type 1, name
			reclen := int(buf[16]) | int(buf[17])<<8
			if reclen <= 0 || reclen > len(buf) {
				return tids, nil
			}
			name := buf[19:reclen]
			if i := bytes.IndexByte(name, 0); i >= 0 {
				name = name[:i]
			}
			if tid := atoui(name); tid != 0 {
				tids = append(tids, tid)
			}
			buf = buf[reclen:]
		}
	}
}

// atoui is a no-error, no-allocation atoi for dirent names. Returns 0 for
// anything that is not all digits.
func atoui(b []byte) uint32 {
	var n uint32
	if len(b) == 0 {
		return 0
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + uint32(c-'0')
	}
	return n
}

// ThreadState reads the thread name by openat on the pre-opened task
// directory, so no path string is built in the handler. Register state of
// sibling threads is not readable from inside the process, so the context is
// empty; the faulting thread's registers come from the crash context instead.
func (a *selfAccessor) ThreadState(tid uint32) (*proc.ThreadInfo, error) {
	if a.detached {
		return nil, proc.ErrNotAttached
	}

	// "<tid>/comm", NUL terminated, relative to taskFD
	a.commPath = strconv.AppendUint(a.commPath[:0], uint64(tid), 10)
	a.commPath = append(a.commPath, '/', 'c', 'o', 'm', 'm', 0)

	info := &proc.ThreadInfo{ID: tid, Context: emptyContext()}

	fd, _, errno := sys.Syscall6(sys.SYS_OPENAT, uintptr(a.taskFD), uintptr(unsafe.Pointer(&a.commPath[0])), uintptr(sys.O_RDONLY), 0, 0, 0)
	if errno != 0 {
		return nil, &proc.ThreadGoneError{ThreadID: tid}
	}
	n, err := sys.Read(int(fd), a.commBuf)
	sys.Close(int(fd))
	if err == nil && n > 0 {
		info.Name = string(bytes.TrimRight(a.commBuf[:n], "\n"))
	}
	return info, nil
}

func (a *selfAccessor) ReadMemory(buf []byte, addr uint64) error {
	if a.detached {
		return proc.ErrNotAttached
	}
	read := 0
	for read < len(buf) {
		n, err := sys.Pread(a.memFD, buf[read:], int64(addr)+int64(read))
		if err != nil || n == 0 {
			return &proc.UnmappedMemoryError{Addr: addr + uint64(read), Size: len(buf) - read}
		}
		read += n
	}
	return nil
}

func (a *selfAccessor) ReadCString(addr uint64, max int) ([]byte, error) {
	return readCString(a, addr, max, a.host.PageSize)
}

func (a *selfAccessor) MemoryRegions() ([]proc.MemoryRegion, error) {
	if a.detached {
		return nil, proc.ErrNotAttached
	}
	return a.regions, nil
}

func (a *selfAccessor) Modules() ([]proc.ModuleInfo, error) {
	if a.detached {
		return nil, proc.ErrNotAttached
	}
	return a.modules, nil
}

func (a *selfAccessor) Host() (*proc.HostInfo, error) {
	return a.host, nil
}

func (a *selfAccessor) ProcessTimes() (*proc.ProcessTimes, error) {
	return linuxProcessTimes(a.pid)
}

func (a *selfAccessor) KnownException(code uint32) bool {
	return fatalSignals[code]
}

func (a *selfAccessor) Detach() error {
	if a.detached {
		return nil
	}
	a.detached = true
	sys.Close(a.memFD)
	sys.Close(a.taskFD)
	return nil
}
