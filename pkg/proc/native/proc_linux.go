//go:build linux && (amd64 || arm64)
// +build linux
// +build amd64 arm64

package native

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"

	lru "github.com/hashicorp/golang-lru"
	sys "golang.org/x/sys/unix"

	"github.com/go-minidump/minidump/pkg/format"
	"github.com/go-minidump/minidump/pkg/logflags"
	"github.com/go-minidump/minidump/pkg/proc"
)

const (
	// pageCacheSize bounds the number of target pages kept in memory while
	// the dump is being assembled.
	pageCacheSize = 256

	// userHz is the kernel's USER_HZ, the unit of the utime/stime/starttime
	// fields of /proc/pid/stat. It has been 100 on every architecture since
	// Linux 2.6.
	userHz = 100

	_AT_ENTRY = 9
)

// fatalSignals are the signals a crashing Linux process is dumped for.
// Matches the set breakpad-style crash handlers install themselves on.
var fatalSignals = map[uint32]bool{
	uint32(sys.SIGILL):  true,
	uint32(sys.SIGTRAP): true,
	uint32(sys.SIGABRT): true,
	uint32(sys.SIGBUS):  true,
	uint32(sys.SIGFPE):  true,
	uint32(sys.SIGSEGV): true,
	uint32(sys.SIGSYS):  true,
}

// ptraceAccessor reads a stopped target through ptrace. Every thread of the
// target is attached (and therefore stopped) for the lifetime of the
// accessor, so all reads observe a consistent snapshot.
type ptraceAccessor struct {
	pid      int
	attached []int
	detached bool

	pageSize  uint64
	pageCache *lru.Cache

	// vmReadBroken is set after the first EPERM/ENOSYS from
	// process_vm_readv; later reads go straight to PTRACE_PEEKDATA.
	vmReadBroken bool

	log logflags.Logger
}

// Attach stops every thread of pid and returns an accessor for it. The
// target stays stopped until Detach.
func Attach(pid int) (proc.Accessor, error) {
	if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err != nil {
		return nil, &proc.TargetUnavailableError{Pid: pid, Err: err}
	}

	cache, err := lru.New(pageCacheSize)
	if err != nil {
		return nil, err
	}
	a := &ptraceAccessor{
		pid:       pid,
		pageSize:  uint64(os.Getpagesize()),
		pageCache: cache,
		log:       logflags.AccessorLogger(),
	}

	if err := a.attachAll(); err != nil {
		a.Detach()
		return nil, &proc.TargetUnavailableError{Pid: pid, Err: err}
	}
	a.log.Debugf("attached to pid %d (%d threads)", pid, len(a.attached))
	return a, nil
}

// attachAll attaches to every thread of the target, repeating the
// enumeration until no new threads appear. Threads created between passes
// are still running and could spawn more.
func (a *ptraceAccessor) attachAll() error {
	seen := map[int]bool{}
	for {
		tids, err := a.taskIDs()
		if err != nil {
			return err
		}
		newThreads := false
		for _, tid := range tids {
			if seen[tid] {
				continue
			}
			seen[tid] = true
			newThreads = true
			if err := a.attachThread(tid); err != nil {
				if err == syscall.ESRCH {
					// exited between readdir and attach
					continue
				}
				return err
			}
			a.attached = append(a.attached, tid)
		}
		if !newThreads {
			return nil
		}
	}
}

// attachThread attaches to tid and waits for it to stop. Signals that stop
// the thread before our SIGSTOP arrives are re-delivered.
func (a *ptraceAccessor) attachThread(tid int) error {
	if err := ptraceAttach(tid); err != nil {
		return err
	}
	for {
		var s sys.WaitStatus
		if _, err := sys.Wait4(tid, &s, sys.WALL, nil); err != nil {
			return err
		}
		if s.Exited() || s.Signaled() {
			return syscall.ESRCH
		}
		if s.Stopped() && s.StopSignal() == sys.SIGSTOP {
			return nil
		}
		if err := ptraceCont(tid, int(s.StopSignal())); err != nil {
			return err
		}
	}
}

func (a *ptraceAccessor) Pid() int { return a.pid }

func (a *ptraceAccessor) taskIDs() ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", a.pid))
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}

func (a *ptraceAccessor) ThreadIDs() ([]uint32, error) {
	if a.detached {
		return nil, proc.ErrNotAttached
	}
	tids, err := a.taskIDs()
	if err != nil {
		return nil, err
	}
	r := make([]uint32, len(tids))
	for i, tid := range tids {
		r[i] = uint32(tid)
	}
	return r, nil
}

func (a *ptraceAccessor) ThreadState(tid uint32) (*proc.ThreadInfo, error) {
	if a.detached {
		return nil, proc.ErrNotAttached
	}

	ctx, err := registers(int(tid))
	if err != nil {
		if err == syscall.ESRCH {
			return nil, &proc.ThreadGoneError{ThreadID: tid}
		}
		return nil, err
	}

	info := &proc.ThreadInfo{ID: tid, SuspendCount: 1, Context: ctx}
	info.Name = a.threadComm(tid)
	info.SchedClass = a.threadPolicy(tid)
	return info, nil
}

// threadComm returns the thread name from comm, empty on any failure.
func (a *ptraceAccessor) threadComm(tid uint32) string {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/comm", a.pid, tid))
	if err != nil {
		return ""
	}
	return string(bytes.TrimRight(comm, "\n"))
}

// threadPolicy returns the thread's scheduling policy from the stat file.
// It stands in for a priority, which Linux does not expose as a single
// number.
func (a *ptraceAccessor) threadPolicy(tid uint32) uint32 {
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/stat", a.pid, tid))
	if err != nil {
		return 0
	}
	// comm can contain spaces and parentheses, skip past the last ')'
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 {
		return 0
	}
	fields := strings.Fields(string(stat[i+1:]))
	// fields[0] is stat field 3 (state); policy is field 41
	const policyField = 41 - 3
	if len(fields) <= policyField {
		return 0
	}
	policy, _ := strconv.ParseUint(fields[policyField], 10, 32)
	return uint32(policy)
}

func (a *ptraceAccessor) ReadMemory(buf []byte, addr uint64) error {
	if a.detached {
		return proc.ErrNotAttached
	}
	if len(buf) == 0 {
		return nil
	}

	read := 0
	for read < len(buf) {
		pos := addr + uint64(read)
		pageBase := pos &^ (a.pageSize - 1)
		page, err := a.readPage(pageBase)
		if err != nil {
			return &proc.UnmappedMemoryError{Addr: pos, Size: len(buf) - read}
		}
		off := pos - pageBase
		if off >= uint64(len(page)) {
			return &proc.UnmappedMemoryError{Addr: pos, Size: len(buf) - read}
		}
		read += copy(buf[read:], page[off:])
	}
	return nil
}

// readPage returns the target page starting at pageBase, going through the
// LRU cache. Stack windows and fault windows overlap heavily with the
// module and string reads, so caching pays for itself.
func (a *ptraceAccessor) readPage(pageBase uint64) ([]byte, error) {
	if cached, ok := a.pageCache.Get(pageBase); ok {
		return cached.([]byte), nil
	}

	page := make([]byte, a.pageSize)
	n, err := a.readRaw(page, pageBase)
	if err != nil || n == 0 {
		if err == nil {
			err = syscall.EIO
		}
		return nil, err
	}
	page = page[:n]
	a.pageCache.Add(pageBase, page)
	return page, nil
}

func (a *ptraceAccessor) readRaw(buf []byte, addr uint64) (int, error) {
	if !a.vmReadBroken {
		n, err := processVmRead(a.pid, uintptr(addr), buf)
		if err == nil {
			return n, nil
		}
		if err == syscall.EPERM || err == syscall.ENOSYS {
			a.vmReadBroken = true
			a.log.Debugf("process_vm_readv unavailable (%v), falling back to PTRACE_PEEKDATA", err)
		} else {
			return 0, err
		}
	}
	return peekRead(a.pid, uintptr(addr), buf)
}

func (a *ptraceAccessor) ReadCString(addr uint64, max int) ([]byte, error) {
	return readCString(a, addr, max, a.pageSize)
}

func (a *ptraceAccessor) MemoryRegions() ([]proc.MemoryRegion, error) {
	if a.detached {
		return nil, proc.ErrNotAttached
	}
	return readMaps(fmt.Sprintf("/proc/%d/maps", a.pid))
}

func (a *ptraceAccessor) Modules() ([]proc.ModuleInfo, error) {
	if a.detached {
		return nil, proc.ErrNotAttached
	}
	regions, err := a.MemoryRegions()
	if err != nil {
		return nil, err
	}
	entry, _ := readAuxvEntry(fmt.Sprintf("/proc/%d/auxv", a.pid))
	return modulesFromRegions(regions, entry), nil
}

func (a *ptraceAccessor) Host() (*proc.HostInfo, error) {
	return linuxHostInfo()
}

func (a *ptraceAccessor) ProcessTimes() (*proc.ProcessTimes, error) {
	return linuxProcessTimes(a.pid)
}

func (a *ptraceAccessor) KnownException(code uint32) bool {
	return fatalSignals[code]
}

func (a *ptraceAccessor) Detach() error {
	if a.detached {
		return nil
	}
	a.detached = true
	a.pageCache.Purge()

	var firstErr error
	for _, tid := range a.attached {
		if err := ptraceDetach(tid, 0); err != nil && err != syscall.ESRCH && firstErr == nil {
			firstErr = err
		}
	}
	a.attached = nil
	return firstErr
}

// readMaps parses a /proc/pid/maps file into regions, in the file's own
// ascending order.
func readMaps(path string) ([]proc.MemoryRegion, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var regions []proc.MemoryRegion
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		line := scan.Text()
		// address           perms offset  dev   inode   pathname
		// 00400000-00452000 r-xp 00000000 08:02 173521  /usr/bin/dbus-daemon
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		rng := strings.SplitN(fields[0], "-", 2)
		if len(rng) != 2 {
			continue
		}
		base, err := strconv.ParseUint(rng[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(rng[1], 16, 64)
		if err != nil || end <= base {
			continue
		}
		offset, _ := strconv.ParseUint(fields[2], 16, 64)

		perms := fields[1]
		region := proc.MemoryRegion{
			Base:   base,
			Size:   end - base,
			Read:   strings.Contains(perms, "r"),
			Write:  strings.Contains(perms, "w"),
			Exec:   strings.Contains(perms, "x"),
			Offset: offset,
		}
		if len(fields) >= 6 {
			region.Filename = strings.Join(fields[5:], " ")
		}
		regions = append(regions, region)
	}
	return regions, scan.Err()
}

// modulesFromRegions derives the loaded module list from file-backed
// mappings. entryPoint, when nonzero, marks the main executable.
func modulesFromRegions(regions []proc.MemoryRegion, entryPoint uint64) []proc.ModuleInfo {
	type span struct {
		base, end uint64
	}
	spans := map[string]*span{}
	var order []string

	for i := range regions {
		r := &regions[i]
		name := r.Filename
		if name == "" || strings.HasPrefix(name, "[") || strings.HasPrefix(name, "/dev/") {
			continue
		}
		if s, ok := spans[name]; ok {
			if r.End() > s.end {
				s.end = r.End()
			}
			if r.Base < s.base {
				s.base = r.Base
			}
		} else {
			spans[name] = &span{base: r.Base, end: r.End()}
			order = append(order, name)
		}
	}

	modules := make([]proc.ModuleInfo, 0, len(order))
	for _, name := range order {
		s := spans[name]
		mod := proc.ModuleInfo{
			Base: s.base,
			Size: s.end - s.base,
			Path: strings.TrimSuffix(name, " (deleted)"),
		}
		mod.EntryPoint = entryPoint != 0 && mod.Contains(entryPoint)
		mod.BuildID, _ = elfBuildID(mod.Path)
		modules = append(modules, mod)
	}
	return modules
}

// elfBuildID extracts the GNU build id note from the ELF file at path.
func elfBuildID(path string) ([]byte, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return nil, errors.New("no build-id note")
	}
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	// ELF note: namesz, descsz, type, then name and desc padded to 4 bytes
	if len(data) < 12 {
		return nil, errors.New("truncated build-id note")
	}
	namesz := binary.LittleEndian.Uint32(data)
	descsz := binary.LittleEndian.Uint32(data[4:])
	noteType := binary.LittleEndian.Uint32(data[8:])
	if noteType != 3 { // NT_GNU_BUILD_ID
		return nil, errors.New("unexpected note type")
	}
	descoff := 12 + (namesz+3)&^3
	if uint32(len(data)) < descoff+descsz {
		return nil, errors.New("truncated build-id note")
	}
	return data[descoff : descoff+descsz], nil
}

// readAuxvEntry returns the AT_ENTRY value from an auxv file.
func readAuxvEntry(path string) (uint64, error) {
	auxv, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	for i := 0; i+16 <= len(auxv); i += 16 {
		tag := binary.LittleEndian.Uint64(auxv[i:])
		if tag == _AT_ENTRY {
			return binary.LittleEndian.Uint64(auxv[i+8:]), nil
		}
	}
	return 0, nil
}

func linuxHostInfo() (*proc.HostInfo, error) {
	var uts sys.Utsname
	if err := sys.Uname(&uts); err != nil {
		return nil, err
	}
	release := utsString(uts.Release[:])

	host := &proc.HostInfo{
		Arch:         hostArch,
		Platform:     format.PlatformLinux,
		NumberOfCPUs: clampCPUs(runtime.NumCPU()),
		OSBuild:      utsString(uts.Sysname[:]) + " " + release + " " + utsString(uts.Version[:]),
		PageSize:     uint64(os.Getpagesize()),
	}
	if _, err := os.Stat("/system/build.prop"); err == nil {
		host.Platform = format.PlatformAndroid
	}

	// kernel version as OS version, e.g. "5.15.0-86-generic"
	verParts := strings.FieldsFunc(release, func(r rune) bool { return r == '.' || r == '-' })
	if len(verParts) > 0 {
		v, _ := strconv.ParseUint(verParts[0], 10, 32)
		host.MajorVersion = uint32(v)
	}
	if len(verParts) > 1 {
		v, _ := strconv.ParseUint(verParts[1], 10, 32)
		host.MinorVersion = uint32(v)
	}
	if len(verParts) > 2 {
		v, _ := strconv.ParseUint(verParts[2], 10, 32)
		host.BuildNumber = uint32(v)
	}

	host.ProcessorLevel, host.ProcessorRevision = cpuidFacts()
	return host, nil
}

func utsString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// cpuidFacts parses family, model and stepping out of /proc/cpuinfo for x86
// hosts. Other architectures report zeros, which consumers accept.
func cpuidFacts() (level, revision uint16) {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return 0, 0
	}
	var family, model, stepping uint64
	for _, line := range strings.Split(string(data), "\n") {
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		switch key {
		case "cpu family":
			family, _ = strconv.ParseUint(val, 10, 16)
		case "model":
			model, _ = strconv.ParseUint(val, 10, 8)
		case "stepping":
			stepping, _ = strconv.ParseUint(val, 10, 8)
		}
		if family != 0 && model != 0 && stepping != 0 {
			break
		}
	}
	return uint16(family), uint16(model<<8 | stepping)
}

// linuxProcessTimes reads the process timing counters from /proc. Fields
// that cannot be read are left zero.
func linuxProcessTimes(pid int) (*proc.ProcessTimes, error) {
	times := &proc.ProcessTimes{}

	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return times, nil
	}
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 {
		return times, nil
	}
	fields := strings.Fields(string(stat[i+1:]))
	// fields[0] is stat field 3; utime is 14, stime 15, starttime 22
	fieldAt := func(n int) uint64 {
		if len(fields) <= n-3 {
			return 0
		}
		v, _ := strconv.ParseUint(fields[n-3], 10, 64)
		return v
	}
	times.UserTime = uint32(fieldAt(14) / userHz)
	times.KernelTime = uint32(fieldAt(15) / userHz)

	if btime := bootTime(); btime != 0 {
		times.CreateTime = uint32(btime + fieldAt(22)/userHz)
	}
	return times, nil
}

// bootTime returns the btime field of /proc/stat, the boot time in unix
// seconds.
func bootTime() uint64 {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "btime ") {
			v, _ := strconv.ParseUint(strings.TrimSpace(line[6:]), 10, 64)
			return v
		}
	}
	return 0
}
