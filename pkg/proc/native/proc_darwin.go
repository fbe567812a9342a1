//go:build darwin && cgo
// +build darwin,cgo

package native

// #include <libproc.h>
// #include <mach/mach.h>
// #include <mach/mach_vm.h>
// #include <mach/task_info.h>
// #include <stdlib.h>
import "C"
import (
	"encoding/binary"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-minidump/minidump/pkg/format"
	"github.com/go-minidump/minidump/pkg/logflags"
	"github.com/go-minidump/minidump/pkg/proc"
)

// knownExceptionKinds are the mach exception types a crashing Darwin process
// is dumped for.
var knownExceptionKinds = map[uint32]bool{
	1:  true, // EXC_BAD_ACCESS
	2:  true, // EXC_BAD_INSTRUCTION
	3:  true, // EXC_ARITHMETIC
	4:  true, // EXC_EMULATION
	5:  true, // EXC_SOFTWARE
	6:  true, // EXC_BREAKPOINT
	7:  true, // EXC_SYSCALL
	8:  true, // EXC_MACH_SYSCALL
	10: true, // EXC_CRASH
	11: true, // EXC_RESOURCE
	12: true, // EXC_GUARD
	13: true, // EXC_CORPSE_NOTIFY
}

// mach-o constants used while walking the dyld image list.
const (
	machHeader64Size = 32
	_MH_EXECUTE      = 2
	_LC_SEGMENT_64   = 0x19
	_LC_ID_DYLIB     = 0xd
	_LC_UUID         = 0x1b
)

// machAccessor reads a target through its mach task port. The whole task is
// suspended for the lifetime of the accessor.
type machAccessor struct {
	pid      int
	task     C.task_t
	detached bool
	log      logflags.Logger
}

// Attach obtains the task port for pid and suspends the task. Requires the
// caller to hold the task_for_pid entitlement or run as root.
func Attach(pid int) (proc.Accessor, error) {
	var task C.task_t
	if kr := C.task_for_pid(C.mach_task_self_, C.int(pid), &task); kr != C.KERN_SUCCESS {
		return nil, &proc.TargetUnavailableError{Pid: pid, Err: fmt.Errorf("task_for_pid: kern return %d", kr)}
	}
	if kr := C.task_suspend(task); kr != C.KERN_SUCCESS {
		return nil, &proc.TargetUnavailableError{Pid: pid, Err: fmt.Errorf("task_suspend: kern return %d", kr)}
	}
	a := &machAccessor{pid: pid, task: task, log: logflags.AccessorLogger()}
	a.log.Debugf("attached to pid %d via task port %d", pid, task)
	return a, nil
}

func (a *machAccessor) Pid() int { return a.pid }

// ThreadIDs enumerates the task's threads. Thread ids are mach thread port
// names, matching what the kernel reports in exception messages.
func (a *machAccessor) ThreadIDs() ([]uint32, error) {
	if a.detached {
		return nil, proc.ErrNotAttached
	}
	var list C.thread_act_array_t
	var count C.mach_msg_type_number_t
	if kr := C.task_threads(a.task, &list, &count); kr != C.KERN_SUCCESS {
		return nil, fmt.Errorf("task_threads: kern return %d", kr)
	}
	defer C.vm_deallocate(C.mach_task_self_, C.vm_address_t(uintptr(unsafe.Pointer(list))), C.vm_size_t(count)*C.vm_size_t(unsafe.Sizeof(C.thread_act_t(0))))

	threads := (*[1 << 16]C.thread_act_t)(unsafe.Pointer(list))[:count:count]
	r := make([]uint32, count)
	for i, port := range threads {
		r[i] = uint32(port)
	}
	return r, nil
}

func (a *machAccessor) ThreadState(tid uint32) (*proc.ThreadInfo, error) {
	if a.detached {
		return nil, proc.ErrNotAttached
	}

	ctx, err := machThreadContext(C.thread_act_t(tid))
	if err != nil {
		return nil, &proc.ThreadGoneError{ThreadID: tid}
	}
	info := &proc.ThreadInfo{ID: tid, Context: ctx}

	var basic C.thread_basic_info_data_t
	count := C.mach_msg_type_number_t(C.THREAD_BASIC_INFO_COUNT)
	if kr := C.thread_info(C.thread_act_t(tid), C.THREAD_BASIC_INFO, C.thread_info_t(unsafe.Pointer(&basic)), &count); kr == C.KERN_SUCCESS {
		info.SuspendCount = uint32(basic.suspend_count)
		info.SchedClass = uint32(basic.policy)
	}
	info.Name = a.threadName(tid)
	return info, nil
}

// threadName resolves the pthread name through libproc. Most threads have
// none.
func (a *machAccessor) threadName(tid uint32) string {
	var ident C.thread_identifier_info_data_t
	count := C.mach_msg_type_number_t(C.THREAD_IDENTIFIER_INFO_COUNT)
	if kr := C.thread_info(C.thread_act_t(tid), C.THREAD_IDENTIFIER_INFO, C.thread_info_t(unsafe.Pointer(&ident)), &count); kr != C.KERN_SUCCESS {
		return ""
	}
	var pthinfo C.struct_proc_threadinfo
	n := C.proc_pidinfo(C.int(a.pid), C.PROC_PIDTHREADINFO, C.uint64_t(ident.thread_handle), unsafe.Pointer(&pthinfo), C.int(unsafe.Sizeof(pthinfo)))
	if n != C.int(unsafe.Sizeof(pthinfo)) {
		return ""
	}
	return C.GoString(&pthinfo.pth_name[0])
}

func (a *machAccessor) ReadMemory(buf []byte, addr uint64) error {
	if a.detached {
		return proc.ErrNotAttached
	}
	if len(buf) == 0 {
		return nil
	}
	var outsize C.mach_vm_size_t
	kr := C.mach_vm_read_overwrite(C.vm_map_t(a.task),
		C.mach_vm_address_t(addr),
		C.mach_vm_size_t(len(buf)),
		C.mach_vm_address_t(uintptr(unsafe.Pointer(&buf[0]))),
		&outsize)
	if kr != C.KERN_SUCCESS || outsize != C.mach_vm_size_t(len(buf)) {
		return &proc.UnmappedMemoryError{Addr: addr, Size: len(buf)}
	}
	return nil
}

func (a *machAccessor) ReadCString(addr uint64, max int) ([]byte, error) {
	return readCString(a, addr, max, uint64(C.vm_page_size))
}

func (a *machAccessor) MemoryRegions() ([]proc.MemoryRegion, error) {
	if a.detached {
		return nil, proc.ErrNotAttached
	}

	var regions []proc.MemoryRegion
	addr := C.mach_vm_address_t(0)
	for {
		var size C.mach_vm_size_t
		var info C.vm_region_basic_info_data_64_t
		count := C.mach_msg_type_number_t(C.VM_REGION_BASIC_INFO_COUNT_64)
		var objName C.mach_port_t
		kr := C.mach_vm_region(C.vm_map_t(a.task), &addr, &size, C.VM_REGION_BASIC_INFO_64, C.vm_region_info_t(unsafe.Pointer(&info)), &count, &objName)
		if kr != C.KERN_SUCCESS {
			break
		}
		regions = append(regions, proc.MemoryRegion{
			Base:  uint64(addr),
			Size:  uint64(size),
			Read:  info.protection&C.VM_PROT_READ != 0,
			Write: info.protection&C.VM_PROT_WRITE != 0,
			Exec:  info.protection&C.VM_PROT_EXECUTE != 0,
		})
		addr += size
	}
	return regions, nil
}

// Modules walks the dyld all_image_infos list in target memory and parses
// each image's mach-o header for its UUID, __TEXT size and dylib version.
func (a *machAccessor) Modules() ([]proc.ModuleInfo, error) {
	if a.detached {
		return nil, proc.ErrNotAttached
	}

	var dyldInfo C.task_dyld_info_data_t
	count := C.mach_msg_type_number_t(C.TASK_DYLD_INFO_COUNT)
	if kr := C.task_info(a.task, C.TASK_DYLD_INFO, C.task_info_t(unsafe.Pointer(&dyldInfo)), &count); kr != C.KERN_SUCCESS {
		return nil, fmt.Errorf("task_info(TASK_DYLD_INFO): kern return %d", kr)
	}

	// struct dyld_all_image_infos, 64-bit layout: version, infoArrayCount,
	// infoArray
	var hdr [16]byte
	if err := a.ReadMemory(hdr[:], uint64(dyldInfo.all_image_info_addr)); err != nil {
		return nil, err
	}
	imageCount := binary.LittleEndian.Uint32(hdr[4:])
	imageArray := binary.LittleEndian.Uint64(hdr[8:])

	// struct dyld_image_info: load address, file path, mod date
	entries := make([]byte, imageCount*24)
	if err := a.ReadMemory(entries, imageArray); err != nil {
		return nil, err
	}

	modules := make([]proc.ModuleInfo, 0, imageCount)
	for i := uint32(0); i < imageCount; i++ {
		base := binary.LittleEndian.Uint64(entries[i*24:])
		pathAddr := binary.LittleEndian.Uint64(entries[i*24+8:])

		mod := proc.ModuleInfo{Base: base}
		if path, err := a.ReadCString(pathAddr, 1024); err == nil {
			mod.Path = string(path)
		}
		if err := a.parseImage(&mod); err != nil {
			a.log.WithError(err).Debugf("skipping unreadable image at %#x", base)
			continue
		}
		modules = append(modules, mod)
	}
	return modules, nil
}

// parseImage reads the mach-o header at mod.Base and fills in size, UUID,
// version and the entry point flag.
func (a *machAccessor) parseImage(mod *proc.ModuleInfo) error {
	var header [machHeader64Size]byte
	if err := a.ReadMemory(header[:], mod.Base); err != nil {
		return err
	}
	filetype := binary.LittleEndian.Uint32(header[12:])
	ncmds := binary.LittleEndian.Uint32(header[16:])
	sizeofcmds := binary.LittleEndian.Uint32(header[20:])
	mod.EntryPoint = filetype == _MH_EXECUTE

	cmds := make([]byte, sizeofcmds)
	if err := a.ReadMemory(cmds, mod.Base+machHeader64Size); err != nil {
		return err
	}
	off := uint32(0)
	for i := uint32(0); i < ncmds && off+8 <= sizeofcmds; i++ {
		cmd := binary.LittleEndian.Uint32(cmds[off:])
		cmdsize := binary.LittleEndian.Uint32(cmds[off+4:])
		if cmdsize < 8 || off+cmdsize > sizeofcmds {
			break
		}
		body := cmds[off : off+cmdsize]
		switch cmd {
		case _LC_UUID:
			if len(body) >= 24 {
				mod.BuildID = append([]byte(nil), body[8:24]...)
			}
		case _LC_SEGMENT_64:
			if len(body) >= 48 && string(body[8:14]) == "__TEXT" {
				mod.Size = binary.LittleEndian.Uint64(body[40:])
			}
		case _LC_ID_DYLIB:
			if len(body) >= 20 {
				mod.Version = binary.LittleEndian.Uint32(body[16:])
			}
		}
		off += cmdsize
	}
	return nil
}

func (a *machAccessor) Host() (*proc.HostInfo, error) {
	host := &proc.HostInfo{
		Arch:         hostArch,
		Platform:     format.PlatformMacOS,
		NumberOfCPUs: clampCPUs(runtime.NumCPU()),
		PageSize:     uint64(C.vm_page_size),
	}

	if ver, err := sys.Sysctl("kern.osproductversion"); err == nil {
		parts := strings.Split(ver, ".")
		if len(parts) > 0 {
			v, _ := strconv.ParseUint(parts[0], 10, 32)
			host.MajorVersion = uint32(v)
		}
		if len(parts) > 1 {
			v, _ := strconv.ParseUint(parts[1], 10, 32)
			host.MinorVersion = uint32(v)
		}
		if len(parts) > 2 {
			v, _ := strconv.ParseUint(parts[2], 10, 32)
			host.BuildNumber = uint32(v)
		}
	}
	if build, err := sys.Sysctl("kern.osversion"); err == nil {
		host.OSBuild = build
	}
	if family, err := sys.SysctlUint32("machdep.cpu.family"); err == nil {
		host.ProcessorLevel = uint16(family)
	}
	if model, err := sys.SysctlUint32("machdep.cpu.model"); err == nil {
		stepping, _ := sys.SysctlUint32("machdep.cpu.stepping")
		host.ProcessorRevision = uint16(model<<8 | stepping&0xff)
	}
	return host, nil
}

func (a *machAccessor) ProcessTimes() (*proc.ProcessTimes, error) {
	times := &proc.ProcessTimes{}

	var bsdinfo C.struct_proc_bsdinfo
	n := C.proc_pidinfo(C.int(a.pid), C.PROC_PIDTBSDINFO, 0, unsafe.Pointer(&bsdinfo), C.int(unsafe.Sizeof(bsdinfo)))
	if n == C.int(unsafe.Sizeof(bsdinfo)) {
		times.CreateTime = uint32(bsdinfo.pbi_start_tvsec)
	}

	var taskinfo C.mach_task_basic_info_data_t
	count := C.mach_msg_type_number_t(C.MACH_TASK_BASIC_INFO_COUNT)
	if kr := C.task_info(a.task, C.MACH_TASK_BASIC_INFO, C.task_info_t(unsafe.Pointer(&taskinfo)), &count); kr == C.KERN_SUCCESS {
		times.UserTime = uint32(taskinfo.user_time.seconds)
		times.KernelTime = uint32(taskinfo.system_time.seconds)
	}
	return times, nil
}

func (a *machAccessor) KnownException(code uint32) bool {
	return knownExceptionKinds[code]
}

func (a *machAccessor) Detach() error {
	if a.detached {
		return nil
	}
	a.detached = true
	C.task_resume(a.task)
	C.mach_port_deallocate(C.mach_task_self_, C.mach_port_t(a.task))
	return nil
}
