//go:build linux && arm64
// +build linux,arm64

package native

import (
	"debug/elf"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-minidump/minidump/pkg/format"
)

const hostArch = format.CPUArchitectureARM64Old

const (
	_AARCH64_GREGS_SIZE  = 34 * 8
	_AARCH64_FPREGS_SIZE = 32*16 + 8
)

// aarch64PtraceRegs is the kernel's user_pt_regs layout returned by
// PTRACE_GETREGSET with NT_PRSTATUS.
type aarch64PtraceRegs struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

// registers reads the general purpose and floating point registers of the
// stopped thread tid and lays them out in the wire context for arm64.
func registers(tid int) (format.Context, error) {
	var regs aarch64PtraceRegs
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(&regs)), Len: _AARCH64_GREGS_SIZE}
	_, _, errno := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(tid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != syscall.Errno(0) {
		return nil, errno
	}

	ctx := &format.ContextARM64{
		ContextFlags: format.ContextARM64OldInteger,
		Fp:           regs.Regs[29],
		Lr:           regs.Regs[30],
		Sp:           regs.Sp,
		Pc:           regs.Pc,
		Cpsr:         uint32(regs.Pstate),
	}
	copy(ctx.Regs[:], regs.Regs[:29])

	// user_fpsimd_state: 32 16-byte vregs followed by fpsr and fpcr.
	var fpregs [_AARCH64_FPREGS_SIZE]byte
	iov = sys.Iovec{Base: &fpregs[0], Len: _AARCH64_FPREGS_SIZE}
	_, _, errno = syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(tid), uintptr(elf.NT_FPREGSET), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno == syscall.Errno(0) {
		for i := range ctx.FloatRegs {
			copy(ctx.FloatRegs[i][:], fpregs[i*16:])
		}
		ctx.Fpsr = uint32(fpregs[32*16]) | uint32(fpregs[32*16+1])<<8 | uint32(fpregs[32*16+2])<<16 | uint32(fpregs[32*16+3])<<24
		ctx.Fpcr = uint32(fpregs[32*16+4]) | uint32(fpregs[32*16+5])<<8 | uint32(fpregs[32*16+6])<<16 | uint32(fpregs[32*16+7])<<24
		ctx.ContextFlags |= format.ContextARM64OldFloatingPoint
	}

	return ctx, nil
}

// emptyContext returns an all-zero context in this platform's layout, used
// for threads whose registers could not be read.
func emptyContext() format.Context {
	return &format.ContextARM64{ContextFlags: format.ContextARM64Old}
}
