//go:build linux && amd64
// +build linux,amd64

package native

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-minidump/minidump/pkg/format"
)

const hostArch = format.CPUArchitectureAMD64

// registers reads the general purpose and floating point registers of the
// stopped thread tid and lays them out in the wire context for amd64.
func registers(tid int) (format.Context, error) {
	var regs sys.PtraceRegs
	if err := sys.PtraceGetRegs(tid, &regs); err != nil {
		return nil, err
	}

	ctx := &format.ContextAMD64{
		ContextFlags: format.ContextAMD64Control | format.ContextAMD64Integer,

		SegCs:  uint16(regs.Cs),
		SegDs:  uint16(regs.Ds),
		SegEs:  uint16(regs.Es),
		SegFs:  uint16(regs.Fs),
		SegGs:  uint16(regs.Gs),
		SegSs:  uint16(regs.Ss),
		EFlags: uint32(regs.Eflags),

		Rax: regs.Rax,
		Rcx: regs.Rcx,
		Rdx: regs.Rdx,
		Rbx: regs.Rbx,
		Rsp: regs.Rsp,
		Rbp: regs.Rbp,
		Rsi: regs.Rsi,
		Rdi: regs.Rdi,
		R8:  regs.R8,
		R9:  regs.R9,
		R10: regs.R10,
		R11: regs.R11,
		R12: regs.R12,
		R13: regs.R13,
		R14: regs.R14,
		R15: regs.R15,
		Rip: regs.Rip,
	}

	// The fxsave image has the same layout as the context's float save area,
	// so it can be copied wholesale. A failure here only loses the floating
	// point registers.
	if err := ptraceGetFpRegs(tid, ctx.FltSave[:]); err == nil {
		ctx.ContextFlags |= format.ContextAMD64FloatingPoint
	}

	return ctx, nil
}

// emptyContext returns an all-zero context in this platform's layout, used
// for threads whose registers could not be read.
func emptyContext() format.Context {
	return &format.ContextAMD64{ContextFlags: format.ContextAMD64Base}
}

// ptraceGetFpRegs executes ptrace(PTRACE_GETFPREGS), filling fxsave with the
// 512-byte user_fpregs_struct image.
func ptraceGetFpRegs(tid int, fxsave []byte) error {
	_, _, err := syscall.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETFPREGS, uintptr(tid), 0, uintptr(unsafe.Pointer(&fxsave[0])), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}
