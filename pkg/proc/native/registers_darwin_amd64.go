//go:build darwin && cgo && amd64
// +build darwin,cgo,amd64

package native

// #include <mach/mach.h>
// #include <mach/thread_status.h>
import "C"
import (
	"fmt"
	"unsafe"

	"github.com/go-minidump/minidump/pkg/format"
)

const hostArch = format.CPUArchitectureAMD64

// machThreadContext reads the thread's general purpose registers and lays
// them out in the wire context for amd64.
func machThreadContext(thread C.thread_act_t) (format.Context, error) {
	var state C.x86_thread_state64_t
	count := C.mach_msg_type_number_t(C.x86_THREAD_STATE64_COUNT)
	if kr := C.thread_get_state(thread, C.x86_THREAD_STATE64, C.thread_state_t(unsafe.Pointer(&state)), &count); kr != C.KERN_SUCCESS {
		return nil, fmt.Errorf("thread_get_state: kern return %d", kr)
	}

	return &format.ContextAMD64{
		ContextFlags: format.ContextAMD64Control | format.ContextAMD64Integer,

		SegCs:  uint16(state.__cs),
		SegFs:  uint16(state.__fs),
		SegGs:  uint16(state.__gs),
		EFlags: uint32(state.__rflags),

		Rax: uint64(state.__rax),
		Rcx: uint64(state.__rcx),
		Rdx: uint64(state.__rdx),
		Rbx: uint64(state.__rbx),
		Rsp: uint64(state.__rsp),
		Rbp: uint64(state.__rbp),
		Rsi: uint64(state.__rsi),
		Rdi: uint64(state.__rdi),
		R8:  uint64(state.__r8),
		R9:  uint64(state.__r9),
		R10: uint64(state.__r10),
		R11: uint64(state.__r11),
		R12: uint64(state.__r12),
		R13: uint64(state.__r13),
		R14: uint64(state.__r14),
		R15: uint64(state.__r15),
		Rip: uint64(state.__rip),
	}, nil
}

// emptyContext returns an all-zero context in this platform's layout, used
// for threads whose registers could not be read.
func emptyContext() format.Context {
	return &format.ContextAMD64{ContextFlags: format.ContextAMD64Base}
}
