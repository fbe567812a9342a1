//go:build darwin && cgo && arm64
// +build darwin,cgo,arm64

package native

// #include <mach/mach.h>
// #include <mach/thread_status.h>
import "C"
import (
	"fmt"
	"unsafe"

	"github.com/go-minidump/minidump/pkg/format"
)

const hostArch = format.CPUArchitectureARM64Old

// machThreadContext reads the thread's general purpose registers and lays
// them out in the wire context for arm64.
func machThreadContext(thread C.thread_act_t) (format.Context, error) {
	var state C.arm_thread_state64_t
	count := C.mach_msg_type_number_t(C.ARM_THREAD_STATE64_COUNT)
	if kr := C.thread_get_state(thread, C.ARM_THREAD_STATE64, C.thread_state_t(unsafe.Pointer(&state)), &count); kr != C.KERN_SUCCESS {
		return nil, fmt.Errorf("thread_get_state: kern return %d", kr)
	}

	ctx := &format.ContextARM64{
		ContextFlags: format.ContextARM64OldInteger,
		Fp:           uint64(state.__fp),
		Lr:           uint64(state.__lr),
		Sp:           uint64(state.__sp),
		Pc:           uint64(state.__pc),
		Cpsr:         uint32(state.__cpsr),
	}
	for i := range ctx.Regs {
		ctx.Regs[i] = uint64(state.__x[i])
	}
	return ctx, nil
}

// emptyContext returns an all-zero context in this platform's layout, used
// for threads whose registers could not be read.
func emptyContext() format.Context {
	return &format.ContextARM64{ContextFlags: format.ContextARM64Old}
}
