package format

// ARM64 CPU context using Breakpad's original ("old") ARM64 layout, the one
// emitted for PROCESSOR_ARCHITECTURE_ARM64_OLD. Unlike every other context
// the flags field is 64 bits wide.
// See: https://chromium.googlesource.com/breakpad/breakpad/+/master/src/google_breakpad/common/minidump_cpu_arm64.h

// ContextARM64Old flag bits.
const (
	ContextARM64Old              = uint64(0x80000000)
	ContextARM64OldInteger       = ContextARM64Old | 0x2
	ContextARM64OldFloatingPoint = ContextARM64Old | 0x4

	ContextARM64OldFull = ContextARM64OldInteger | ContextARM64OldFloatingPoint

	// ContextARM64OldSize is the encoded size of ContextARM64 (796 bytes).
	ContextARM64OldSize = 8 + 33*8 + 4 + 4 + 4 + 32*16
)

// ContextARM64 is the CPU register snapshot of one arm64 thread.
type ContextARM64 struct {
	ContextFlags uint64

	// Regs holds x0-x28.
	Regs [29]uint64
	Fp   uint64 // x29
	Lr   uint64 // x30
	Sp   uint64
	Pc   uint64
	Cpsr uint32

	Fpsr      uint32
	Fpcr      uint32
	FloatRegs [32][16]byte
}

func (c *ContextARM64) Encode() []byte {
	e := encbuf{b: make([]byte, 0, ContextARM64OldSize)}
	e.u64(c.ContextFlags)
	for _, r := range c.Regs {
		e.u64(r)
	}
	e.u64(c.Fp)
	e.u64(c.Lr)
	e.u64(c.Sp)
	e.u64(c.Pc)
	e.u32(c.Cpsr)
	e.u32(c.Fpsr)
	e.u32(c.Fpcr)
	for i := range c.FloatRegs {
		e.bytes(c.FloatRegs[i][:])
	}
	return e.b
}

// StackPointer returns the value of SP.
func (c *ContextARM64) StackPointer() uint64 { return c.Sp }

// InstructionPointer returns the value of PC.
func (c *ContextARM64) InstructionPointer() uint64 { return c.Pc }

// Arch returns the system info architecture identifier for this context.
func (c *ContextARM64) Arch() Arch { return CPUArchitectureARM64Old }
