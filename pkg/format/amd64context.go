package format

// AMD64 CPU context, matching the Windows CONTEXT structure for x64 which is
// what Breakpad-compatible consumers expect for PROCESSOR_ARCHITECTURE_AMD64
// regardless of the operating system the dump was taken on.
// See: https://chromium.googlesource.com/breakpad/breakpad/+/master/src/google_breakpad/common/minidump_cpu_amd64.h

// ContextAMD64 flag bits.
const (
	ContextAMD64Base           = 0x00100000
	ContextAMD64Control        = ContextAMD64Base | 0x1
	ContextAMD64Integer        = ContextAMD64Base | 0x2
	ContextAMD64Segments       = ContextAMD64Base | 0x4
	ContextAMD64FloatingPoint  = ContextAMD64Base | 0x8
	ContextAMD64DebugRegisters = ContextAMD64Base | 0x10

	ContextAMD64Full = ContextAMD64Control | ContextAMD64Integer | ContextAMD64FloatingPoint

	// ContextAMD64Size is the encoded size of ContextAMD64 (1232 bytes).
	ContextAMD64Size = 6*8 + 4 + 4 + 6*2 + 4 + 6*8 + 17*8 + 512 + 26*16 + 6*8
)

// ContextAMD64 is the CPU register snapshot of one amd64 thread.
type ContextAMD64 struct {
	P1Home uint64
	P2Home uint64
	P3Home uint64
	P4Home uint64
	P5Home uint64
	P6Home uint64

	ContextFlags uint32
	MxCsr        uint32

	SegCs  uint16
	SegDs  uint16
	SegEs  uint16
	SegFs  uint16
	SegGs  uint16
	SegSs  uint16
	EFlags uint32

	Dr0 uint64
	Dr1 uint64
	Dr2 uint64
	Dr3 uint64
	Dr6 uint64
	Dr7 uint64

	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rsp uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
	Rip uint64

	// FltSave is the XMM_SAVE_AREA32 fxsave image.
	FltSave [512]byte

	VectorRegister [26][16]byte
	VectorControl  uint64

	DebugControl         uint64
	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}

func (c *ContextAMD64) Encode() []byte {
	e := encbuf{b: make([]byte, 0, ContextAMD64Size)}
	e.u64(c.P1Home)
	e.u64(c.P2Home)
	e.u64(c.P3Home)
	e.u64(c.P4Home)
	e.u64(c.P5Home)
	e.u64(c.P6Home)
	e.u32(c.ContextFlags)
	e.u32(c.MxCsr)
	e.u16(c.SegCs)
	e.u16(c.SegDs)
	e.u16(c.SegEs)
	e.u16(c.SegFs)
	e.u16(c.SegGs)
	e.u16(c.SegSs)
	e.u32(c.EFlags)
	e.u64(c.Dr0)
	e.u64(c.Dr1)
	e.u64(c.Dr2)
	e.u64(c.Dr3)
	e.u64(c.Dr6)
	e.u64(c.Dr7)
	e.u64(c.Rax)
	e.u64(c.Rcx)
	e.u64(c.Rdx)
	e.u64(c.Rbx)
	e.u64(c.Rsp)
	e.u64(c.Rbp)
	e.u64(c.Rsi)
	e.u64(c.Rdi)
	e.u64(c.R8)
	e.u64(c.R9)
	e.u64(c.R10)
	e.u64(c.R11)
	e.u64(c.R12)
	e.u64(c.R13)
	e.u64(c.R14)
	e.u64(c.R15)
	e.u64(c.Rip)
	e.bytes(c.FltSave[:])
	for i := range c.VectorRegister {
		e.bytes(c.VectorRegister[i][:])
	}
	e.u64(c.VectorControl)
	e.u64(c.DebugControl)
	e.u64(c.LastBranchToRip)
	e.u64(c.LastBranchFromRip)
	e.u64(c.LastExceptionToRip)
	e.u64(c.LastExceptionFromRip)
	return e.b
}

// StackPointer returns the value of RSP.
func (c *ContextAMD64) StackPointer() uint64 { return c.Rsp }

// InstructionPointer returns the value of RIP.
func (c *ContextAMD64) InstructionPointer() uint64 { return c.Rip }

// Arch returns the system info architecture identifier for this context.
func (c *ContextAMD64) Arch() Arch { return CPUArchitectureAMD64 }
