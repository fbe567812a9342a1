package format

// Context is a CPU register snapshot in one of the wire-format layouts.
// Section writers only ever encode contexts and query the two pointers, so
// the platform accessors are free to return whichever layout matches the
// target.
type Context interface {
	Encode() []byte
	StackPointer() uint64
	InstructionPointer() uint64
	Arch() Arch
}
