package proc

// StaticProcess is an Accessor over a fixed in-memory description of a
// process. It backs the wire-level tests, where dumps must be reproducible
// down to the byte, and is useful for turning externally captured state into
// a dump after the fact.
type StaticProcess struct {
	ProcessID int
	HostInfo  HostInfo
	Times     ProcessTimes
	Threads   []ThreadInfo
	Regions   []StaticRegion
	Mods      []ModuleInfo

	// GoneThreads lists thread ids whose state read fails with
	// ThreadGoneError, simulating threads that exit mid-dump.
	GoneThreads map[uint32]bool

	// ValidCodes restricts KnownException; nil accepts every code.
	ValidCodes map[uint32]bool

	detached bool
}

// StaticRegion is a mapped region together with its contents. Data must be
// exactly Size bytes long.
type StaticRegion struct {
	MemoryRegion
	Data []byte
}

var _ Accessor = (*StaticProcess)(nil)

func (p *StaticProcess) Pid() int { return p.ProcessID }

func (p *StaticProcess) ThreadIDs() ([]uint32, error) {
	if p.detached {
		return nil, ErrNotAttached
	}
	ids := make([]uint32, len(p.Threads))
	for i := range p.Threads {
		ids[i] = p.Threads[i].ID
	}
	return ids, nil
}

func (p *StaticProcess) ThreadState(tid uint32) (*ThreadInfo, error) {
	if p.detached {
		return nil, ErrNotAttached
	}
	if p.GoneThreads[tid] {
		return nil, &ThreadGoneError{ThreadID: tid}
	}
	for i := range p.Threads {
		if p.Threads[i].ID == tid {
			th := p.Threads[i]
			return &th, nil
		}
	}
	return nil, &ThreadGoneError{ThreadID: tid}
}

func (p *StaticProcess) ReadMemory(buf []byte, addr uint64) error {
	read := 0
	for read < len(buf) {
		r := p.regionFor(addr + uint64(read))
		if r == nil {
			return &UnmappedMemoryError{Addr: addr, Size: len(buf)}
		}
		off := addr + uint64(read) - r.Base
		n := copy(buf[read:], r.Data[off:])
		read += n
	}
	return nil
}

func (p *StaticProcess) ReadCString(addr uint64, max int) ([]byte, error) {
	r := p.regionFor(addr)
	if r == nil {
		return nil, &InvalidAddressError{Addr: addr}
	}
	out := make([]byte, 0, 32)
	for i := 0; i < max; i++ {
		var b [1]byte
		if err := p.ReadMemory(b[:], addr+uint64(i)); err != nil {
			break
		}
		if b[0] == 0 {
			break
		}
		out = append(out, b[0])
	}
	return out, nil
}

func (p *StaticProcess) MemoryRegions() ([]MemoryRegion, error) {
	if p.detached {
		return nil, ErrNotAttached
	}
	regions := make([]MemoryRegion, len(p.Regions))
	for i := range p.Regions {
		regions[i] = p.Regions[i].MemoryRegion
	}
	return regions, nil
}

func (p *StaticProcess) Modules() ([]ModuleInfo, error) {
	if p.detached {
		return nil, ErrNotAttached
	}
	mods := make([]ModuleInfo, len(p.Mods))
	copy(mods, p.Mods)
	return mods, nil
}

func (p *StaticProcess) Host() (*HostInfo, error) {
	host := p.HostInfo
	return &host, nil
}

func (p *StaticProcess) ProcessTimes() (*ProcessTimes, error) {
	times := p.Times
	return &times, nil
}

func (p *StaticProcess) KnownException(code uint32) bool {
	if p.ValidCodes == nil {
		return true
	}
	return p.ValidCodes[code]
}

func (p *StaticProcess) Detach() error {
	p.detached = true
	return nil
}

func (p *StaticProcess) regionFor(addr uint64) *StaticRegion {
	for i := range p.Regions {
		if p.Regions[i].Contains(addr) {
			return &p.Regions[i]
		}
	}
	return nil
}
