package proc

import "testing"

func TestRegionContainsHalfOpen(t *testing.T) {
	r := MemoryRegion{Base: 0x1000, Size: 0x1000}

	for _, tc := range []struct {
		addr uint64
		want bool
	}{
		{0xfff, false},
		{0x1000, true},
		{0x1fff, true},
		{0x2000, false}, // the end address belongs to the next region
		{0x2001, false},
	} {
		if got := r.Contains(tc.addr); got != tc.want {
			t.Errorf("Contains(%#x) = %v, want %v", tc.addr, got, tc.want)
		}
	}
	if r.End() != 0x2000 {
		t.Errorf("End() = %#x, want 0x2000", r.End())
	}
}

func TestFindRegion(t *testing.T) {
	regions := []MemoryRegion{
		{Base: 0x1000, Size: 0x1000},
		{Base: 0x2000, Size: 0x1000},
		{Base: 0x5000, Size: 0x1000},
	}

	if r := FindRegion(regions, 0x1fff); r == nil || r.Base != 0x1000 {
		t.Errorf("FindRegion(0x1fff) = %v, want the first region", r)
	}
	// 0x2000 is outside the first region but the base of the second
	if r := FindRegion(regions, 0x2000); r == nil || r.Base != 0x2000 {
		t.Errorf("FindRegion(0x2000) = %v, want the second region", r)
	}
	if r := FindRegion(regions, 0x3000); r != nil {
		t.Errorf("FindRegion(0x3000) = %v, want nil", r)
	}
	if r := FindRegion(regions, 0x5800); r == nil || r.Base != 0x5000 {
		t.Errorf("FindRegion(0x5800) = %v, want the third region", r)
	}
}

func TestModuleContains(t *testing.T) {
	m := ModuleInfo{Base: 0x400000, Size: 0x1000}
	if !m.Contains(0x400000) || !m.Contains(0x400fff) {
		t.Error("module does not contain its own image")
	}
	if m.Contains(0x401000) {
		t.Error("module contains its end address")
	}
}

func TestStaticProcessReadMemoryAcrossRegions(t *testing.T) {
	p := &StaticProcess{
		Regions: []StaticRegion{
			{MemoryRegion: MemoryRegion{Base: 0x1000, Size: 4, Read: true}, Data: []byte{1, 2, 3, 4}},
			{MemoryRegion: MemoryRegion{Base: 0x1004, Size: 4, Read: true}, Data: []byte{5, 6, 7, 8}},
		},
	}

	buf := make([]byte, 8)
	if err := p.ReadMemory(buf, 0x1000); err != nil {
		t.Fatalf("ReadMemory across abutting regions: %v", err)
	}
	for i := byte(0); i < 8; i++ {
		if buf[i] != i+1 {
			t.Fatalf("byte %d = %d, want %d", i, buf[i], i+1)
		}
	}

	if err := p.ReadMemory(buf, 0x1006); err == nil {
		t.Error("read past the mapped range succeeded")
	}
}

func TestStaticProcessDetach(t *testing.T) {
	p := &StaticProcess{Threads: []ThreadInfo{{ID: 1}}}
	if _, err := p.ThreadIDs(); err != nil {
		t.Fatalf("ThreadIDs before detach: %v", err)
	}
	if err := p.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if _, err := p.ThreadIDs(); err != ErrNotAttached {
		t.Errorf("ThreadIDs after detach = %v, want ErrNotAttached", err)
	}
	if _, err := p.ThreadState(1); err != ErrNotAttached {
		t.Errorf("ThreadState after detach = %v, want ErrNotAttached", err)
	}
}

func TestThreadGone(t *testing.T) {
	p := &StaticProcess{
		Threads:     []ThreadInfo{{ID: 1}, {ID: 2}},
		GoneThreads: map[uint32]bool{2: true},
	}
	_, err := p.ThreadState(2)
	if !IsThreadGone(err) {
		t.Errorf("ThreadState(2) = %v, want ThreadGoneError", err)
	}
	_, err = p.ThreadState(99)
	if !IsThreadGone(err) {
		t.Errorf("ThreadState(99) = %v, want ThreadGoneError", err)
	}
}
