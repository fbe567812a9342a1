package minidump

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/go-minidump/minidump/pkg/format"
	"github.com/go-minidump/minidump/pkg/minidump/reader"
	"github.com/go-minidump/minidump/pkg/proc"
)

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s error: %v", s, err)
	}
}

const (
	testStackBase  = 0x7000
	testStackSize  = 0x2000
	testHeapBase   = 0x1000
	testHeapSize   = 0x1000
	testCodeBase   = 0x400000
	testCodeSize   = 0x1000
	testFaultAddr  = 0x1800
	testCrashedTID = 101
	testWorkerTID  = 102
)

func patternData(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i) ^ seed
	}
	return data
}

// testTarget builds a two-thread amd64 process image with a stack, a heap
// and an executable mapping.
func testTarget() *proc.StaticProcess {
	return &proc.StaticProcess{
		ProcessID: 4242,
		HostInfo: proc.HostInfo{
			Arch:         format.CPUArchitectureAMD64,
			Platform:     format.PlatformLinux,
			NumberOfCPUs: 8,
			MajorVersion: 5,
			MinorVersion: 15,
			OSBuild:      "Linux 5.15.0 test",
			PageSize:     4096,
		},
		Times: proc.ProcessTimes{CreateTime: 1700000000, UserTime: 12, KernelTime: 3},
		Threads: []proc.ThreadInfo{
			{
				ID:      testCrashedTID,
				Name:    "main",
				Context: &format.ContextAMD64{ContextFlags: format.ContextAMD64Full, Rsp: 0x8000, Rip: 0x400500},
			},
			{
				ID:         testWorkerTID,
				Name:       "worker",
				SchedClass: 2,
				Context:    &format.ContextAMD64{ContextFlags: format.ContextAMD64Full, Rsp: 0x7800, Rip: 0x400600},
			},
		},
		Regions: []proc.StaticRegion{
			{
				MemoryRegion: proc.MemoryRegion{Base: testHeapBase, Size: testHeapSize, Read: true, Write: true},
				Data:         patternData(testHeapSize, 0x55),
			},
			{
				MemoryRegion: proc.MemoryRegion{Base: testCodeBase, Size: testCodeSize, Read: true, Exec: true, Filename: "/bin/app"},
				Data:         patternData(testCodeSize, 0xcc),
			},
			{
				MemoryRegion: proc.MemoryRegion{Base: testStackBase, Size: testStackSize, Read: true, Write: true},
				Data:         patternData(testStackSize, 0xaa),
			},
		},
		Mods: []proc.ModuleInfo{
			{Base: 0x500000, Size: 0x1000, Path: "/lib/libfoo.so", BuildID: []byte{9, 8, 7, 6}},
			{Base: testCodeBase, Size: testCodeSize, Path: "/bin/app", BuildID: []byte{1, 2, 3, 4, 5, 6, 7, 8}, EntryPoint: true},
		},
	}
}

func testCrashContext(target *proc.StaticProcess) *proc.CrashContext {
	return &proc.CrashContext{
		ThreadID:         testCrashedTID,
		ExceptionCode:    11, // SIGSEGV
		ExceptionSubcode: 1,
		FaultAddress:     testFaultAddr,
		Context:          target.Threads[0].Context,
	}
}

func fixedClock() time.Time {
	return time.Unix(1700001234, 0)
}

func TestDumpRoundTrip(t *testing.T) {
	target := testTarget()
	res, err := Dump(target, testCrashContext(target), Options{Clock: fixedClock})
	assertNoError(err, t, "Dump")
	if len(res.Omitted) != 0 {
		t.Fatalf("unexpected omissions: %v", res.Omitted)
	}
	if res.Truncated {
		t.Fatal("dump unexpectedly truncated")
	}

	mdmp, err := reader.Parse(res.Bytes)
	assertNoError(err, t, "Parse")

	if mdmp.Timestamp != uint32(fixedClock().Unix()) {
		t.Errorf("timestamp = %d, want %d", mdmp.Timestamp, fixedClock().Unix())
	}
	if len(mdmp.Streams) != len(DefaultStreams) {
		t.Errorf("stream count = %d, want %d", len(mdmp.Streams), len(DefaultStreams))
	}

	si := mdmp.SystemInfo
	if si == nil {
		t.Fatal("no system info stream")
	}
	if si.Arch != format.CPUArchitectureAMD64 || si.Platform != format.PlatformLinux {
		t.Errorf("system info arch=%v platform=%#x", si.Arch, uint32(si.Platform))
	}
	if si.NumberOfProcessors != 8 || si.OSBuild != "Linux 5.15.0 test" {
		t.Errorf("system info cpus=%d osbuild=%q", si.NumberOfProcessors, si.OSBuild)
	}

	if mdmp.Pid != 4242 {
		t.Errorf("pid = %d, want 4242", mdmp.Pid)
	}

	exc := mdmp.Exception
	if exc == nil {
		t.Fatal("no exception stream")
	}
	if exc.ThreadID != testCrashedTID || exc.Code != 11 || exc.Address != testFaultAddr {
		t.Errorf("exception thread=%d code=%d addr=%#x", exc.ThreadID, exc.Code, exc.Address)
	}
	if len(exc.RawContext) != format.ContextAMD64Size {
		t.Errorf("exception context %d bytes, want %d", len(exc.RawContext), format.ContextAMD64Size)
	}

	if len(mdmp.Threads) != 2 {
		t.Fatalf("thread count = %d, want 2", len(mdmp.Threads))
	}
	main, worker := &mdmp.Threads[0], &mdmp.Threads[1]
	if main.ID != testCrashedTID || worker.ID != testWorkerTID {
		t.Fatalf("thread ids = %d, %d", main.ID, worker.ID)
	}
	if worker.Priority != 2 {
		t.Errorf("worker priority = %d, want 2", worker.Priority)
	}

	// main's stack: sp 0x8000 is page aligned, the capture runs to the end
	// of the stack region
	if main.StackStart != 0x8000 || len(main.StackData) != 0x1000 {
		t.Errorf("main stack %#x+%#x, want 0x8000+0x1000", main.StackStart, len(main.StackData))
	}
	if !bytes.Equal(main.StackData, patternData(testStackSize, 0xaa)[0x1000:]) {
		t.Error("main stack contents do not match target memory")
	}
	// worker's sp 0x7800 rounds down to the region base
	if worker.StackStart != testStackBase || len(worker.StackData) != testStackSize {
		t.Errorf("worker stack %#x+%#x, want %#x+%#x", worker.StackStart, len(worker.StackData), testStackBase, testStackSize)
	}

	if len(mdmp.Modules) != 2 {
		t.Fatalf("module count = %d, want 2", len(mdmp.Modules))
	}
	if mdmp.Modules[0].Name != "/bin/app" {
		t.Errorf("first module = %q, want the main executable", mdmp.Modules[0].Name)
	}
	cv := mdmp.Modules[0].CVRecord
	if len(cv) != 12 || binary.LittleEndian.Uint32(cv) != format.CVSignatureELF {
		t.Errorf("main module CV record = %x", cv)
	}
	if !bytes.Equal(cv[4:], []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("main module build id = %x", cv[4:])
	}

	// two stacks, the fault window, and the instruction pointer window
	if len(mdmp.Memory) != 4 {
		t.Fatalf("memory range count = %d, want 4", len(mdmp.Memory))
	}
	window := mdmp.Memory[2]
	if window.Addr != testFaultAddr-128 || len(window.Data) != 256 {
		t.Errorf("fault window %#x+%#x, want %#x+256", window.Addr, len(window.Data), testFaultAddr-128)
	}
	var word [8]byte
	_, err = window.ReadMemory(word[:], testFaultAddr)
	assertNoError(err, t, "window.ReadMemory")
	if !bytes.Equal(word[:], patternData(testHeapSize, 0x55)[testFaultAddr-testHeapBase:testFaultAddr-testHeapBase+8]) {
		t.Error("fault window contents do not match target memory")
	}
	ipWindow := mdmp.Memory[3]
	if ipWindow.Addr != 0x400500-128 || len(ipWindow.Data) != 256 {
		t.Errorf("instruction window %#x+%#x, want %#x+256", ipWindow.Addr, len(ipWindow.Data), uint64(0x400500-128))
	}
	_, err = ipWindow.ReadMemory(word[:], 0x400500)
	assertNoError(err, t, "ipWindow.ReadMemory")
	if !bytes.Equal(word[:], patternData(testCodeSize, 0xcc)[0x500:0x508]) {
		t.Error("instruction window contents do not match target memory")
	}

	if mdmp.ThreadNames[testCrashedTID] != "main" || mdmp.ThreadNames[testWorkerTID] != "worker" {
		t.Errorf("thread names = %v", mdmp.ThreadNames)
	}
	if mdmp.BreakpadRequestingThread != testCrashedTID {
		t.Errorf("requesting thread = %d, want %d", mdmp.BreakpadRequestingThread, testCrashedTID)
	}
}

func TestDumpDeterministic(t *testing.T) {
	opts := Options{Clock: fixedClock}

	a := testTarget()
	resA, err := Dump(a, testCrashContext(a), opts)
	assertNoError(err, t, "first Dump")

	b := testTarget()
	resB, err := Dump(b, testCrashContext(b), opts)
	assertNoError(err, t, "second Dump")

	if !bytes.Equal(resA.Bytes, resB.Bytes) {
		t.Error("two dumps of identical state differ")
	}
}

func TestFaultWindowHalfOpenBound(t *testing.T) {
	// the heap region is [0x1000, 0x2000): a fault at exactly 0x2000 is
	// outside it and must not produce a window
	target := testTarget()
	cctx := testCrashContext(target)
	cctx.FaultAddress = testHeapBase + testHeapSize

	res, err := Dump(target, cctx, Options{Clock: fixedClock})
	assertNoError(err, t, "Dump")

	mdmp, err := reader.Parse(res.Bytes)
	assertNoError(err, t, "Parse")
	if len(mdmp.Memory) != 3 {
		t.Errorf("memory range count = %d, want the 2 stacks and the instruction window", len(mdmp.Memory))
	}

	// one byte lower the window is included, clamped to the region end
	target = testTarget()
	cctx = testCrashContext(target)
	cctx.FaultAddress = testHeapBase + testHeapSize - 1

	res, err = Dump(target, cctx, Options{Clock: fixedClock})
	assertNoError(err, t, "Dump")
	mdmp, err = reader.Parse(res.Bytes)
	assertNoError(err, t, "Parse")
	if len(mdmp.Memory) != 4 {
		t.Fatalf("memory range count = %d, want 4", len(mdmp.Memory))
	}
	window := mdmp.Memory[2]
	if end := window.Addr + uint64(len(window.Data)); end != testHeapBase+testHeapSize {
		t.Errorf("window end = %#x, want clamped to %#x", end, testHeapBase+testHeapSize)
	}
}

func TestInstructionPointerWindow(t *testing.T) {
	// an execution fault: the faulting address is the instruction pointer,
	// so one window serves both
	target := testTarget()
	cctx := testCrashContext(target)
	cctx.FaultAddress = 0x400500

	res, err := Dump(target, cctx, Options{Clock: fixedClock})
	assertNoError(err, t, "Dump")
	mdmp, err := reader.Parse(res.Bytes)
	assertNoError(err, t, "Parse")
	if len(mdmp.Memory) != 3 {
		t.Fatalf("memory range count = %d, want 3", len(mdmp.Memory))
	}
	covered := false
	for i := range mdmp.Memory {
		m := &mdmp.Memory[i]
		if m.Addr <= 0x400500 && 0x400500 < m.Addr+uint64(len(m.Data)) {
			covered = true
		}
	}
	if !covered {
		t.Error("no memory range covers the faulting instruction pointer")
	}

	// a window around an instruction pointer near the end of its mapping is
	// clamped half-open
	target = testTarget()
	target.Threads[0].Context.(*format.ContextAMD64).Rip = testCodeBase + testCodeSize - 8
	cctx = testCrashContext(target)

	res, err = Dump(target, cctx, Options{Clock: fixedClock})
	assertNoError(err, t, "Dump")
	mdmp, err = reader.Parse(res.Bytes)
	assertNoError(err, t, "Parse")
	if len(mdmp.Memory) != 4 {
		t.Fatalf("memory range count = %d, want 4", len(mdmp.Memory))
	}
	ipWindow := mdmp.Memory[3]
	if end := ipWindow.Addr + uint64(len(ipWindow.Data)); end != testCodeBase+testCodeSize {
		t.Errorf("instruction window end = %#x, want clamped to %#x", end, uint64(testCodeBase+testCodeSize))
	}
}

func TestThreadGoneSkipped(t *testing.T) {
	target := testTarget()
	target.GoneThreads = map[uint32]bool{testWorkerTID: true}

	res, err := Dump(target, testCrashContext(target), Options{Clock: fixedClock})
	assertNoError(err, t, "Dump")
	if len(res.Omitted) != 0 {
		t.Fatalf("a vanished thread must not omit streams: %v", res.Omitted)
	}

	mdmp, err := reader.Parse(res.Bytes)
	assertNoError(err, t, "Parse")
	if len(mdmp.Threads) != 1 {
		t.Fatalf("thread count = %d, want 1", len(mdmp.Threads))
	}
	if mdmp.Threads[0].ID != testCrashedTID {
		t.Errorf("surviving thread = %d, want %d", mdmp.Threads[0].ID, testCrashedTID)
	}
	if _, ok := mdmp.ThreadNames[testWorkerTID]; ok {
		t.Error("vanished thread still present in thread names")
	}
}

func TestNullStackPointerSentinel(t *testing.T) {
	target := testTarget()
	target.Threads = append(target.Threads, proc.ThreadInfo{
		ID:      103,
		Context: &format.ContextAMD64{ContextFlags: format.ContextAMD64Full},
	})

	res, err := Dump(target, testCrashContext(target), Options{Clock: fixedClock})
	assertNoError(err, t, "Dump")
	mdmp, err := reader.Parse(res.Bytes)
	assertNoError(err, t, "Parse")

	if len(mdmp.Threads) != 3 {
		t.Fatalf("thread count = %d, want 3", len(mdmp.Threads))
	}
	th := &mdmp.Threads[2]
	if th.StackStart != stackPointerNull {
		t.Errorf("sentinel stack start = %#x, want %#x", th.StackStart, uint64(stackPointerNull))
	}
	if len(th.StackData) != 16 {
		t.Fatalf("sentinel block %d bytes, want 16", len(th.StackData))
	}
	for i := 0; i < 16; i += 8 {
		if got := binary.LittleEndian.Uint64(th.StackData[i:]); got != stackPointerNull {
			t.Errorf("sentinel word at %d = %#x", i, got)
		}
	}
}

func TestSanitizeStacks(t *testing.T) {
	target := testTarget()
	stack := target.Regions[2].Data
	// worker's sp is 0x7800, offset 0x800 into the stack region
	const off = 0x800
	binary.LittleEndian.PutUint64(stack[off:], 42)                 // small int, kept
	binary.LittleEndian.PutUint64(stack[off+8:], 0x400500)         // code pointer, kept
	binary.LittleEndian.PutUint64(stack[off+16:], 0x7808)          // stack pointer, kept
	binary.LittleEndian.PutUint64(stack[off+24:], 0x123456789abc1) // data, defaced
	stack[off-1] = 0xff                                            // below sp, zeroed

	res, err := Dump(target, testCrashContext(target), Options{Clock: fixedClock, SanitizeStacks: true})
	assertNoError(err, t, "Dump")
	mdmp, err := reader.Parse(res.Bytes)
	assertNoError(err, t, "Parse")

	worker := &mdmp.Threads[1]
	if worker.ID != testWorkerTID {
		t.Fatalf("unexpected thread order")
	}
	data := worker.StackData
	if got := binary.LittleEndian.Uint64(data[off:]); got != 42 {
		t.Errorf("small int = %#x, want 42", got)
	}
	if got := binary.LittleEndian.Uint64(data[off+8:]); got != 0x400500 {
		t.Errorf("code pointer = %#x, want 0x400500", got)
	}
	if got := binary.LittleEndian.Uint64(data[off+16:]); got != 0x7808 {
		t.Errorf("stack pointer = %#x, want 0x7808", got)
	}
	if got := binary.LittleEndian.Uint64(data[off+24:]); got != defacedPattern {
		t.Errorf("data word = %#x, want defaced", got)
	}
	if data[off-1] != 0 {
		t.Error("byte below stack pointer not zeroed")
	}
}

func TestStreamSelectionKeepsFixedOrder(t *testing.T) {
	target := testTarget()
	res, err := Dump(target, testCrashContext(target), Options{
		Clock:   fixedClock,
		Streams: []format.StreamType{format.ThreadListStream, format.SystemInfoStream},
	})
	assertNoError(err, t, "Dump")

	if len(res.Directory) != 2 {
		t.Fatalf("directory has %d entries, want 2", len(res.Directory))
	}
	if res.Directory[0].StreamType != format.SystemInfoStream || res.Directory[1].StreamType != format.ThreadListStream {
		t.Errorf("directory order = %v, %v", res.Directory[0].StreamType, res.Directory[1].StreamType)
	}
}

func TestUnknownExceptionCodeOmitsStream(t *testing.T) {
	target := testTarget()
	target.ValidCodes = map[uint32]bool{11: true}
	cctx := testCrashContext(target)
	cctx.ExceptionCode = 9999

	res, err := Dump(target, cctx, Options{Clock: fixedClock})
	assertNoError(err, t, "Dump")

	found := false
	for _, om := range res.Omitted {
		if om.Type == format.ExceptionStream {
			found = true
		}
	}
	if !found {
		t.Fatalf("exception stream not omitted: %v", res.Omitted)
	}

	mdmp, err := reader.Parse(res.Bytes)
	assertNoError(err, t, "Parse")
	if mdmp.Exception != nil {
		t.Error("exception stream present despite invalid code")
	}
}

func TestNoCrashContext(t *testing.T) {
	target := testTarget()
	res, err := Dump(target, nil, Options{Clock: fixedClock})
	assertNoError(err, t, "Dump")

	mdmp, err := reader.Parse(res.Bytes)
	assertNoError(err, t, "Parse")
	if mdmp.Exception != nil {
		t.Error("exception stream written without a crash context")
	}
	if len(mdmp.Threads) != 2 {
		t.Errorf("thread count = %d, want 2", len(mdmp.Threads))
	}
	// exception and breakpad info degrade to omissions
	if len(res.Omitted) != 2 {
		t.Errorf("omissions = %v, want exception and breakpad info", res.Omitted)
	}
}

func TestBufferLimitTruncates(t *testing.T) {
	target := testTarget()
	res, err := Dump(target, testCrashContext(target), Options{Clock: fixedClock, BufferLimit: 2048})
	assertNoError(err, t, "Dump")

	if !res.Truncated {
		t.Fatal("dump not marked truncated")
	}
	if len(res.Directory) == 0 {
		t.Fatal("no streams written before the limit")
	}
	if res.Directory[0].StreamType != format.SystemInfoStream {
		t.Errorf("first stream = %v, want SystemInfoStream", res.Directory[0].StreamType)
	}
	if len(res.Bytes) > 2048+len(res.Directory)*format.DirectorySize+format.DirectorySize {
		t.Errorf("dump size %d exceeds the limit by more than the directory", len(res.Bytes))
	}

	// the truncated file is still well formed
	mdmp, err := reader.Parse(res.Bytes)
	assertNoError(err, t, "Parse")
	if len(mdmp.Streams) != len(res.Directory) {
		t.Errorf("parsed %d streams, directory has %d", len(mdmp.Streams), len(res.Directory))
	}
	if mdmp.SystemInfo == nil {
		t.Error("system info missing from truncated dump")
	}
}

// Whatever the limit, Dump must produce a well formed file with a finalized
// directory; the directory itself is not counted against the limit.
func TestDirectoryFinalizedAtAnyLimit(t *testing.T) {
	ref := testTarget()
	full, err := Dump(ref, testCrashContext(ref), Options{Clock: fixedClock})
	assertNoError(err, t, "unlimited Dump")

	for limit := format.HeaderSize; limit <= len(full.Bytes); limit += 97 {
		target := testTarget()
		res, err := Dump(target, testCrashContext(target), Options{Clock: fixedClock, BufferLimit: limit})
		if err != nil {
			t.Fatalf("limit %d: %v", limit, err)
		}
		mdmp, err := reader.Parse(res.Bytes)
		if err != nil {
			t.Fatalf("limit %d: parse: %v", limit, err)
		}
		if len(mdmp.Streams) != len(res.Directory) {
			t.Fatalf("limit %d: parsed %d streams, directory has %d", limit, len(mdmp.Streams), len(res.Directory))
		}
	}
}

func TestDumpIntoPreallocatedBuffer(t *testing.T) {
	target := testTarget()
	buf := NewBuffer(0, 1<<20)
	res, err := Dump(target, testCrashContext(target), Options{Clock: fixedClock, Buffer: buf})
	assertNoError(err, t, "Dump")

	if buf.Len() != len(res.Bytes) {
		t.Errorf("supplied buffer holds %d bytes, result has %d", buf.Len(), len(res.Bytes))
	}

	ref := testTarget()
	resRef, err := Dump(ref, testCrashContext(ref), Options{Clock: fixedClock})
	assertNoError(err, t, "Dump without a supplied buffer")
	if !bytes.Equal(res.Bytes, resRef.Bytes) {
		t.Error("preallocated buffer changed the dump contents")
	}
}

func TestHandlerThreadExcluded(t *testing.T) {
	target := testTarget()
	cctx := testCrashContext(target)
	cctx.HandlerThreadID = testWorkerTID

	res, err := Dump(target, cctx, Options{Clock: fixedClock})
	assertNoError(err, t, "Dump")
	mdmp, err := reader.Parse(res.Bytes)
	assertNoError(err, t, "Parse")

	if len(mdmp.Threads) != 1 || mdmp.Threads[0].ID != testCrashedTID {
		t.Fatalf("threads = %v, want only the crashed thread", mdmp.Threads)
	}
	if mdmp.BreakpadDumpThread != testWorkerTID {
		t.Errorf("dump thread = %d, want %d", mdmp.BreakpadDumpThread, testWorkerTID)
	}
	if mdmp.BreakpadRequestingThread != testCrashedTID {
		t.Errorf("requesting thread = %d, want %d", mdmp.BreakpadRequestingThread, testCrashedTID)
	}
}

func TestDetachRunsOnEveryPath(t *testing.T) {
	target := testTarget()
	_, err := Dump(target, testCrashContext(target), Options{Clock: fixedClock})
	assertNoError(err, t, "Dump")
	if _, err := target.ThreadIDs(); err != proc.ErrNotAttached {
		t.Error("accessor not detached after a successful dump")
	}

	// fatal path: host info unavailable is simulated by detaching up front,
	// which makes ThreadIDs fail but not Host; instead use a zero buffer
	// limit that cannot even hold the header
	target = testTarget()
	_, err = Dump(target, nil, Options{Clock: fixedClock, BufferLimit: 8})
	if err == nil {
		t.Fatal("expected a fatal error from an 8 byte buffer limit")
	}
	if _, err := target.ThreadIDs(); err != proc.ErrNotAttached {
		t.Error("accessor not detached after a fatal dump error")
	}
}
