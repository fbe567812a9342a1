//go:build linux && (amd64 || arm64)
// +build linux
// +build amd64 arm64

package native

import (
	"bytes"
	"os"
	"os/exec"
	"runtime"
	"testing"
	"unsafe"

	"github.com/go-minidump/minidump/pkg/minidump"
	"github.com/go-minidump/minidump/pkg/minidump/reader"
	"github.com/go-minidump/minidump/pkg/proc"
)

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s error: %v", s, err)
	}
}

func startTarget(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	assertNoError(cmd.Start(), t, "starting target")
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd
}

func TestAttach(t *testing.T) {
	cmd := startTarget(t)

	acc, err := Attach(cmd.Process.Pid)
	assertNoError(err, t, "Attach")
	defer acc.Detach()

	if acc.Pid() != cmd.Process.Pid {
		t.Errorf("Pid() = %d, want %d", acc.Pid(), cmd.Process.Pid)
	}

	ids, err := acc.ThreadIDs()
	assertNoError(err, t, "ThreadIDs")
	if len(ids) == 0 {
		t.Fatal("no threads enumerated")
	}

	info, err := acc.ThreadState(ids[0])
	assertNoError(err, t, "ThreadState")
	if info.StackPointer() == 0 {
		t.Error("main thread has a zero stack pointer")
	}
	if info.Name == "" {
		t.Error("main thread has no name")
	}

	regions, err := acc.MemoryRegions()
	assertNoError(err, t, "MemoryRegions")
	if len(regions) == 0 {
		t.Fatal("no memory regions")
	}
	for i := 1; i < len(regions); i++ {
		if regions[i].Base < regions[i-1].End() {
			t.Fatalf("regions out of order: %#x after %#x", regions[i].Base, regions[i-1].End())
		}
	}
	if proc.FindRegion(regions, info.StackPointer()) == nil {
		t.Error("stack pointer not inside any mapped region")
	}

	mods, err := acc.Modules()
	assertNoError(err, t, "Modules")
	if len(mods) == 0 {
		t.Fatal("no modules enumerated")
	}
	hasEntry := false
	for i := range mods {
		if mods[i].EntryPoint {
			hasEntry = true
		}
	}
	if !hasEntry {
		t.Error("no module marked as the main executable")
	}

	host, err := acc.Host()
	assertNoError(err, t, "Host")
	if host.NumberOfCPUs == 0 || host.PageSize == 0 {
		t.Errorf("host facts incomplete: %+v", host)
	}
}

func TestAttachReadMemory(t *testing.T) {
	cmd := startTarget(t)

	acc, err := Attach(cmd.Process.Pid)
	assertNoError(err, t, "Attach")
	defer acc.Detach()

	mods, err := acc.Modules()
	assertNoError(err, t, "Modules")

	// the ELF magic of the main executable must be readable
	var magic [4]byte
	assertNoError(acc.ReadMemory(magic[:], mods[0].Base), t, "ReadMemory")
	if !bytes.Equal(magic[:], []byte{0x7f, 'E', 'L', 'F'}) {
		t.Errorf("module base contents %x, want the ELF magic", magic)
	}

	if err := acc.ReadMemory(magic[:], 0x10); err == nil {
		t.Error("read of the zero page succeeded")
	}
}

func TestAttachGonePid(t *testing.T) {
	cmd := startTarget(t)
	pid := cmd.Process.Pid
	cmd.Process.Kill()
	cmd.Wait()

	if _, err := Attach(pid); err == nil {
		t.Error("attach to an exited process succeeded")
	}
}

func TestSelfReadMemory(t *testing.T) {
	acc, err := Self()
	assertNoError(err, t, "Self")
	defer acc.Detach()

	want := []byte("quick brown fox\x00")
	buf := make([]byte, len(want))
	copy(buf, want)

	got := make([]byte, len(want))
	err = acc.ReadMemory(got, uint64(uintptr(unsafe.Pointer(&buf[0]))))
	runtime.KeepAlive(buf)
	assertNoError(err, t, "ReadMemory")
	if !bytes.Equal(got, want) {
		t.Errorf("read %q through /proc/self/mem, want %q", got, want)
	}

	ids, err := acc.ThreadIDs()
	assertNoError(err, t, "ThreadIDs")
	if len(ids) == 0 {
		t.Fatal("no threads enumerated")
	}
	found := false
	for _, id := range ids {
		if _, err := acc.ThreadState(id); err == nil {
			found = true
		}
	}
	if !found {
		t.Error("no thread state readable")
	}
}

func TestSelfDump(t *testing.T) {
	acc, err := Self()
	assertNoError(err, t, "Self")

	res, err := minidump.Dump(acc, nil, minidump.Options{})
	assertNoError(err, t, "Dump")

	mdmp, err := reader.Parse(res.Bytes)
	assertNoError(err, t, "Parse")
	if mdmp.SystemInfo == nil {
		t.Fatal("no system info stream")
	}
	if int(mdmp.Pid) != os.Getpid() {
		t.Errorf("pid = %d, want %d", mdmp.Pid, os.Getpid())
	}
	if len(mdmp.Threads) == 0 {
		t.Error("no threads in the dump")
	}
	if len(mdmp.Modules) == 0 {
		t.Error("no modules in the dump")
	}
}
