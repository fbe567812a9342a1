//go:build windows && amd64
// +build windows,amd64

package native

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// thread access rights for OpenThread
const (
	_THREAD_SUSPEND_RESUME    = 0x0002
	_THREAD_GET_CONTEXT       = 0x0008
	_THREAD_QUERY_INFORMATION = 0x0040
)

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procGetThreadContext     = modkernel32.NewProc("GetThreadContext")
	procGetThreadPriority    = modkernel32.NewProc("GetThreadPriority")
	procGetThreadDescription = modkernel32.NewProc("GetThreadDescription")
	procGetNativeSystemInfo  = modkernel32.NewProc("GetNativeSystemInfo")
)

// _SYSTEM_INFO mirrors the Win32 SYSTEM_INFO structure.
type _SYSTEM_INFO struct {
	wProcessorArchitecture      uint16
	wReserved                   uint16
	dwPageSize                  uint32
	lpMinimumApplicationAddress uintptr
	lpMaximumApplicationAddress uintptr
	dwActiveProcessorMask       uintptr
	dwNumberOfProcessors        uint32
	dwProcessorType             uint32
	dwAllocationGranularity     uint32
	wProcessorLevel             uint16
	wProcessorRevision          uint16
}

func getNativeSystemInfo(info *_SYSTEM_INFO) {
	procGetNativeSystemInfo.Call(uintptr(unsafe.Pointer(info)))
}

func getThreadContext(hThread windows.Handle, ctx uintptr) error {
	r1, _, err := procGetThreadContext.Call(uintptr(hThread), ctx)
	if r1 == 0 {
		return err
	}
	return nil
}

// getThreadPriority returns THREAD_PRIORITY_ERROR_RETURN on failure, which
// callers treat as zero.
func getThreadPriority(hThread windows.Handle) int32 {
	r1, _, _ := procGetThreadPriority.Call(uintptr(hThread))
	return int32(r1)
}

// getThreadDescription returns the thread's name. Empty on systems older
// than Windows 10 1607, where the API does not exist.
func getThreadDescription(hThread windows.Handle) string {
	if err := procGetThreadDescription.Find(); err != nil {
		return ""
	}
	var pstr *uint16
	r1, _, _ := procGetThreadDescription.Call(uintptr(hThread), uintptr(unsafe.Pointer(&pstr)))
	if int32(r1) < 0 || pstr == nil { // FAILED(hr)
		return ""
	}
	defer windows.LocalFree(windows.Handle(unsafe.Pointer(pstr)))
	return windows.UTF16PtrToString(pstr)
}

// threadEntries snapshots the system thread table and returns the thread
// ids belonging to pid, in snapshot order.
func threadEntries(pid uint32) ([]uint32, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snap)

	var entry windows.ThreadEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	var tids []uint32
	for err = windows.Thread32First(snap, &entry); err == nil; err = windows.Thread32Next(snap, &entry) {
		if entry.OwnerProcessID == pid {
			tids = append(tids, entry.ThreadID)
		}
	}
	if err != nil && err != syscall.ERROR_NO_MORE_FILES {
		return nil, err
	}
	return tids, nil
}

// moduleEntries snapshots the modules loaded in pid.
func moduleEntries(pid uint32) ([]windows.ModuleEntry32, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, pid)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snap)

	var entry windows.ModuleEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	var mods []windows.ModuleEntry32
	for err = windows.Module32First(snap, &entry); err == nil; err = windows.Module32Next(snap, &entry) {
		mods = append(mods, entry)
	}
	if err != nil && err != syscall.ERROR_NO_MORE_FILES {
		return nil, err
	}
	return mods, nil
}
