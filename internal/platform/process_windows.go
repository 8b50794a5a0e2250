//go:build windows

package platform

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/eliteguard/appmon/internal/domain"
)

// WindowsProcessController implements domain.ProcessController by binding
// kernel32.dll directly via a LazyDLL, the same mechanism
// KanakSasak-procSniper's windows_process.go uses for OpenProcess and
// TerminateProcess; this generalizes that pattern to the toolhelp
// snapshot, thread-suspend, and VirtualQueryEx calls that file left
// unimplemented.
type WindowsProcessController struct{}

// NewWindowsProcessController returns the production Windows controller.
func NewWindowsProcessController() *WindowsProcessController {
	return &WindowsProcessController{}
}

var (
	kernel32                  = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess           = kernel32.NewProc("OpenProcess")
	procTerminateProcess      = kernel32.NewProc("TerminateProcess")
	procGetExitCodeProcess    = kernel32.NewProc("GetExitCodeProcess")
	procCreateToolhelp32Snap  = kernel32.NewProc("CreateToolhelp32Snapshot")
	procProcess32First        = kernel32.NewProc("Process32FirstW")
	procProcess32Next         = kernel32.NewProc("Process32NextW")
	procThread32First         = kernel32.NewProc("Thread32First")
	procThread32Next          = kernel32.NewProc("Thread32Next")
	procOpenThread            = kernel32.NewProc("OpenThread")
	procSuspendThread         = kernel32.NewProc("SuspendThread")
	procResumeThread          = kernel32.NewProc("ResumeThread")
	procVirtualQueryEx        = kernel32.NewProc("VirtualQueryEx")
)

const (
	processTerminate               = 0x0001
	processQueryInformation        = 0x0400
	processQueryLimitedInformation = 0x1000
	processVMRead                  = 0x0010
	threadSuspendResume            = 0x0002

	th32csSnapProcess = 0x00000002
	th32csSnapThread  = 0x00000004

	stillActive = 259

	pageExecuteReadwrite = 0x40
	pageExecuteWritecopy = 0x80

	// pageGuard and pageNocache are modifier bits Win32 ORs onto the base
	// protection constant rather than values of their own; they must be
	// masked off before comparing against the base PAGE_EXECUTE_* values
	// or a guard-paged RWX region would compare unequal and be missed.
	pageGuard   = 0x100
	pageNocache = 0x200
)

// processEntry32 mirrors the Win32 PROCESSENTRY32W structure.
type processEntry32 struct {
	size              uint32
	cntUsage          uint32
	processID         uint32
	defaultHeapID     uintptr
	moduleID          uint32
	cntThreads        uint32
	parentProcessID   uint32
	priClassBase      int32
	flags             uint32
	exeFile           [260]uint16
}

// threadEntry32 mirrors the Win32 THREADENTRY32 structure.
type threadEntry32 struct {
	size             uint32
	usageCount       uint32
	threadID         uint32
	ownerProcessID   uint32
	basePri          int32
	deltaPri         int32
	flags            uint32
}

// memoryBasicInformation mirrors MEMORY_BASIC_INFORMATION on 64-bit
// Windows.
type memoryBasicInformation struct {
	baseAddress       uintptr
	allocationBase    uintptr
	allocationProtect uint32
	partitionID       uint16
	_                 uint16
	regionSize        uintptr
	state             uint32
	protect           uint32
	memType           uint32
}

func (c *WindowsProcessController) SuspendThreads(pid domain.PID) (int, error) {
	snap, _, _ := procCreateToolhelp32Snap.Call(uintptr(th32csSnapThread), 0)
	if snap == 0 || snap == ^uintptr(0) {
		return 0, fmt.Errorf("platform: opening thread snapshot for %d", pid)
	}
	defer syscall.CloseHandle(syscall.Handle(snap))

	var entry threadEntry32
	entry.size = uint32(unsafe.Sizeof(entry))

	suspended := 0
	ret, _, _ := procThread32First.Call(snap, uintptr(unsafe.Pointer(&entry)))
	for ret != 0 {
		if entry.ownerProcessID == uint32(pid) {
			h, _, _ := procOpenThread.Call(uintptr(threadSuspendResume), 0, uintptr(entry.threadID))
			if h != 0 {
				if r, _, _ := procSuspendThread.Call(h); r != ^uintptr(0) {
					suspended++
				}
				syscall.CloseHandle(syscall.Handle(h))
			}
		}
		ret, _, _ = procThread32Next.Call(snap, uintptr(unsafe.Pointer(&entry)))
	}
	return suspended, nil
}

func (c *WindowsProcessController) ResumeThreads(pid domain.PID) error {
	snap, _, _ := procCreateToolhelp32Snap.Call(uintptr(th32csSnapThread), 0)
	if snap == 0 || snap == ^uintptr(0) {
		return fmt.Errorf("platform: opening thread snapshot for %d", pid)
	}
	defer syscall.CloseHandle(syscall.Handle(snap))

	var entry threadEntry32
	entry.size = uint32(unsafe.Sizeof(entry))

	ret, _, _ := procThread32First.Call(snap, uintptr(unsafe.Pointer(&entry)))
	for ret != 0 {
		if entry.ownerProcessID == uint32(pid) {
			h, _, _ := procOpenThread.Call(uintptr(threadSuspendResume), 0, uintptr(entry.threadID))
			if h != 0 {
				procResumeThread.Call(h)
				syscall.CloseHandle(syscall.Handle(h))
			}
		}
		ret, _, _ = procThread32Next.Call(snap, uintptr(unsafe.Pointer(&entry)))
	}
	return nil
}

// KillTree terminates pid and every process whose parent chain resolves
// to it, walking a toolhelp process snapshot since the agent does not
// control how the target was originally launched and so has no job
// object to terminate instead.
func (c *WindowsProcessController) KillTree(pid domain.PID) error {
	for _, child := range childrenOf(pid) {
		c.KillTree(child)
	}
	return terminateOne(pid)
}

func terminateOne(pid domain.PID) error {
	h, _, errno := procOpenProcess.Call(uintptr(processTerminate), 0, uintptr(pid))
	if h == 0 {
		return fmt.Errorf("platform: opening process %d: %w", pid, errno)
	}
	defer syscall.CloseHandle(syscall.Handle(h))

	ret, _, errno := procTerminateProcess.Call(h, 1)
	if ret == 0 {
		return fmt.Errorf("platform: terminating process %d: %w", pid, errno)
	}
	return nil
}

func childrenOf(pid domain.PID) []domain.PID {
	snap, _, _ := procCreateToolhelp32Snap.Call(uintptr(th32csSnapProcess), 0)
	if snap == 0 || snap == ^uintptr(0) {
		return nil
	}
	defer syscall.CloseHandle(syscall.Handle(snap))

	var entry processEntry32
	entry.size = uint32(unsafe.Sizeof(entry))

	var out []domain.PID
	ret, _, _ := procProcess32First.Call(snap, uintptr(unsafe.Pointer(&entry)))
	for ret != 0 {
		if entry.parentProcessID == uint32(pid) {
			out = append(out, domain.PID(entry.processID))
		}
		ret, _, _ = procProcess32Next.Call(snap, uintptr(unsafe.Pointer(&entry)))
	}
	return out
}

func (c *WindowsProcessController) IsRunning(pid domain.PID) bool {
	h, _, _ := procOpenProcess.Call(uintptr(processQueryLimitedInformation), 0, uintptr(pid))
	if h == 0 {
		return false
	}
	defer syscall.CloseHandle(syscall.Handle(h))

	var code uint32
	ret, _, _ := procGetExitCodeProcess.Call(h, uintptr(unsafe.Pointer(&code)))
	if ret == 0 {
		return false
	}
	return code == stillActive
}

// WalkExecutableRegions implements spec.md §4.6's memory scan by walking
// the target's address space with VirtualQueryEx and surfacing regions
// whose protection includes write+execute.
func (c *WindowsProcessController) WalkExecutableRegions(pid domain.PID, visit func(domain.MemoryRegion)) error {
	h, _, errno := procOpenProcess.Call(uintptr(processQueryInformation|processVMRead), 0, uintptr(pid))
	if h == 0 {
		return fmt.Errorf("platform: opening process %d: %w", pid, errno)
	}
	defer syscall.CloseHandle(syscall.Handle(h))

	var addr uintptr
	for {
		var info memoryBasicInformation
		n, _, _ := procVirtualQueryEx.Call(h, addr, uintptr(unsafe.Pointer(&info)), unsafe.Sizeof(info))
		if n == 0 || info.regionSize == 0 {
			break
		}
		if isWriteExecute(info.protect) {
			visit(domain.MemoryRegion{
				BaseAddress: uint64(info.baseAddress),
				Size:        uint64(info.regionSize),
				Protection:  protectionString(info.protect),
			})
		}
		next := addr + info.regionSize
		if next <= addr {
			break
		}
		addr = next
	}
	return nil
}

func isWriteExecute(protect uint32) bool {
	base := protect &^ (pageGuard | pageNocache)
	return base == pageExecuteReadwrite || base == pageExecuteWritecopy
}

func protectionString(protect uint32) string {
	switch protect &^ (pageGuard | pageNocache) {
	case pageExecuteReadwrite:
		return "PAGE_EXECUTE_READWRITE"
	case pageExecuteWritecopy:
		return "PAGE_EXECUTE_WRITECOPY"
	default:
		return "UNKNOWN"
	}
}

var _ domain.ProcessController = (*WindowsProcessController)(nil)
