//go:build windows

package platform

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"displayconfig/display"
	"displayconfig/tracker"

	"golang.org/x/sys/windows"
)

var (
	user32                           = windows.NewLazySystemDLL("user32.dll")
	procEnumDisplayMonitors          = user32.NewProc("EnumDisplayMonitors")
	procGetMonitorInfo               = user32.NewProc("GetMonitorInfoW")
	procEnumDisplayDevices           = user32.NewProc("EnumDisplayDevicesW")
	procRegisterClassEx              = user32.NewProc("RegisterClassExW")
	procUnregisterClass              = user32.NewProc("UnregisterClassW")
	procCreateWindowEx               = user32.NewProc("CreateWindowExW")
	procDefWindowProc                = user32.NewProc("DefWindowProcW")
	procGetMessage                   = user32.NewProc("GetMessageW")
	procTranslateMessage             = user32.NewProc("TranslateMessage")
	procDispatchMessage              = user32.NewProc("DispatchMessageW")
	procPostMessage                  = user32.NewProc("PostMessageW")
	procPostQuitMessage              = user32.NewProc("PostQuitMessage")
	procRegisterDeviceNotification   = user32.NewProc("RegisterDeviceNotificationW")
	procUnregisterDeviceNotification = user32.NewProc("UnregisterDeviceNotification")
	kernel32                         = windows.NewLazySystemDLL("kernel32.dll")
	procGetModuleHandle              = kernel32.NewProc("GetModuleHandleW")
)

const (
	WM_DESTROY       = 0x0002
	WM_CLOSE         = 0x0010
	WM_DISPLAYCHANGE = 0x007E
	WM_DEVICECHANGE  = 0x0219

	DBT_DEVICEARRIVAL          = 0x8000
	DBT_DEVICEREMOVECOMPLETE   = 0x8004
	DBT_DEVTYP_DEVICEINTERFACE = 0x00000005

	DEVICE_NOTIFY_WINDOW_HANDLE   = 0x00000000
	EDD_GET_DEVICE_INTERFACE_NAME = 0x00000001
	DISPLAY_DEVICE_ACTIVE         = 0x00000001
	MONITORINFOF_PRIMARY          = 0x00000001
)

// GUID_DEVINTERFACE_MONITOR
var monitorInterfaceClass = windows.GUID{
	Data1: 0xE6F07B5F,
	Data2: 0xEE97,
	Data3: 0x4A90,
	Data4: [8]byte{0xB0, 0x76, 0x33, 0xF5, 0x7B, 0xF4, 0xEA, 0xA7},
}

type RECT struct {
	Left, Top, Right, Bottom int32
}

type MONITORINFOEX struct {
	CbSize    uint32
	RcMonitor RECT
	RcWork    RECT
	DwFlags   uint32
	SzDevice  [32]uint16
}

type DISPLAY_DEVICE struct {
	Cb           uint32
	DeviceName   [32]uint16
	DeviceString [128]uint16
	StateFlags   uint32
	DeviceID     [128]uint16
	DeviceKey    [128]uint16
}

type DEV_BROADCAST_DEVICEINTERFACE struct {
	DbccSize       uint32
	DbccDeviceType uint32
	DbccReserved   uint32
	DbccClassGUID  windows.GUID
	DbccName       [1]uint16
}

type WNDCLASSEX struct {
	CbSize        uint32
	Style         uint32
	LpfnWndProc   uintptr
	CbClsExtra    int32
	CbWndExtra    int32
	HInstance     windows.Handle
	HIcon         windows.Handle
	HCursor       windows.Handle
	HbrBackground windows.Handle
	LpszMenuName  *uint16
	LpszClassName *uint16
	HIconSm       windows.Handle
}

type MSG struct {
	Hwnd    windows.HWND
	Message uint32
	WParam  uintptr
	LParam  uintptr
	Time    uint32
	Pt      struct{ X, Y int32 }
}

// Callbacks created with windows.NewCallback are never released, so there is
// one of each for the process.
var (
	monitorEnumProc = windows.NewCallback(collectMonitor)
	wndProc         = windows.NewCallback(notifyWndProc)

	enumMu   sync.Mutex
	monitors []uintptr

	windowsMu sync.Mutex
	byWindow  = map[windows.HWND]*windowsAdapter{}

	classSeq atomic.Uint32
)

type windowsAdapter struct {
	mu       sync.Mutex
	handler  func(display.RawSignal)
	hwnd     windows.HWND
	threadID uint32
	done     chan struct{}
	closed   bool
	loopErr  error
}

var _ display.Looper = (*windowsAdapter)(nil)

func newAdapter() (display.Adapter, error) {
	if err := procEnumDisplayMonitors.Find(); err != nil {
		return nil, fmt.Errorf("%w: %v", display.ErrSetup, err)
	}
	return &windowsAdapter{}, nil
}

func (a *windowsAdapter) PolicyName() string { return tracker.PolicyWindows }

func collectMonitor(hMonitor, hdc, rect, lParam uintptr) uintptr {
	monitors = append(monitors, hMonitor)
	return 1
}

func (a *windowsAdapter) Enumerate() (display.Set, error) {
	enumMu.Lock()
	monitors = monitors[:0]
	ret, _, err := procEnumDisplayMonitors.Call(0, 0, monitorEnumProc, 0)
	handles := append([]uintptr(nil), monitors...)
	enumMu.Unlock()
	if ret == 0 {
		return display.Set{}, fmt.Errorf("%w: EnumDisplayMonitors: %v", display.ErrEnumeration, err)
	}

	sources := make([]source, 0, len(handles))
	for _, h := range handles {
		src, err := readSource(h)
		if err != nil {
			return display.Set{}, err
		}
		sources = append(sources, src)
	}
	return display.NewSet(snapshotsFromSources(sources)...), nil
}

func readSource(hMonitor uintptr) (source, error) {
	var mi MONITORINFOEX
	mi.CbSize = uint32(unsafe.Sizeof(mi))
	ret, _, err := procGetMonitorInfo.Call(hMonitor, uintptr(unsafe.Pointer(&mi)))
	if ret == 0 {
		return source{}, fmt.Errorf("%w: GetMonitorInfo: %v", display.ErrEnumeration, err)
	}

	src := source{
		Device:  windows.UTF16ToString(mi.SzDevice[:]),
		Origin:  display.Point{X: int(mi.RcMonitor.Left), Y: int(mi.RcMonitor.Top)},
		Size:    display.Size{Width: int(mi.RcMonitor.Right - mi.RcMonitor.Left), Height: int(mi.RcMonitor.Bottom - mi.RcMonitor.Top)},
		Primary: mi.DwFlags&MONITORINFOF_PRIMARY != 0,
	}

	// Monitors attached to this source. More than one active monitor means
	// the desktop is duplicated across them.
	for i := uint32(0); ; i++ {
		var dd DISPLAY_DEVICE
		dd.Cb = uint32(unsafe.Sizeof(dd))
		ret, _, _ := procEnumDisplayDevices.Call(
			uintptr(unsafe.Pointer(&mi.SzDevice[0])),
			uintptr(i),
			uintptr(unsafe.Pointer(&dd)),
			EDD_GET_DEVICE_INTERFACE_NAME,
		)
		if ret == 0 {
			break
		}
		if dd.StateFlags&DISPLAY_DEVICE_ACTIVE == 0 {
			continue
		}
		if id := windows.UTF16ToString(dd.DeviceID[:]); id != "" {
			src.Monitors = append(src.Monitors, id)
		}
	}
	return src, nil
}

func (a *windowsAdapter) Attributes(id display.Identity) (display.Snapshot, error) {
	set, err := a.Enumerate()
	if err != nil {
		return display.Snapshot{}, err
	}
	snap, ok := set.Get(normalizeID(string(id)))
	if !ok {
		return display.Snapshot{}, fmt.Errorf("%w: %s", display.ErrNotFound, id)
	}
	return snap, nil
}

// Subscribe creates the hidden notification window on a dedicated, locked OS
// thread and pumps its messages until Close.
func (a *windowsAdapter) Subscribe(handler func(display.RawSignal)) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("adapter closed")
	}
	a.handler = handler
	if a.done != nil {
		a.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	a.done = done
	a.mu.Unlock()

	ready := make(chan error, 1)
	go a.messageLoop(ready, done)
	if err := <-ready; err != nil {
		return fmt.Errorf("%w: %v", display.ErrSetup, err)
	}
	return nil
}

func (a *windowsAdapter) messageLoop(ready chan<- error, done chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)

	hInstance, _, _ := procGetModuleHandle.Call(0)
	className, _ := windows.UTF16PtrFromString(fmt.Sprintf("DisplayConfigNotify%d", classSeq.Add(1)))

	wc := WNDCLASSEX{
		LpfnWndProc:   wndProc,
		HInstance:     windows.Handle(hInstance),
		LpszClassName: className,
	}
	wc.CbSize = uint32(unsafe.Sizeof(wc))
	if ret, _, err := procRegisterClassEx.Call(uintptr(unsafe.Pointer(&wc))); ret == 0 {
		ready <- fmt.Errorf("RegisterClassEx: %v", err)
		return
	}
	defer procUnregisterClass.Call(uintptr(unsafe.Pointer(className)), hInstance)

	// A top-level window that is never shown. Message-only windows do not
	// receive the WM_DISPLAYCHANGE broadcast.
	hwnd, _, err := procCreateWindowEx.Call(0, uintptr(unsafe.Pointer(className)), 0, 0, 0, 0, 0, 0, 0, 0, hInstance, 0)
	if hwnd == 0 {
		ready <- fmt.Errorf("CreateWindowEx: %v", err)
		return
	}

	filter := DEV_BROADCAST_DEVICEINTERFACE{
		DbccDeviceType: DBT_DEVTYP_DEVICEINTERFACE,
		DbccClassGUID:  monitorInterfaceClass,
	}
	filter.DbccSize = uint32(unsafe.Sizeof(filter))
	notify, _, _ := procRegisterDeviceNotification.Call(hwnd, uintptr(unsafe.Pointer(&filter)), DEVICE_NOTIFY_WINDOW_HANDLE)
	if notify != 0 {
		defer procUnregisterDeviceNotification.Call(notify)
	}

	windowsMu.Lock()
	byWindow[windows.HWND(hwnd)] = a
	windowsMu.Unlock()
	defer func() {
		windowsMu.Lock()
		delete(byWindow, windows.HWND(hwnd))
		windowsMu.Unlock()
	}()

	a.mu.Lock()
	a.hwnd = windows.HWND(hwnd)
	a.threadID = windows.GetCurrentThreadId()
	a.mu.Unlock()

	ready <- nil

	var msg MSG
	for {
		ret, _, err := procGetMessage.Call(uintptr(unsafe.Pointer(&msg)), 0, 0, 0)
		if int32(ret) <= 0 {
			a.mu.Lock()
			a.loopErr = loopExit(a.closed, int32(ret), err)
			a.mu.Unlock()
			return
		}
		procTranslateMessage.Call(uintptr(unsafe.Pointer(&msg)))
		procDispatchMessage.Call(uintptr(unsafe.Pointer(&msg)))
	}
}

// Loop waits for ctx while the notification window pumps on its own thread.
// It returns an error when that thread's message loop stops before Close.
func (a *windowsAdapter) Loop(ctx context.Context) error {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	return waitLoop(ctx, done, func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.loopErr
	})
}

func notifyWndProc(hwnd, msg, wParam, lParam uintptr) uintptr {
	switch msg {
	case WM_DISPLAYCHANGE, WM_DEVICECHANGE:
		windowsMu.Lock()
		a := byWindow[windows.HWND(hwnd)]
		windowsMu.Unlock()
		if a != nil {
			a.deliver(display.RawSignal{
				Source: display.SourceWindowMessage,
				Code:   uint32(msg),
				Flags:  uint32(wParam),
				Hint:   interfaceHint(msg, wParam, lParam),
			})
		}
		if msg == WM_DEVICECHANGE {
			return 1
		}
		return 0
	case WM_DESTROY:
		procPostQuitMessage.Call(0)
		return 0
	}
	ret, _, _ := procDefWindowProc.Call(hwnd, msg, wParam, lParam)
	return ret
}

// interfaceHint extracts the monitor interface path from a device arrival or
// removal broadcast.
func interfaceHint(msg, wParam, lParam uintptr) display.Identity {
	if msg != WM_DEVICECHANGE || lParam == 0 {
		return ""
	}
	if wParam != DBT_DEVICEARRIVAL && wParam != DBT_DEVICEREMOVECOMPLETE {
		return ""
	}
	hdr := (*DEV_BROADCAST_DEVICEINTERFACE)(unsafe.Pointer(lParam))
	if hdr.DbccDeviceType != DBT_DEVTYP_DEVICEINTERFACE {
		return ""
	}
	return normalizeID(windows.UTF16PtrToString(&hdr.DbccName[0]))
}

func (a *windowsAdapter) deliver(sig display.RawSignal) {
	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler != nil {
		handler(sig)
	}
}

// Close destroys the notification window. When called from inside a signal
// handler it cannot wait for the message loop, which is the calling thread.
func (a *windowsAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.handler = nil
	hwnd, threadID, done := a.hwnd, a.threadID, a.done
	a.mu.Unlock()

	if hwnd == 0 {
		return nil
	}
	if ret, _, err := procPostMessage.Call(uintptr(hwnd), WM_CLOSE, 0, 0); ret == 0 {
		return fmt.Errorf("PostMessage: %v", err)
	}
	if windows.GetCurrentThreadId() != threadID {
		<-done
	}
	return nil
}
