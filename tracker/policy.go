package tracker

import "displayconfig/display"

// Policy decides whether a raw signal can describe a change worth a full
// re-enumeration. It normalizes one platform's notification quirks.
type Policy interface {
	Name() string
	Accept(sig display.RawSignal) bool
}

// Window messages and device-change codes the Windows notification window
// receives.
const (
	WMDisplayChange         = 0x007E
	WMDeviceChange          = 0x0219
	DBTDevNodesChanged      = 0x0007
	DBTDeviceArrival        = 0x8000
	DBTDeviceQueryRemove    = 0x8001
	DBTDeviceRemovePending  = 0x8003
	DBTDeviceRemoveComplete = 0x8004
)

// CGDisplayChangeSummaryFlags bits.
const (
	CGBeginConfiguration = 1 << 0
	CGMoved              = 1 << 1
	CGSetMain            = 1 << 2
	CGSetMode            = 1 << 3
	CGAdd                = 1 << 4
	CGRemove             = 1 << 5
	CGEnabled            = 1 << 8
	CGDisabled           = 1 << 9
	CGMirror             = 1 << 10
	CGUnMirror           = 1 << 11
	CGDesktopShape       = 1 << 12
)

// Policy names reported by adapters through display.PolicyProvider
const (
	PolicyWindows = "windows"
	PolicyMacOS   = "macos"
	PolicyAll     = "all"
)

// WindowsPolicy accepts the display-change broadcast and monitor interface
// arrivals/removals. The message carries nothing about what changed, so every
// accepted signal costs a full re-enumeration.
type WindowsPolicy struct{}

func (WindowsPolicy) Name() string { return PolicyWindows }

func (WindowsPolicy) Accept(sig display.RawSignal) bool {
	switch sig.Code {
	case WMDisplayChange:
		return true
	case WMDeviceChange:
		switch sig.Flags {
		case DBTDeviceArrival, DBTDeviceRemoveComplete, DBTDevNodesChanged:
			return true
		}
	}
	return false
}

// macRelevant are the flags after which an enumeration can differ in a way
// Diff reports. Moves, main-display switches and desktop shape changes alone
// cannot produce an event.
const macRelevant = CGAdd | CGRemove | CGEnabled | CGDisabled | CGSetMode | CGMirror | CGUnMirror

// MacOSPolicy drops the before-the-fact half of each reconfiguration and
// callbacks that only move displays around. The callback never reports
// resolution deltas; those come from the cached set.
type MacOSPolicy struct{}

func (MacOSPolicy) Name() string { return PolicyMacOS }

func (MacOSPolicy) Accept(sig display.RawSignal) bool {
	if sig.Flags&CGBeginConfiguration != 0 {
		return false
	}
	return sig.Flags&macRelevant != 0
}

// AcceptAll treats every signal as a potential change
type AcceptAll struct{}

func (AcceptAll) Name() string { return PolicyAll }

func (AcceptAll) Accept(display.RawSignal) bool { return true }

// PolicyByName maps a policy name to its implementation. Unknown names
// fall back to AcceptAll.
func PolicyByName(name string) Policy {
	switch name {
	case PolicyWindows:
		return WindowsPolicy{}
	case PolicyMacOS:
		return MacOSPolicy{}
	default:
		return AcceptAll{}
	}
}
