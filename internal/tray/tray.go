// Package tray shows the current displays in the system tray using
// getlantern/systray. The tray owns the process event loop; an observer
// running inside it is fed by its adapter subscription and never Run.
package tray

import (
	"fmt"
	"sync"

	"displayconfig/display"

	"github.com/getlantern/systray"
	"github.com/rs/zerolog"
)

// Menu slots for displays. systray cannot remove items, so a fixed pool is
// shown and hidden.
const maxDisplayItems = 8

// Tray manages the system tray icon and menu
type Tray struct {
	title    string
	describe func(display.Identity) string
	log      zerolog.Logger

	mu      sync.Mutex
	header  *systray.MenuItem
	slots   []*systray.MenuItem
	pending *display.Set
	ready   bool

	OnRefresh func()
	quitCh    chan struct{}
}

// New creates a tray. describe renders a display identity for the menu;
// nil shows the bare identity.
func New(title string, describe func(display.Identity) string, log zerolog.Logger) *Tray {
	if describe == nil {
		describe = func(id display.Identity) string { return string(id) }
	}
	return &Tray{
		title:    title,
		describe: describe,
		log:      log.With().Str("component", "tray").Logger(),
		quitCh:   make(chan struct{}),
	}
}

// Run starts the tray event loop and blocks until Stop. onReady runs once
// the menu exists; onExit runs as the loop shuts down.
func (t *Tray) Run(onReady, onExit func()) {
	systray.Run(func() {
		t.setupMenu()
		if onReady != nil {
			onReady()
		}
	}, func() {
		close(t.quitCh)
		if onExit != nil {
			onExit()
		}
	})
}

func (t *Tray) setupMenu() {
	systray.SetTitle(t.title)
	systray.SetTooltip(t.title)
	systray.SetIcon(getIcon())

	header := systray.AddMenuItem("No displays", "")
	header.Disable()
	systray.AddSeparator()

	slots := make([]*systray.MenuItem, maxDisplayItems)
	for i := range slots {
		slots[i] = systray.AddMenuItemCheckbox("", "", false)
		slots[i].Disable()
		slots[i].Hide()
	}

	systray.AddSeparator()
	refresh := systray.AddMenuItem("Refresh", "Re-read the display list")
	quit := systray.AddMenuItem("Quit", "")

	t.mu.Lock()
	t.header = header
	t.slots = slots
	t.ready = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	if pending != nil {
		t.Update(*pending)
	}

	go func() {
		for {
			select {
			case <-refresh.ClickedCh:
				if t.OnRefresh != nil {
					t.OnRefresh()
				}
			case <-quit.ClickedCh:
				t.Stop()
			case <-t.quitCh:
				return
			}
		}
	}()
}

// Update shows set in the menu. It may be called from any goroutine and
// before the menu exists.
func (t *Tray) Update(set display.Set) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.ready {
		t.pending = &set
		return
	}

	lines := menuLines(set, t.describe)
	t.header.SetTitle(headerLine(set.Len()))
	for i, slot := range t.slots {
		if i >= len(lines) {
			slot.Hide()
			continue
		}
		slot.SetTitle(lines[i].title)
		if lines[i].primary {
			slot.Check()
		} else {
			slot.Uncheck()
		}
		slot.Show()
	}
	if len(lines) > len(t.slots) {
		t.log.Debug().Int("hidden", len(lines)-len(t.slots)).Msg("more displays than menu slots")
	}
}

// Notify puts the latest event in the tooltip
func (t *Tray) Notify(ev display.MayBeDisplayAvailable) {
	systray.SetTooltip(fmt.Sprintf("%s: %s", t.title, eventLine(ev, t.describe)))
}

// Stop stops the tray
func (t *Tray) Stop() {
	systray.Quit()
}

type menuLine struct {
	title   string
	primary bool
}

func menuLines(set display.Set, describe func(display.Identity) string) []menuLine {
	lines := make([]menuLine, 0, set.Len())
	for _, snap := range set.Snapshots() {
		title := fmt.Sprintf("%s  %s @ (%d,%d)", describe(snap.ID), snap.Size, snap.Origin.X, snap.Origin.Y)
		if snap.Mirrored {
			title += "  [mirrored]"
		}
		lines = append(lines, menuLine{title: title, primary: snap.Primary})
	}
	return lines
}

func headerLine(n int) string {
	switch n {
	case 0:
		return "No displays"
	case 1:
		return "1 display"
	}
	return fmt.Sprintf("%d displays", n)
}

func eventLine(ev display.MayBeDisplayAvailable, describe func(display.Identity) string) string {
	line := fmt.Sprintf("%s %s", ev.Kind, describe(ev.ID))
	if ev.Available() {
		line += " " + ev.Display.Size.String()
	}
	return line
}

// getIcon returns a 16x16 32-bit ICO of a monitor outline
func getIcon() []byte {
	const (
		size       = 16
		headerLen  = 6 + 16
		dibLen     = 40
		pixelLen   = size * size * 4
		maskLen    = size * 4 // 1bpp rows padded to 32 bits
		imageBytes = dibLen + pixelLen + maskLen
	)

	icon := make([]byte, headerLen+imageBytes)
	// ICO Header
	copy(icon[0:6], []byte{0x00, 0x00, 0x01, 0x00, 0x01, 0x00})
	// Icon Directory
	copy(icon[6:22], []byte{
		size, size, 0x00, 0x00, 0x01, 0x00, 0x20, 0x00,
		byte(imageBytes & 0xFF), byte(imageBytes >> 8), 0x00, 0x00,
		headerLen, 0x00, 0x00, 0x00,
	})
	// DIB Header
	copy(icon[22:62], []byte{
		dibLen, 0x00, 0x00, 0x00,
		size, 0x00, 0x00, 0x00,
		size * 2, 0x00, 0x00, 0x00, // Height covers XOR and AND masks
		0x01, 0x00,
		0x20, 0x00,
		0x00, 0x00, 0x00, 0x00,
		byte(pixelLen & 0xFF), byte(pixelLen >> 8), 0x00, 0x00,
	})

	// Pixel rows are stored bottom-up as BGRA
	pixels := icon[headerLen+dibLen : headerLen+dibLen+pixelLen]
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if !monitorPixel(x, y) {
				continue
			}
			i := ((size-1-y)*size + x) * 4
			copy(pixels[i:i+4], []byte{0xF0, 0xF0, 0xF0, 0xFF})
		}
	}
	return icon
}

// monitorPixel reports whether (x, y), top-left origin, is on the glyph:
// a screen frame with a stand below it.
func monitorPixel(x, y int) bool {
	switch {
	case y >= 2 && y <= 11 && (x == 1 || x == 14):
		return true
	case (y == 2 || y == 11) && x >= 1 && x <= 14:
		return true
	case y >= 12 && y <= 13 && x >= 7 && x <= 8:
		return true
	case y == 14 && x >= 4 && x <= 11:
		return true
	}
	return false
}
