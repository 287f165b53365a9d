package api

import (
	"displayconfig/display"
	"displayconfig/internal/config"
	"displayconfig/internal/protocol"
	"displayconfig/tracker"
)

// StatusResponse is returned by /api/status
type StatusResponse struct {
	Name     string        `json:"name"`
	Displays int           `json:"displays"`
	Clients  int           `json:"clients"`
	Stats    tracker.Stats `json:"stats"`
}

// DisplayResponse is one display with its label and resolution history
type DisplayResponse struct {
	display.Snapshot
	Label        string        `json:"label,omitempty"`
	PreviousSize *display.Size `json:"previous_size,omitempty"`
}

// NotFoundResponse is returned for displays that are not attached
type NotFoundResponse struct {
	Error     string            `json:"error"`
	ID        display.Identity  `json:"id"`
	LastKnown *display.Snapshot `json:"last_known,omitempty"`
}

// NewEventPayload converts a dispatched event, labelling it from cfg
func NewEventPayload(ev display.MayBeDisplayAvailable, origin string, cfg *config.Manager) protocol.EventPayload {
	p := protocol.NewEventPayload(ev, origin)
	if cfg != nil {
		p.Label = cfg.Label(ev.ID)
	}
	return p
}
