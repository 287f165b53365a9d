// Package protocol defines the WebSocket messages of the display event stream.
package protocol

import (
	"encoding/json"
	"fmt"

	"displayconfig/display"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// TypeAuth is sent by client immediately after connection to authenticate
	TypeAuth MessageType = "auth"

	// TypeEvent is sent by the server for every display event
	TypeEvent MessageType = "event"

	// TypeSyncRequest is sent by client to request the current display set
	TypeSyncRequest MessageType = "sync_req"

	// TypeSyncResponse is sent by server with the current display set
	TypeSyncResponse MessageType = "sync_resp"

	// TypePing can be used for application-level heartbeats if needed
	TypePing MessageType = "ping"
)

// Message is the generic container for all WebSocket messages
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into a message of type t. A nil payload is
// omitted.
func NewMessage(t MessageType, payload any) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	msg.Payload = data
	return msg, nil
}

// Decode unmarshals the payload into out
func (m Message) Decode(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// AuthPayload is the payload for TypeAuth
type AuthPayload struct {
	Token         string `json:"token"`
	ClientName    string `json:"client_name"`
	ClientVersion string `json:"client_version"`
}

// EventPayload is the payload for TypeEvent
type EventPayload struct {
	Kind    display.EventKind `json:"kind"`
	ID      display.Identity  `json:"id"`
	Display *display.Snapshot `json:"display,omitempty"`
	Label   string            `json:"label,omitempty"`
	Origin  string            `json:"origin"` // name of the host that observed the event
}

// NewEventPayload converts a dispatched event
func NewEventPayload(ev display.MayBeDisplayAvailable, origin string) EventPayload {
	return EventPayload{
		Kind:    ev.Kind,
		ID:      ev.ID,
		Display: ev.Display,
		Origin:  origin,
	}
}

// Event converts the payload back into a dispatched event. The display is
// dropped for removals so the result always satisfies the attachment rule.
func (p EventPayload) Event() display.MayBeDisplayAvailable {
	ev := display.MayBeDisplayAvailable{Event: display.Event{Kind: p.Kind, ID: p.ID}}
	if p.Kind != display.Removed && p.Display != nil {
		snap := *p.Display
		ev.Display = &snap
	}
	return ev
}

// SyncResponsePayload is the payload for TypeSyncResponse
type SyncResponsePayload struct {
	Displays display.Set `json:"displays"`
	Origin   string      `json:"origin"`
}
