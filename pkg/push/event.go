// Package push is the realtime channel that fans task changes out to connected
// clients. The server side is a Hub reached over websocket, optionally relayed
// across instances through Redis; the client side is a reconnecting Client that
// dispatches named events to handlers and reports its connection lifecycle.
package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Event names carried on the channel.
const (
	TaskCreated    = "TaskCreated"    // payload: task.Task
	TaskUpdated    = "TaskUpdated"    // payload: task.Task
	TaskDeleted    = "TaskDeleted"    // payload: id
	TasksReordered = "TasksReordered" // payload: []id, full order
)

// ErrNotConnected is returned by Publish while the client has no live connection.
var ErrNotConnected = errors.New("push: not connected")

// Message is the frame exchanged over the channel.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage encodes payload into a Message for event.
func NewMessage(event string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Message{Event: event, Payload: data}, nil
}

// Known reports whether event is one the channel relays.
func Known(event string) bool {
	switch event {
	case TaskCreated, TaskUpdated, TaskDeleted, TasksReordered:
		return true
	}
	return false
}

// ID is a task id that decodes from either a JSON number or a numeric string.
type ID int64

func (id *ID) UnmarshalJSON(data []byte) error {
	n, err := parseID(data)
	if err != nil {
		return err
	}
	*id = ID(n)
	return nil
}

// IDList is an ordered id sequence; elements may be numbers or numeric strings.
type IDList []int64

func (l *IDList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode id list: %w", err)
	}
	ids := make(IDList, 0, len(raw))
	for _, r := range raw {
		n, err := parseID(r)
		if err != nil {
			return err
		}
		ids = append(ids, n)
	}
	*l = ids
	return nil
}

func parseID(data []byte) (int64, error) {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return 0, fmt.Errorf("decode id %s: not a number or string", data)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode id %q: %w", s, err)
	}
	return n, nil
}

// State is a client connection lifecycle signal.
type State int

const (
	Connected State = iota
	Reconnecting
	Reconnected
	Closed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Reconnected:
		return "reconnected"
	case Closed:
		return "closed"
	}
	return "unknown"
}
