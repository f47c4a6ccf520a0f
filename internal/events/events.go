package events

import (
	"encoding/json"
	"fmt"
)

// Broadcast groups.
const (
	GroupDevice = "pi"
	GroupUsers  = "users"
)

// Inbound events from browser clients.
const (
	Init          = "init"
	Terminal      = "terminal"
	Task          = "task"
	KillTask      = "killTask"
	Kill          = "kill"
	ClearTerminal = "clearTerminal"
)

// Inbound events from the device agent.
const (
	Output = "output"
	Err    = "err"
)

// Outbound-only events.
const (
	Initialized = "initialized"
	Tasks       = "tasks"
	Command     = "command"
)

// Event is a single message on the real-time channel. Args are positional,
// so privileged events carry the shared secret as Args[0].
type Event struct {
	Name string            `json:"event"`
	Args []json.RawMessage `json:"args,omitempty"`
}

// New builds an event, marshalling each argument to JSON.
func New(name string, args ...any) Event {
	e := Event{Name: name}
	for _, a := range args {
		data, _ := json.Marshal(a)
		e.Args = append(e.Args, data)
	}
	return e
}

// Arg decodes argument i into v. A missing argument decodes as JSON null.
func (e Event) Arg(i int, v any) error {
	if i < 0 || i >= len(e.Args) {
		return json.Unmarshal([]byte("null"), v)
	}
	if err := json.Unmarshal(e.Args[i], v); err != nil {
		return fmt.Errorf("%s arg %d: %w", e.Name, i, err)
	}
	return nil
}

// Shift returns a copy of e without its first n arguments.
func (e Event) Shift(n int) Event {
	if n >= len(e.Args) {
		return Event{Name: e.Name}
	}
	return Event{Name: e.Name, Args: e.Args[n:]}
}

// Broadcaster delivers an event to every member of a group.
// Delivery is best effort; nothing is acknowledged.
type Broadcaster interface {
	Broadcast(group string, e Event)
}
