package relay

import (
	"slices"
	"strings"
)

type EntryKind string

const (
	KindCommand EntryKind = "command"
	KindOutput  EntryKind = "output"
	KindError   EntryKind = "error"
)

// Entry is one line of terminal history.
type Entry struct {
	Kind    EntryKind `json:"type"`
	Content string    `json:"content"`
}

// State is everything the relay believes about the device. It is owned by the
// relay loop and is not safe for concurrent use.
type State struct {
	tasks   []string
	history []Entry
	online  bool
}

// Snapshot is a point-in-time copy of State.
type Snapshot struct {
	Online       bool     `json:"online"`
	CurrentTasks []string `json:"currentTasks"`
	History      []Entry  `json:"history"`
}

// StartTask appends id to the active list. The first active task (in list
// order) sharing a tag with id is evicted and returned as killed. Unknown
// ids leave the state untouched and return ok=false.
func (s *State) StartTask(cat Catalog, id string) (killed string, ok bool) {
	if !cat.Has(id) {
		return "", false
	}
	for i, active := range s.tasks {
		if cat.Conflicts(active, id) {
			killed = active
			s.tasks = slices.Delete(s.tasks, i, i+1)
			break
		}
	}
	s.tasks = append(s.tasks, id)
	return killed, true
}

// KillTask removes the first occurrence of id. It returns false if id was
// not active.
func (s *State) KillTask(id string) bool {
	i := slices.Index(s.tasks, id)
	if i < 0 {
		return false
	}
	s.tasks = slices.Delete(s.tasks, i, i+1)
	return true
}

func (s *State) IsActive(id string) bool {
	return slices.Contains(s.tasks, id)
}

func (s *State) Append(kind EntryKind, content string) {
	s.history = append(s.history, Entry{Kind: kind, Content: content})
}

func (s *State) ClearHistory() {
	s.history = nil
}

func (s *State) SetOnline(v bool) {
	s.online = v
}

func (s *State) Online() bool {
	return s.online
}

// Reset forgets all tasks and history. Called when the device goes away,
// since nothing is known about it while offline.
func (s *State) Reset() {
	s.tasks = nil
	s.history = nil
}

// Tasks returns a copy of the active task list. Never nil.
func (s *State) Tasks() []string {
	out := make([]string, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// History returns a copy of the terminal history. Never nil.
func (s *State) History() []Entry {
	out := make([]Entry, len(s.history))
	copy(out, s.history)
	return out
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{Online: s.online, CurrentTasks: s.Tasks(), History: s.History()}
}

// StripCommand removes leading semicolons so a command cannot open with an
// empty statement chained to something else. Interior semicolons are kept.
func StripCommand(cmd string) string {
	return strings.TrimLeft(cmd, ";")
}
