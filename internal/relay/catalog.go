package relay

import (
	"fmt"
	"slices"
	"sort"
)

// ArgKind is the type of a task argument as rendered by the dashboard.
type ArgKind string

const (
	ArgBoolean ArgKind = "boolean"
	ArgString  ArgKind = "string"
)

// TaskSpec describes one runnable task.
type TaskSpec struct {
	DisplayName string             `json:"displayName"`
	Tags        []string           `json:"tags"`
	Args        map[string]ArgKind `json:"args,omitempty"`
}

// Catalog maps task identifiers to their specs. It is built once at startup
// and never mutated afterwards.
type Catalog map[string]TaskSpec

// DefaultCatalog returns the stock robotics tasks.
func DefaultCatalog() Catalog {
	return Catalog{
		"stepper": {
			DisplayName: "Stepper",
			Tags:        []string{"Robotics"},
			Args:        map[string]ArgKind{"buildArduino": ArgBoolean},
		},
		"cardboardCNCTest": {
			DisplayName: "Cardboard CNC Test",
			Tags:        []string{"Robotics"},
			Args:        map[string]ArgKind{"buildArduino": ArgBoolean},
		},
	}
}

func (c Catalog) Has(id string) bool {
	_, ok := c[id]
	return ok
}

// Conflicts reports whether tasks a and b share at least one tag.
// Unknown tasks conflict with nothing.
func (c Catalog) Conflicts(a, b string) bool {
	sa, ok := c[a]
	if !ok {
		return false
	}
	sb, ok := c[b]
	if !ok {
		return false
	}
	for _, tag := range sa.Tags {
		if slices.Contains(sb.Tags, tag) {
			return true
		}
	}
	return false
}

// IDs returns the task identifiers in sorted order.
func (c Catalog) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks every task for a known argument kind.
func (c Catalog) Validate() error {
	for _, id := range c.IDs() {
		for name, kind := range c[id].Args {
			if kind != ArgBoolean && kind != ArgString {
				return fmt.Errorf("task %s: argument %s: unknown kind %q", id, name, kind)
			}
		}
	}
	return nil
}

// FormatArgs turns argument values into the token list the device receives.
// True booleans become a bare flag, false booleans are omitted and strings
// become name=value. Arguments not declared in spec, or whose value does not
// match the declared kind, are skipped.
func FormatArgs(spec TaskSpec, values map[string]any) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	out := []string{}
	for _, name := range names {
		switch spec.Args[name] {
		case ArgBoolean:
			if v, ok := values[name].(bool); ok && v {
				out = append(out, name)
			}
		case ArgString:
			if v, ok := values[name].(string); ok {
				out = append(out, name+"="+v)
			}
		}
	}
	return out
}
