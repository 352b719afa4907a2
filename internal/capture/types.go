// Package capture describes the parts of a graphics capture that flakefinder
// reasons about: events, actions, output bindings and resource snapshots.
//
// The capture itself is owned by the replay backend. Values in this package
// are plain data decoded from backend responses and are never mutated after
// construction.
package capture

import (
	"fmt"
	"strings"
)

// EventID is an action's position in the capture's command sequence.
type EventID uint32

// ResourceID identifies a GPU resource inside the backend. Zero is the null
// resource.
type ResourceID uint64

// NullResource is the ResourceID used for unbound slots.
const NullResource ResourceID = 0

// String formats the ID the way capture tools display it.
func (id ResourceID) String() string {
	return fmt.Sprintf("ResourceId::%d", uint64(id))
}

// Subresource selects the first mip level and array slice of a bound resource.
type Subresource struct {
	Mip   uint32
	Slice uint32
}

// ResourceKey identifies one compared snapshot.
type ResourceKey struct {
	Resource    ResourceID
	Subresource Subresource
}

func (k ResourceKey) String() string {
	if k.Subresource == (Subresource{}) {
		return k.Resource.String()
	}
	return fmt.Sprintf("%s (mip %d, slice %d)", k.Resource, k.Subresource.Mip, k.Subresource.Slice)
}

// ActionFlags classify an action.
type ActionFlags uint32

const (
	FlagClear ActionFlags = 1 << iota
	FlagDrawcall
	FlagDispatch
	FlagCopy
	FlagResolve
	FlagPresent
	FlagPushMarker
	FlagPopMarker
	FlagSetMarker
	FlagPass
)

var flagNames = []struct {
	flag ActionFlags
	name string
}{
	{FlagClear, "clear"},
	{FlagDrawcall, "drawcall"},
	{FlagDispatch, "dispatch"},
	{FlagCopy, "copy"},
	{FlagResolve, "resolve"},
	{FlagPresent, "present"},
	{FlagPushMarker, "push-marker"},
	{FlagPopMarker, "pop-marker"},
	{FlagSetMarker, "set-marker"},
	{FlagPass, "pass"},
}

// Has reports whether any bit of f is set.
func (a ActionFlags) Has(f ActionFlags) bool {
	return a&f != 0
}

func (a ActionFlags) String() string {
	var parts []string
	for _, fn := range flagNames {
		if a.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseActionFlags converts the names produced by ActionFlags.String back into
// flags. Unknown names are an error.
func ParseActionFlags(names []string) (ActionFlags, error) {
	var out ActionFlags
	for _, n := range names {
		found := false
		for _, fn := range flagNames {
			if fn.name == n {
				out |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown action flag %q", n)
		}
	}
	return out, nil
}

// Names returns the flag names set in a, in declaration order.
func (a ActionFlags) Names() []string {
	var out []string
	for _, fn := range flagNames {
		if a.Has(fn.flag) {
			out = append(out, fn.name)
		}
	}
	return out
}

// Snapshot is the digest of one output resource after one replay.
type Snapshot struct {
	Key    ResourceKey
	Kind   BindingKind
	Digest string
	Size   int
}

// Discrepancy is the first draw whose output differed between replays.
type Discrepancy struct {
	EventID  EventID
	Resource ResourceKey
	Kind     BindingKind
	DrawName string

	// Replay is the zero-based attempt that disagreed with attempt 0.
	Replay int

	Expected string
	Actual   string
}

func (d *Discrepancy) String() string {
	return fmt.Sprintf("Found discrepancy in EID %d, resource %s", d.EventID, d.Resource.Resource)
}
