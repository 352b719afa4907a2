package capture

import "sort"

// Action is a node of the capture's action tree. Markers carry children;
// draws and dispatches are leaves.
type Action struct {
	EventID  EventID
	Name     string
	Flags    ActionFlags
	Children []*Action
}

// IsDraw reports whether the action writes outputs that should be compared.
func (a *Action) IsDraw() bool {
	return a.Flags.Has(FlagDrawcall | FlagDispatch)
}

// Draws flattens the tree and returns every draw or dispatch in ascending
// EventID order.
func Draws(roots []*Action) []*Action {
	var out []*Action
	var walk func([]*Action)
	walk = func(actions []*Action) {
		for _, a := range actions {
			if a == nil {
				continue
			}
			if a.IsDraw() {
				out = append(out, a)
			}
			walk(a.Children)
		}
	}
	walk(roots)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EventID < out[j].EventID
	})
	return out
}

// FilterRange keeps the draws with from <= EventID <= to. A zero bound is
// open.
func FilterRange(draws []*Action, from, to EventID) []*Action {
	if from == 0 && to == 0 {
		return draws
	}
	out := make([]*Action, 0, len(draws))
	for _, d := range draws {
		if from != 0 && d.EventID < from {
			continue
		}
		if to != 0 && d.EventID > to {
			continue
		}
		out = append(out, d)
	}
	return out
}
