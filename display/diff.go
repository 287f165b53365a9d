package display

// Diff compares two enumerations and returns the events that turn prev into
// next. Removed events come first, then Added, then per-display changes; each
// group follows enumeration order (prev order for removals, next order for the
// rest). For one display a mirror-state change precedes a resolution change.
// Origin and primary-flag changes produce no event.
func Diff(prev, next Set) []Event {
	var removed, added, changed []Event

	for _, id := range prev.order {
		if !next.Has(id) {
			removed = append(removed, Event{Kind: Removed, ID: id})
		}
	}

	for _, id := range next.order {
		after := next.byID[id]
		before, ok := prev.byID[id]
		if !ok {
			added = append(added, Event{Kind: Added, ID: id})
			continue
		}
		changed = append(changed, compare(before, after)...)
	}

	events := make([]Event, 0, len(removed)+len(added)+len(changed))
	events = append(events, removed...)
	events = append(events, added...)
	return append(events, changed...)
}

func compare(before, after Snapshot) []Event {
	var events []Event
	switch {
	case !before.Mirrored && after.Mirrored:
		events = append(events, Event{Kind: Mirrored, ID: after.ID})
	case before.Mirrored && !after.Mirrored:
		events = append(events, Event{Kind: UnMirrored, ID: after.ID})
	}
	if before.Size != after.Size {
		events = append(events, Event{Kind: ResolutionChanged, ID: after.ID})
	}
	return events
}
