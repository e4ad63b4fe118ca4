package chat

import (
	"cmp"
	"slices"
)

// CompareChronological orders messages by creation time, then by id.
// Timestamps that fail to parse fall back to comparing the raw strings.
func CompareChronological(a, b Message) int {
	ta, errA := a.Timestamp()
	tb, errB := b.Timestamp()

	var c int
	if errA == nil && errB == nil {
		c = ta.Compare(tb)
	} else {
		c = cmp.Compare(a.CreatedAt, b.CreatedAt)
	}
	if c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortChronological sorts msgs in display order in place.
func SortChronological(msgs []Message) {
	slices.SortStableFunc(msgs, CompareChronological)
}

// IsChronological reports whether msgs is already in display order.
func IsChronological(msgs []Message) bool {
	return slices.IsSortedFunc(msgs, CompareChronological)
}

// Reversed returns a copy of msgs in reverse order. History pages arrive
// newest-first.
func Reversed(msgs []Message) []Message {
	out := slices.Clone(msgs)
	slices.Reverse(out)
	return out
}
