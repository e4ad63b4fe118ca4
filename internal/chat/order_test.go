package chat

import "testing"

func TestSortChronologicalBreaksTiesByID(t *testing.T) {
	msgs := []Message{
		{ID: 9, CreatedAt: "2025-01-01T10:00:01"},
		{ID: 4, CreatedAt: "2025-01-01T10:00:00"},
		{ID: 2, CreatedAt: "2025-01-01T10:00:00"},
		{ID: 1, CreatedAt: "2025-01-01T09:59:59.5"},
	}

	SortChronological(msgs)

	want := []int{1, 2, 4, 9}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("position %d: got id %d want %d", i, msgs[i].ID, id)
		}
	}
	if !IsChronological(msgs) {
		t.Fatalf("sorted slice should report chronological")
	}
}

func TestCompareChronologicalAcrossLayouts(t *testing.T) {
	a := Message{ID: 1, CreatedAt: "2025-01-01T10:00:00"}
	b := Message{ID: 2, CreatedAt: "2025-01-01T09:00:00-02:00"}

	if CompareChronological(a, b) >= 0 {
		t.Fatalf("10:00Z should sort before 11:00Z")
	}
}

func TestReversedLeavesInputUntouched(t *testing.T) {
	in := []Message{{ID: 3}, {ID: 2}, {ID: 1}}
	out := Reversed(in)

	if out[0].ID != 1 || out[2].ID != 3 {
		t.Fatalf("unexpected order %+v", out)
	}
	if in[0].ID != 3 {
		t.Fatalf("input was modified")
	}
}
