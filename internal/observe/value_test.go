package observe

import "testing"

func TestWatchYieldsCurrentThenLatest(t *testing.T) {
	v := NewValue("a")
	ch, cancel := v.Watch()
	defer cancel()

	if got := <-ch; got != "a" {
		t.Fatalf("first value: got %q want %q", got, "a")
	}

	v.Set("b")
	v.Set("c")
	if got := <-ch; got != "c" {
		t.Fatalf("slow watcher should see the newest value, got %q", got)
	}
	if v.Get() != "c" {
		t.Fatalf("Get: got %q want %q", v.Get(), "c")
	}
}

func TestCancelClosesWatchChannel(t *testing.T) {
	v := NewValue(1)
	ch, cancel := v.Watch()
	<-ch

	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after cancel")
	}
	v.Set(2)
}
