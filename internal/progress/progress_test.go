package progress

import (
	"testing"
	"time"
)

func TestReporterRegisterAddDoneDoesNotBlock(t *testing.T) {
	r := New(10 * time.Millisecond)
	defer r.Close()

	r.Register("app.users", 100)
	for i := 0; i < 5; i++ {
		r.Add("app.users", 20, i == 4)
	}

	// Give the consumer goroutine a chance to drain; there is no
	// observable return value here, this just proves Add/Register never
	// deadlock against the single consumer goroutine.
	time.Sleep(20 * time.Millisecond)
}

func TestReporterRunIDIsStable(t *testing.T) {
	r := New(0)
	defer r.Close()

	id1 := r.RunID()
	id2 := r.RunID()
	if id1 != id2 {
		t.Fatalf("expected stable run id, got %q and %q", id1, id2)
	}
}
