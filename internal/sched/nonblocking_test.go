//go:build unix

package sched

import (
	"errors"
	"testing"
	"time"

	"github.com/bkral/go-scorepipe/internal/engine"
)

func TestNonBlockingHappyPath(t *testing.T) {
	eng := spawnEcho(t, true)
	loop := NewNonBlocking(NonBlockingConfig{
		Engine:   eng,
		Builder:  newBuilder(numericItems(3)),
		Deadline: time.Now().Add(5 * time.Second),
	})

	got, err := collect(loop)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d scores, want 3", len(got))
	}
	for i, v := range got {
		if v != float64(i) {
			t.Errorf("score[%d] = %v, want %d", i, v, i)
		}
	}

	c := loop.Counters()
	if c.LinesWritten != 3 || c.LinesRead != 3 {
		t.Errorf("counters = %+v", c)
	}
	if c.BatchesWritten == 0 || c.PollCalls == 0 {
		t.Errorf("counters = %+v", c)
	}
	if loop.Unread() != 0 {
		t.Errorf("Unread = %d, want 0", loop.Unread())
	}
}

func TestNonBlockingLargeBatchOrdering(t *testing.T) {
	eng := spawnEcho(t, true)
	const n = 5000
	loop := NewNonBlocking(NonBlockingConfig{
		Engine:   eng,
		Builder:  newBuilder(numericItems(n)),
		Deadline: time.Now().Add(30 * time.Second),
	})

	got, err := collect(loop)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(got) != n {
		t.Fatalf("got %d scores, want %d", len(got), n)
	}
	for i, v := range got {
		if v != float64(i) {
			t.Fatalf("score[%d] = %v, want %d", i, v, i)
		}
	}
}

func TestNonBlockingDeadlineTruncation(t *testing.T) {
	eng := spawnSlowEcho(t, true, "0.01")
	const n = 500
	start := time.Now()
	loop := NewNonBlocking(NonBlockingConfig{
		Engine:   eng,
		Builder:  newBuilder(numericItems(n)),
		Deadline: start.Add(100 * time.Millisecond),
	})

	got, err := collect(loop)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}

	// ~10ms per line leaves far fewer than 500 scores inside 100ms
	if len(got) == 0 || len(got) >= n {
		t.Errorf("got %d scores, want a truncated prefix", len(got))
	}
	for i, v := range got {
		if v != float64(i) {
			t.Fatalf("score[%d] = %v, want %d (order broken)", i, v, i)
		}
	}

	// Overshoot is bounded by the poll slice plus scheduling noise, not by
	// a batch processing time
	if elapsed > 500*time.Millisecond {
		t.Errorf("elapsed = %s, deadline badly overshot", elapsed)
	}

	if loop.Unread() == 0 {
		t.Error("Unread = 0, want owed scores after truncation")
	}
}

func TestNonBlockingResidualDrain(t *testing.T) {
	eng := spawnEcho(t, true)

	// First call has a short budget; whatever it leaves unread becomes
	// the second call's residual
	first := NewNonBlocking(NonBlockingConfig{
		Engine:   eng,
		Builder:  newBuilder(numericItems(10)),
		Deadline: time.Now().Add(20 * time.Millisecond),
	})
	for {
		_, ok, err := first.Next()
		if err != nil {
			t.Fatalf("first call failed: %v", err)
		}
		if !ok {
			break
		}
	}
	owed := first.Unread()

	// Second call drains the leftovers before yielding its own scores
	second := NewNonBlocking(NonBlockingConfig{
		Engine:   eng,
		Builder:  newBuilder(numericItems(2)),
		Deadline: time.Now().Add(5 * time.Second),
		Residual: owed,
		RecvTail: first.RecvTail(),
		Carry:    first.Carry(),
	})
	got, err := collect(second)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d scores, want 2", len(got))
	}
	if got[0] != 0 || got[1] != 1 {
		t.Errorf("scores = %v, want [0 1]", got)
	}
	if c := second.Counters(); c.ResidualLinesDrained != uint64(owed) {
		t.Errorf("drained %d residuals, want %d", c.ResidualLinesDrained, owed)
	}
	if second.Unread() != 0 {
		t.Errorf("Unread = %d, want 0", second.Unread())
	}
}

func TestNonBlockingDrainOnly(t *testing.T) {
	eng := spawnEcho(t, true)

	// Leave the engine owing scores
	first := NewNonBlocking(NonBlockingConfig{
		Engine:   eng,
		Builder:  newBuilder(numericItems(5)),
		Deadline: time.Now().Add(20 * time.Millisecond),
	})
	for {
		_, ok, err := first.Next()
		if err != nil {
			t.Fatalf("first call failed: %v", err)
		}
		if !ok {
			break
		}
	}
	owed := first.Unread()
	if owed == 0 {
		t.Skip("engine answered everything within the window")
	}

	// Give the echo engine a moment to flush its answers into the pipe
	time.Sleep(100 * time.Millisecond)

	drain := NewNonBlocking(NonBlockingConfig{
		Engine:    eng,
		Builder:   newBuilder(nil),
		Deadline:  time.Now(),
		Residual:  owed,
		RecvTail:  first.RecvTail(),
		Carry:     first.Carry(),
		DrainOnly: true,
	})
	got, err := collect(drain)
	if err != nil {
		t.Fatalf("drain call failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("drain call yielded %d scores, want 0", len(got))
	}
	if drain.Unread() != 0 {
		t.Errorf("Unread = %d after drain, want 0", drain.Unread())
	}
}

func TestNonBlockingZeroItems(t *testing.T) {
	eng := spawnEcho(t, true)
	start := time.Now()
	loop := NewNonBlocking(NonBlockingConfig{
		Engine:   eng,
		Builder:  newBuilder(nil),
		Deadline: start.Add(5 * time.Millisecond),
	})

	got, err := collect(loop)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d scores from zero items", len(got))
	}
	if c := loop.Counters(); c.LinesWritten != 0 {
		t.Errorf("LinesWritten = %d, want 0", c.LinesWritten)
	}
}

func TestNonBlockingEngineGone(t *testing.T) {
	// An engine that answers one line and exits leaves the rest unread
	eng, err := engine.Spawn(engine.Config{
		Command:     []string{"sh", "-c", `read line; echo "$line"`},
		NonBlocking: true,
	})
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	loop := NewNonBlocking(NonBlockingConfig{
		Engine:   eng,
		Builder:  newBuilder(numericItems(50)),
		Deadline: time.Now().Add(10 * time.Second),
	})

	_, cerr := collect(loop)
	if cerr == nil {
		t.Fatal("collect succeeded against a dying engine")
	}
	if !errors.Is(cerr, ErrEngineGone) {
		t.Errorf("error = %v, want ErrEngineGone", cerr)
	}
	if !eng.Poisoned() {
		t.Error("engine not poisoned after failure")
	}
}

func TestNonBlockingStop(t *testing.T) {
	eng := spawnEcho(t, true)
	loop := NewNonBlocking(NonBlockingConfig{
		Engine:   eng,
		Builder:  newBuilder(numericItems(1000)),
		Deadline: time.Now().Add(5 * time.Second),
	})

	// Take one score, then abandon
	if _, ok, err := loop.Next(); err != nil || !ok {
		t.Fatalf("Next = %v, %v", ok, err)
	}
	loop.Stop()

	if _, ok, err := loop.Next(); ok || err != nil {
		t.Errorf("Next after Stop = %v, %v", ok, err)
	}
}
