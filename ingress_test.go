package asyncmix

import (
	"testing"
)

func TestTaskQueueFIFO(t *testing.T) {
	q := newTaskQueue()

	var got []int
	// Cross several chunk boundaries to exercise chunk handoff.
	const n = chunkSize*3 + 7
	for i := 0; i < n; i++ {
		i := i
		q.push(func() { got = append(got, i) })
	}
	if q.len() != n {
		t.Fatalf("len = %d, want %d", q.len(), n)
	}

	for {
		task, ok := q.pop()
		if !ok {
			break
		}
		task()
	}

	if len(got) != n {
		t.Fatalf("executed %d tasks, want %d", len(got), n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d executed out of order (got %d)", i, v)
		}
	}
	if q.len() != 0 {
		t.Fatalf("len after drain = %d, want 0", q.len())
	}
}

func TestTaskQueueEmptyPop(t *testing.T) {
	q := newTaskQueue()
	if _, ok := q.pop(); ok {
		t.Fatal("pop on empty queue should report empty")
	}
}

func TestTaskQueueInterleaved(t *testing.T) {
	q := newTaskQueue()

	executed := 0
	run := func() { executed++ }

	// Push/pop in waves so chunks are recycled mid-stream.
	for wave := 0; wave < 5; wave++ {
		for i := 0; i < chunkSize+3; i++ {
			q.push(run)
		}
		for i := 0; i < chunkSize; i++ {
			task, ok := q.pop()
			if !ok {
				t.Fatalf("wave %d: queue empty after %d pops", wave, i)
			}
			task()
		}
	}
	// Drain the remainder.
	for {
		task, ok := q.pop()
		if !ok {
			break
		}
		task()
	}

	want := 5 * (chunkSize + 3)
	if executed != want {
		t.Fatalf("executed = %d, want %d", executed, want)
	}
}

func TestTaskQueueReuseAfterDrain(t *testing.T) {
	q := newTaskQueue()

	for round := 0; round < 3; round++ {
		ran := false
		q.push(func() { ran = true })
		task, ok := q.pop()
		if !ok {
			t.Fatalf("round %d: expected a task", round)
		}
		task()
		if !ran {
			t.Fatalf("round %d: task did not run", round)
		}
		if _, ok := q.pop(); ok {
			t.Fatalf("round %d: queue should be empty", round)
		}
	}
}
