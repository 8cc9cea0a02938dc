package storagequeue

import (
	"context"
	"testing"
	"time"
)

func TestWorkerRunsTasksInFIFOOrder(t *testing.T) {
	var got []uintptr
	done := make(chan struct{})

	w := NewWorker("acme", func(task Task) {
		got = append(got, task.Arg)
		if len(got) == 3 {
			close(done)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	w.Enqueue(Task{Arg: 1})
	w.Enqueue(Task{Arg: 2})
	w.Enqueue(Task{Arg: 3})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks did not complete in time")
	}

	for i, want := range []uintptr{1, 2, 3} {
		if got[i] != want {
			t.Fatalf("got[%d] = %d, want %d (FIFO order violated): %v", i, got[i], want, got)
		}
	}
}

func TestEnqueueAfterStopFails(t *testing.T) {
	w := NewWorker("acme", func(Task) {})
	w.Stop()
	if w.Enqueue(Task{Arg: 1}) {
		t.Fatal("Enqueue after Stop should return false")
	}
}

func TestWorkerPanicRecovery(t *testing.T) {
	ran := make(chan struct{}, 2)
	w := NewWorker("acme", func(task Task) {
		defer func() { ran <- struct{}{} }()
		if task.Arg == 1 {
			panic("boom")
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	w.Enqueue(Task{Arg: 1})
	w.Enqueue(Task{Arg: 2})

	for i := 0; i < 2; i++ {
		select {
		case <-ran:
		case <-time.After(time.Second):
			t.Fatal("task did not run after a prior task panicked")
		}
	}
}
