package queue

import (
	"testing"

	"github.com/byteferry/byteferry/internal/logging"
)

func openQueue(t *testing.T, dir string, slots int) *Manager {
	t.Helper()
	m, err := Open(dir, slots, logging.Discard())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestDrainOrderByPriority(t *testing.T) {
	m := openQueue(t, t.TempDir(), 10)

	low, _ := m.Enqueue("p", []string{"/a"}, Low, 0)
	normal, _ := m.Enqueue("p", []string{"/b"}, Normal, 0)
	urgent, _ := m.Enqueue("p", []string{"/c"}, Urgent, 0)
	high, _ := m.Enqueue("p", []string{"/d"}, High, 0)

	wantOrder := []string{urgent.QueueID, high.QueueID, normal.QueueID, low.QueueID}
	for i, want := range wantOrder {
		got, ok := m.Next()
		if !ok {
			t.Fatalf("Next() empty at position %d", i)
		}
		if got.QueueID != want {
			t.Fatalf("position %d drained %s, want %s", i, got.QueueID, want)
		}
	}
	if _, ok := m.Next(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	m := openQueue(t, t.TempDir(), 10)

	first, _ := m.Enqueue("p", []string{"/1"}, Normal, 0)
	second, _ := m.Enqueue("p", []string{"/2"}, Normal, 0)
	third, _ := m.Enqueue("p", []string{"/3"}, Normal, 0)

	for i, want := range []string{first.QueueID, second.QueueID, third.QueueID} {
		got, ok := m.Next()
		if !ok || got.QueueID != want {
			t.Fatalf("position %d drained %s, want %s", i, got.QueueID, want)
		}
	}
}

func TestAdmissionSlots(t *testing.T) {
	m := openQueue(t, t.TempDir(), 2)

	m.Enqueue("p", []string{"/1"}, Normal, 0)
	m.Enqueue("p", []string{"/2"}, Normal, 0)
	m.Enqueue("p", []string{"/3"}, Normal, 0)

	a, _ := m.Next()
	b, _ := m.Next()
	if _, ok := m.Next(); ok {
		t.Fatal("third item admitted past slot limit")
	}

	if err := m.Release(a.QueueID, StateDone, ""); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok := m.Next(); !ok {
		t.Fatal("slot not freed after release")
	}
	_ = b
}

func TestModifyPriorityReorders(t *testing.T) {
	m := openQueue(t, t.TempDir(), 10)

	first, _ := m.Enqueue("p", []string{"/1"}, Normal, 0)
	second, _ := m.Enqueue("p", []string{"/2"}, Normal, 0)

	if err := m.ModifyPriority(second.QueueID, Urgent); err != nil {
		t.Fatalf("modify priority: %v", err)
	}
	got, ok := m.Next()
	if !ok || got.QueueID != second.QueueID {
		t.Fatalf("drained %s first, want promoted %s", got.QueueID, second.QueueID)
	}
	got, _ = m.Next()
	if got.QueueID != first.QueueID {
		t.Fatalf("drained %s second, want %s", got.QueueID, first.QueueID)
	}
}

func TestPauseResumeCancel(t *testing.T) {
	m := openQueue(t, t.TempDir(), 10)

	item, _ := m.Enqueue("p", []string{"/1"}, Normal, 0)
	if err := m.Pause(item.QueueID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, ok := m.Next(); ok {
		t.Fatal("paused item should not drain")
	}

	if err := m.Resume(item.QueueID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	st, err := m.Status(item.QueueID)
	if err != nil || st.State != StateQueued {
		t.Fatalf("status after resume: %+v, %v", st, err)
	}

	if err := m.Cancel(item.QueueID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := m.Status(item.QueueID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after cancel, got %v", err)
	}
	if _, ok := m.Next(); ok {
		t.Fatal("cancelled item drained")
	}
}

func TestCancelActiveRefused(t *testing.T) {
	m := openQueue(t, t.TempDir(), 1)
	item, _ := m.Enqueue("p", []string{"/1"}, Normal, 0)
	if _, ok := m.Next(); !ok {
		t.Fatal("claim failed")
	}
	if err := m.Cancel(item.QueueID); err == nil {
		t.Fatal("expected refusal to cancel an active item")
	}
}

func TestRestartReplaysQueue(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, 5, logging.Discard())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	waiting, _ := m.Enqueue("p", []string{"/waiting"}, High, 0)
	running, _ := m.Enqueue("p", []string{"/running"}, Urgent, 0)
	finished, _ := m.Enqueue("p", []string{"/finished"}, Low, 0)

	claimed, _ := m.Next() // urgent goes active
	if claimed.QueueID != running.QueueID {
		t.Fatalf("claimed %s, want %s", claimed.QueueID, running.QueueID)
	}
	// Complete the low item so it leaves the store.
	m.ModifyPriority(finished.QueueID, Urgent)
	done, _ := m.Next()
	if done.QueueID != finished.QueueID {
		t.Fatalf("claimed %s, want %s", done.QueueID, finished.QueueID)
	}
	m.Release(done.QueueID, StateDone, "")
	m.Close()

	// Restart: the active item is requeued, the done one is gone.
	m2 := openQueue(t, dir, 5)
	items := m2.List()
	if len(items) != 2 {
		t.Fatalf("replayed %d items, want 2", len(items))
	}
	got, ok := m2.Next()
	if !ok {
		t.Fatal("nothing to drain after replay")
	}
	if got.QueueID != running.QueueID {
		t.Fatalf("drained %s first after replay, want requeued active %s", got.QueueID, running.QueueID)
	}
	got, _ = m2.Next()
	if got.QueueID != waiting.QueueID {
		t.Fatalf("drained %s second, want %s", got.QueueID, waiting.QueueID)
	}
}

func TestEstimateStarts(t *testing.T) {
	m := openQueue(t, t.TempDir(), 1)

	active, _ := m.Enqueue("p", []string{"/big"}, Normal, 100*1024*1024)
	waitingItem, _ := m.Enqueue("p", []string{"/next"}, Normal, 50*1024*1024)

	if _, ok := m.Next(); !ok {
		t.Fatal("claim failed")
	}
	m.EstimateStarts(10 * 1024 * 1024) // 10 MB/s -> ~10s backlog

	st, err := m.Status(waitingItem.QueueID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.EstimatedStart.IsZero() {
		t.Fatal("waiting item has no start estimate")
	}
	_ = active

	m.EstimateStarts(0)
	st, _ = m.Status(waitingItem.QueueID)
	if !st.EstimatedStart.IsZero() {
		t.Fatal("zero throughput should clear estimates")
	}
}
