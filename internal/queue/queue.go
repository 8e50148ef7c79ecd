// Package queue schedules pending transfers. Items drain in priority
// order, FIFO within a priority, through a bounded number of active
// slots. The queue is persisted in badger so a restart picks up where
// the process left off.
package queue

import (
	"container/heap"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
)

// Priority orders queued transfers. Higher drains first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Urgent
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Urgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// State is the lifecycle of a queue item.
type State string

const (
	StateQueued State = "queued"
	StateActive State = "active"
	StatePaused State = "paused"
	StateDone   State = "done"
	StateFailed State = "failed"
)

// ErrNotFound is returned for unknown queue IDs.
var ErrNotFound = errors.New("queue item not found")

const keyPrefix = "queue/"

// Item is one queued transfer request.
type Item struct {
	QueueID        string    `json:"queue_id"`
	TransferID     string    `json:"transfer_id,omitempty"`
	PeerID         string    `json:"peer_id"`
	Paths          []string  `json:"paths"`
	Priority       Priority  `json:"priority"`
	State          State     `json:"state"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	EstimatedStart time.Time `json:"estimated_start,omitzero"`
	TotalBytes     int64     `json:"total_bytes,omitempty"`
	Seq            uint64    `json:"seq"`
	Reason         string    `json:"reason,omitempty"`
}

type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*Item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Manager owns the transfer queue.
type Manager struct {
	mu      sync.Mutex
	db      *badger.DB
	items   map[string]*Item
	waiting itemHeap
	slots   int
	active  int
	nextSeq uint64
	logger  *slog.Logger
}

// Open loads the queue from dir. slots bounds concurrently active
// transfers. Items that were active when the previous process died are
// requeued.
func Open(dir string, slots int, logger *slog.Logger) (*Manager, error) {
	if slots < 1 {
		slots = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	m := &Manager{
		db:     db,
		items:  make(map[string]*Item),
		slots:  slots,
		logger: logger,
	}
	if err := m.replay(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// replay restores persisted items into memory.
func (m *Manager) replay() error {
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var item Item
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			})
			if err != nil {
				return err
			}
			if item.State == StateActive {
				// The transfer died with the process; run it again.
				item.State = StateQueued
			}
			cp := item
			m.items[cp.QueueID] = &cp
			if cp.Seq >= m.nextSeq {
				m.nextSeq = cp.Seq + 1
			}
			if cp.State == StateQueued {
				m.waiting = append(m.waiting, &cp)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay queue: %w", err)
	}
	heap.Init(&m.waiting)
	if len(m.items) > 0 {
		m.logger.Info("queue replayed", "items", len(m.items), "waiting", m.waiting.Len())
	}
	return nil
}

// Close releases the store.
func (m *Manager) Close() error { return m.db.Close() }

func (m *Manager) persist(item *Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+item.QueueID), raw)
	})
	if err != nil {
		return fmt.Errorf("persist queue item: %w", err)
	}
	return nil
}

func (m *Manager) drop(queueID string) error {
	err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + queueID))
	})
	if err != nil {
		return fmt.Errorf("drop queue item: %w", err)
	}
	return nil
}

// Enqueue adds a transfer request and returns its queue item.
func (m *Manager) Enqueue(peerID string, paths []string, prio Priority, totalBytes int64) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &Item{
		QueueID:    uuid.NewString(),
		PeerID:     peerID,
		Paths:      paths,
		Priority:   prio,
		State:      StateQueued,
		EnqueuedAt: time.Now().UTC(),
		TotalBytes: totalBytes,
		Seq:        m.nextSeq,
	}
	m.nextSeq++
	if err := m.persist(item); err != nil {
		return Item{}, err
	}
	m.items[item.QueueID] = item
	heap.Push(&m.waiting, item)
	m.logger.Info("transfer queued", "queue_id", item.QueueID, "peer", peerID, "priority", prio)
	return *item, nil
}

// Next claims the highest-priority waiting item if an active slot is
// free. The second return is false when nothing can start.
func (m *Manager) Next() (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active >= m.slots {
		return Item{}, false
	}
	for m.waiting.Len() > 0 {
		item := heap.Pop(&m.waiting).(*Item)
		if item.State != StateQueued {
			continue // paused or cancelled while waiting
		}
		item.State = StateActive
		m.active++
		if err := m.persist(item); err != nil {
			m.logger.Error("persist active item", "queue_id", item.QueueID, "error", err)
		}
		return *item, true
	}
	return Item{}, false
}

// Release frees the active slot of an item and records its outcome.
// Terminal items leave the store.
func (m *Manager) Release(queueID string, final State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[queueID]
	if !ok {
		return ErrNotFound
	}
	if item.State == StateActive {
		m.active--
	}
	item.State = final
	item.Reason = reason
	if final == StateDone || final == StateFailed {
		delete(m.items, queueID)
		return m.drop(queueID)
	}
	return m.persist(item)
}

// SetTransferID binds the session's transfer ID to a claimed item.
func (m *Manager) SetTransferID(queueID, transferID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[queueID]
	if !ok {
		return ErrNotFound
	}
	item.TransferID = transferID
	return m.persist(item)
}

// ModifyPriority changes a waiting item's priority and reorders the
// queue.
func (m *Manager) ModifyPriority(queueID string, prio Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[queueID]
	if !ok {
		return ErrNotFound
	}
	if item.State != StateQueued && item.State != StatePaused {
		return fmt.Errorf("cannot reprioritize %s item", item.State)
	}
	item.Priority = prio
	for i, w := range m.waiting {
		if w == item {
			heap.Fix(&m.waiting, i)
			break
		}
	}
	return m.persist(item)
}

// Pause takes a waiting item out of contention without losing its place
// in history.
func (m *Manager) Pause(queueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[queueID]
	if !ok {
		return ErrNotFound
	}
	if item.State != StateQueued {
		return fmt.Errorf("cannot pause %s item", item.State)
	}
	item.State = StatePaused
	m.removeWaiting(item)
	return m.persist(item)
}

// Resume puts a paused item back into the waiting heap.
func (m *Manager) Resume(queueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[queueID]
	if !ok {
		return ErrNotFound
	}
	if item.State != StatePaused {
		return fmt.Errorf("cannot resume %s item", item.State)
	}
	item.State = StateQueued
	heap.Push(&m.waiting, item)
	return m.persist(item)
}

// Cancel removes an item entirely. Active items must be cancelled
// through their session first.
func (m *Manager) Cancel(queueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[queueID]
	if !ok {
		return ErrNotFound
	}
	if item.State == StateActive {
		return fmt.Errorf("cancel the running session, not the queue item")
	}
	m.removeWaiting(item)
	delete(m.items, queueID)
	return m.drop(queueID)
}

func (m *Manager) removeWaiting(item *Item) {
	for i, w := range m.waiting {
		if w == item {
			heap.Remove(&m.waiting, i)
			return
		}
	}
}

// Status returns a snapshot of one item.
func (m *Manager) Status(queueID string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[queueID]
	if !ok {
		return Item{}, ErrNotFound
	}
	return *item, nil
}

// List returns snapshots of every live item, waiting ones in drain
// order.
func (m *Manager) List() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := make(itemHeap, len(m.waiting))
	copy(sorted, m.waiting)
	heap.Init(&sorted)

	out := make([]Item, 0, len(m.items))
	seen := make(map[string]struct{})
	for sorted.Len() > 0 {
		it := heap.Pop(&sorted).(*Item)
		out = append(out, *it)
		seen[it.QueueID] = struct{}{}
	}
	for _, it := range m.items {
		if _, ok := seen[it.QueueID]; !ok {
			out = append(out, *it)
		}
	}
	return out
}

// EstimateStarts projects a start time for each waiting item from the
// observed aggregate throughput. Zero or negative throughput clears the
// estimates.
func (m *Manager) EstimateStarts(bytesPerSec float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bytesPerSec <= 0 {
		for _, it := range m.waiting {
			it.EstimatedStart = time.Time{}
		}
		return
	}

	sorted := make(itemHeap, len(m.waiting))
	copy(sorted, m.waiting)
	heap.Init(&sorted)

	var backlog int64
	for _, it := range m.items {
		if it.State == StateActive {
			backlog += it.TotalBytes
		}
	}
	now := time.Now().UTC()
	for sorted.Len() > 0 {
		it := heap.Pop(&sorted).(*Item)
		wait := time.Duration(float64(backlog)/bytesPerSec) * time.Second
		it.EstimatedStart = now.Add(wait)
		backlog += it.TotalBytes
	}
}
