package journal

import (
	"context"
	"sync"

	"github.com/vietddude/dispatcher/internal/core/domain"
)

const defaultCapacity = 1024

// MemoryJournal keeps the most recent records in a ring buffer.
type MemoryJournal struct {
	mu      sync.RWMutex
	records []domain.DispatchRecord
	next    int
	full    bool
}

func NewMemoryJournal(capacity int) *MemoryJournal {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemoryJournal{records: make([]domain.DispatchRecord, capacity)}
}

func (j *MemoryJournal) Record(ctx context.Context, rec domain.DispatchRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.records[j.next] = rec
	j.next = (j.next + 1) % len(j.records)
	if j.next == 0 {
		j.full = true
	}
	return nil
}

func (j *MemoryJournal) Recent(ctx context.Context, queue string, limit int) ([]domain.DispatchRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	size := j.next
	if j.full {
		size = len(j.records)
	}

	var out []domain.DispatchRecord
	for i := 1; i <= size; i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		rec := j.records[(j.next-i+len(j.records))%len(j.records)]
		if queue != "" && rec.Queue != queue {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (j *MemoryJournal) Close() error { return nil }
