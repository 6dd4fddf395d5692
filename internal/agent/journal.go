package agent

import (
	"sync"

	"github.com/haasonsaas/aegis/pkg/models"
)

const defaultJournalCapacity = 1000

// Journal is a bounded ring buffer of per-iteration records, exposed
// read-only for observability. It is never persisted.
type Journal struct {
	mu      sync.Mutex
	records []models.LoopIterationRecord
	start   int
	count   int
}

// NewJournal creates a journal. capacity <= 0 uses the default of
// 1000 entries.
func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = defaultJournalCapacity
	}
	return &Journal{records: make([]models.LoopIterationRecord, capacity)}
}

// Append records one iteration, evicting the oldest when full.
func (j *Journal) Append(record models.LoopIterationRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()

	idx := (j.start + j.count) % len(j.records)
	j.records[idx] = record
	if j.count < len(j.records) {
		j.count++
	} else {
		j.start = (j.start + 1) % len(j.records)
	}
}

// Records returns the retained records, oldest first.
func (j *Journal) Records() []models.LoopIterationRecord {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]models.LoopIterationRecord, j.count)
	for i := 0; i < j.count; i++ {
		out[i] = j.records[(j.start+i)%len(j.records)]
	}
	return out
}

// Len returns the number of retained records.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}
