package agent

import (
	"testing"

	"github.com/haasonsaas/aegis/pkg/models"
)

func TestJournal_AppendAndRead(t *testing.T) {
	j := NewJournal(10)
	for i := 1; i <= 3; i++ {
		j.Append(models.LoopIterationRecord{Iteration: i})
	}

	records := j.Records()
	if len(records) != 3 {
		t.Fatalf("len = %d, want 3", len(records))
	}
	for i, rec := range records {
		if rec.Iteration != i+1 {
			t.Errorf("records[%d].Iteration = %d, want %d", i, rec.Iteration, i+1)
		}
	}
}

func TestJournal_EvictsOldest(t *testing.T) {
	j := NewJournal(3)
	for i := 1; i <= 5; i++ {
		j.Append(models.LoopIterationRecord{Iteration: i})
	}

	records := j.Records()
	if len(records) != 3 {
		t.Fatalf("len = %d, want 3", len(records))
	}
	if records[0].Iteration != 3 || records[2].Iteration != 5 {
		t.Errorf("retained iterations = [%d..%d], want [3..5]", records[0].Iteration, records[2].Iteration)
	}
}

func TestJournal_DefaultCapacity(t *testing.T) {
	j := NewJournal(0)
	for i := 0; i < defaultJournalCapacity+10; i++ {
		j.Append(models.LoopIterationRecord{Iteration: i})
	}
	if j.Len() != defaultJournalCapacity {
		t.Errorf("len = %d, want %d", j.Len(), defaultJournalCapacity)
	}
}
