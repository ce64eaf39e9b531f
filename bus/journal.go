package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/devflow/orchestrator/domain"
)

// JournalSink subscribes to all events and appends them as newline-
// delimited JSON records to an events journal (spec §4.5, §6
// events.journal_path). The journal is the canonical source for
// external subscribers that were not registered in-process at publish
// time. Grounded on graph/emit/log.go's JSONL LogEmitter mode.
type JournalSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewJournalSink wraps writer (typically an append-mode *os.File).
func NewJournalSink(writer io.Writer) *JournalSink {
	return &JournalSink{writer: writer}
}

// Handler returns the bus.Handler to Subscribe with (no filter: all events).
func (j *JournalSink) Handler() Handler {
	return func(_ context.Context, e domain.Event) error {
		j.mu.Lock()
		defer j.mu.Unlock()

		data, err := json.Marshal(journalRecord{
			Seq:        e.Seq,
			WorkflowID: e.WorkflowID,
			EventType:  e.EventType,
			Severity:   e.Severity,
			PhaseName:  e.PhaseName,
			FromState:  e.FromState,
			ToState:    e.ToState,
			Message:    e.Message,
			Metadata:   e.Metadata,
			CreatedAt:  e.CreatedAt.UTC(),
		})
		if err != nil {
			return fmt.Errorf("marshal journal record: %w", err)
		}
		if _, err := j.writer.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write journal record: %w", err)
		}
		return nil
	}
}

type journalRecord struct {
	Seq        int64             `json:"seq"`
	WorkflowID string            `json:"workflow_id"`
	EventType  domain.EventType  `json:"event_type"`
	Severity   domain.Severity   `json:"severity"`
	PhaseName  domain.PhaseName  `json:"phase_name,omitempty"`
	FromState  string            `json:"from_state,omitempty"`
	ToState    string            `json:"to_state,omitempty"`
	Message    string            `json:"message,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  any               `json:"created_at"`
}
