// Package journal records the trajectory of a task: state changes of the
// fallback controller and every operation sent to a target.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/awi-cli/internal/config"
)

// Kind of a journal entry.
type Kind string

const (
	KindTransition Kind = "transition"
	KindOperation  Kind = "operation"
	KindDom        Kind = "dom"
)

// ErrNoTaskID rejects entries that cannot be replayed.
var ErrNoTaskID = errors.New("journal entry without task id")

// Entry is one recorded step.
type Entry struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	Target    string `json:"target"`
	Step      int    `json:"step"`
	Kind      Kind   `json:"kind"`
	Operation string `json:"operation,omitempty"`
	Method    string `json:"method,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Outcome   string `json:"outcome"`
	Status    int    `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	// Detail holds the intent or transition as JSON.
	Detail     []byte        `json:"detail,omitempty"`
	Duration   time.Duration `json:"duration"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Recorder stores and replays entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
	Entries(ctx context.Context, taskID string) ([]Entry, error)
	Close()
}

// prepare fills the generated fields of e.
func prepare(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	e.RecordedAt = e.RecordedAt.UTC()
}

// Memory keeps entries in process.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemory returns an empty in-memory journal.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Record(_ context.Context, e Entry) error {
	if e.TaskID == "" {
		return ErrNoTaskID
	}
	prepare(&e)
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Entries(_ context.Context, taskID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

func (m *Memory) Close() {}

// Open builds the journal selected by cfg.
func Open(ctx context.Context, cfg config.JournalConfig, logger *zap.Logger) (Recorder, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		return OpenPostgres(ctx, cfg.Postgres.URL, logger)
	default:
		return nil, fmt.Errorf("unknown journal type %q", cfg.Type)
	}
}
