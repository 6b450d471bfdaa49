package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrorRecord is one durable incident record. It is written before any
// recovery is attempted; the recovery outcome is appended to the same record
// afterwards.
type ErrorRecord struct {
	ID           string           `json:"id"`
	Time         time.Time        `json:"time"`
	WorkflowID   string           `json:"workflow_id,omitempty"`
	WorkflowType string           `json:"workflow_type,omitempty"`
	Phase        PhaseID          `json:"phase,omitempty"`
	Worker       string           `json:"worker,omitempty"`
	Kind         ErrorKind        `json:"kind"`
	Cause        string           `json:"cause"`
	Details      map[string]any   `json:"details,omitempty"`
	Stack        string           `json:"stack,omitempty"`
	Strategy     RecoveryStrategy `json:"strategy,omitempty"`
	Attempted    bool             `json:"attempted"`
	Recovered    bool             `json:"recovered"`
	Outcome      string           `json:"outcome,omitempty"`
}

// NewErrorRecordID returns a new unique incident ID
func NewErrorRecordID() string {
	return uuid.NewString()
}

// ErrorLogger durably records error incidents and their recovery outcomes.
type ErrorLogger interface {
	// LogError upserts an incident record by ID.
	LogError(ctx context.Context, record *ErrorRecord) error

	// RecentErrors returns up to limit incident records, newest first.
	RecentErrors(ctx context.Context, limit int) ([]*ErrorRecord, error)
}

// FileErrorLogger writes one JSON file per incident plus an append-only
// newline-delimited JSON line log.
type FileErrorLogger struct {
	directory string
	mutex     sync.Mutex
}

func NewFileErrorLogger(directory string) *FileErrorLogger {
	return &FileErrorLogger{directory: directory}
}

func (l *FileErrorLogger) recordPath(id string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.json", sanitizeName(id)))
}

func (l *FileErrorLogger) LogError(ctx context.Context, record *ErrorRecord) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if err := os.MkdirAll(l.directory, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(l.recordPath(record.ID), data); err != nil {
		return err
	}

	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(l.directory, "errors.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (l *FileErrorLogger) RecentErrors(ctx context.Context, limit int) ([]*ErrorRecord, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	entries, err := os.ReadDir(l.directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []*ErrorRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.directory, entry.Name()))
		if err != nil {
			continue
		}
		var record ErrorRecord
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		records = append(records, &record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Time.After(records[j].Time)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// MemoryErrorLogger keeps incident records in memory, for tests.
type MemoryErrorLogger struct {
	mutex   sync.Mutex
	records map[string]*ErrorRecord
	order   []string
}

func NewMemoryErrorLogger() *MemoryErrorLogger {
	return &MemoryErrorLogger{records: map[string]*ErrorRecord{}}
}

func (l *MemoryErrorLogger) LogError(ctx context.Context, record *ErrorRecord) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	c := *record
	if _, ok := l.records[record.ID]; !ok {
		l.order = append(l.order, record.ID)
	}
	l.records[record.ID] = &c
	return nil
}

func (l *MemoryErrorLogger) RecentErrors(ctx context.Context, limit int) ([]*ErrorRecord, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	var records []*ErrorRecord
	for i := len(l.order) - 1; i >= 0; i-- {
		if limit > 0 && len(records) >= limit {
			break
		}
		c := *l.records[l.order[i]]
		records = append(records, &c)
	}
	return records, nil
}

// NullErrorLogger discards all records.
type NullErrorLogger struct{}

func NewNullErrorLogger() *NullErrorLogger {
	return &NullErrorLogger{}
}

func (l *NullErrorLogger) LogError(ctx context.Context, record *ErrorRecord) error {
	return nil
}

func (l *NullErrorLogger) RecentErrors(ctx context.Context, limit int) ([]*ErrorRecord, error) {
	return nil, nil
}
