package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JSONL appends one JSON object per event to a file.
type JSONL struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func NewJSONL(path string) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &JSONL{path: path, file: f}, nil
}

func (j *JSONL) Path() string { return j.path }

func (j *JSONL) Record(_ context.Context, e Event) error {
	e = fill(e)

	rec := make(map[string]any, len(e.Fields)+6)
	for k, v := range e.Fields {
		rec[k] = v
	}
	rec["ts"] = e.Time.Format(time.RFC3339)
	rec["event"] = e.Name
	rec["id"] = e.ID
	if e.Run != "" {
		rec["run"] = e.Run
	}
	if e.UID != 0 {
		rec["uid"] = e.UID
	}
	if e.Sender != "" {
		rec["sender"] = e.Sender
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit event %s: %w", e.Name, err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("audit log %s is closed", j.path)
	}
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
