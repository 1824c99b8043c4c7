package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileAuditLog is an AuditLog that writes one newline-delimited JSON file
// per run.
type FileAuditLog struct {
	directory string
	mutex     sync.Mutex
}

func NewFileAuditLog(directory string) *FileAuditLog {
	return &FileAuditLog{directory: directory}
}

func (l *FileAuditLog) runLogPath(runID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", runID))
}

func (l *FileAuditLog) History(ctx context.Context, runID string) ([]*AuditEntry, error) {
	data, err := os.ReadFile(l.runLogPath(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var entries []*AuditEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (l *FileAuditLog) Record(ctx context.Context, entry *AuditEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()

	filePath := l.runLogPath(entry.RunID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
