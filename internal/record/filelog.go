package record

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// JSONL record type discriminators.
const (
	recordTypeHeader = "header"
	recordTypeEntry  = "entry"
)

// jsonlRecord wraps JSONL lines with type discrimination. Header fields are
// flattened so they cannot collide with the embedded entry's keys.
type jsonlRecord struct {
	RecordType string `json:"_type"`

	// Header fields (when _type == "header")
	HeaderPlanID string    `json:"header_plan_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitzero"`

	// Entry fields (when _type == "entry")
	*Entry `json:",omitempty"`
}

func headerRecord(h Header) jsonlRecord {
	return jsonlRecord{
		RecordType:   recordTypeHeader,
		HeaderPlanID: h.PlanID,
		SessionID:    h.SessionID,
		Description:  h.Description,
		CreatedAt:    h.CreatedAt,
	}
}

func (r jsonlRecord) header() Header {
	return Header{
		PlanID:      r.HeaderPlanID,
		SessionID:   r.SessionID,
		Description: r.Description,
		CreatedAt:   r.CreatedAt,
	}
}

// FileLog implements Log with one JSONL file per plan: a header line followed
// by appended entry lines. Append opens in append mode, so concurrent readers
// see a prefix of the log, never a torn rewrite.
type FileLog struct {
	dir string
	mu  sync.Mutex
}

// NewFileLog creates a file-based plan record log.
func NewFileLog(dir string) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}
	return &FileLog{dir: dir}, nil
}

// Path returns the record file path for a plan.
func (l *FileLog) Path(planID string) string {
	return filepath.Join(l.dir, planID+".jsonl")
}

// Create writes the header line for a new plan record.
func (l *FileLog) Create(h Header) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.Path(h.PlanID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create record file: %w", err)
	}
	defer f.Close()

	return writeLine(f, headerRecord(h))
}

// Append adds an entry line to a plan's record.
func (l *FileLog) Append(planID string, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.Path(planID), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open record file: %w", err)
	}
	defer f.Close()

	return writeLine(f, jsonlRecord{RecordType: recordTypeEntry, Entry: &e})
}

// Read loads a plan's record.
func (l *FileLog) Read(planID string) (Header, []Entry, error) {
	f, err := os.Open(l.Path(planID))
	if err != nil {
		return Header{}, nil, err
	}
	defer f.Close()

	var header Header
	var entries []Entry

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var rec jsonlRecord
			if perr := json.Unmarshal(bytes.TrimSpace(line), &rec); perr != nil {
				return Header{}, nil, fmt.Errorf("corrupt record line: %w", perr)
			}
			switch rec.RecordType {
			case recordTypeHeader:
				header = rec.header()
			case recordTypeEntry:
				if rec.Entry != nil {
					entries = append(entries, *rec.Entry)
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Header{}, nil, fmt.Errorf("error reading record: %w", err)
		}
	}
	return header, entries, nil
}

// List returns headers for all recorded plans, newest first.
func (l *FileLog) List() ([]Header, error) {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}

	var headers []Header
	for _, entry := range files {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		planID := strings.TrimSuffix(entry.Name(), ".jsonl")
		h, _, err := l.Read(planID)
		if err != nil {
			continue
		}
		headers = append(headers, h)
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].CreatedAt.After(headers[j].CreatedAt) })
	return headers, nil
}

// writeLine writes one JSONL record.
func writeLine(f *os.File, rec jsonlRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}
