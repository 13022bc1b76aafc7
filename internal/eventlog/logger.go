// Package eventlog records ingestion, backfill and state-change events in a
// single JSON lines file that the API can page through.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Ingestion event types.
const (
	RecordingIndexed EventType = "recording_indexed"
	LevelFailed      EventType = "level_failed"
	IngestFailed     EventType = "ingest_failed"
)

// Backfill event types.
const (
	BackfillUpdated   EventType = "backfill_updated"
	BackfillSkipped   EventType = "backfill_skipped"
	BackfillCompleted EventType = "backfill_completed"
)

// StateChanged is logged when the latest classified state of an equipment flips.
const StateChanged EventType = "state_changed"

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp   time.Time `json:"ts"`
	Type        EventType `json:"type"`
	EquipmentID string    `json:"equipment_id,omitempty"`
	Message     string    `json:"msg,omitempty"`
	Details     any       `json:"details,omitempty"`
}

// RecordingDetails describes one indexed or failed recording.
type RecordingDetails struct {
	Bucket string   `json:"bucket,omitempty"`
	Key    string   `json:"key"`
	SK     string   `json:"sk,omitempty"`
	Range  string   `json:"range,omitempty"`
	DBFS   *float64 `json:"dbfs,omitempty"`
	Error  string   `json:"error,omitempty"`
	Retry  int      `json:"retry,omitempty"`
}

// BackfillDetails summarizes a backfill run.
type BackfillDetails struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Raced   int `json:"raced,omitempty"`
	Failed  int `json:"failed,omitempty"`
}

// StateDetails describes a state transition.
type StateDetails struct {
	From       string  `json:"from,omitempty"`
	To         string  `json:"to"`
	LatestDBFS float64 `json:"latest_dbfs"`
	On         float64 `json:"t_on"`
	Off        float64 `json:"t_off"`
	Confidence float64 `json:"confidence"`
}

// Logger writes events to a JSON lines file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// DefaultLogPath returns the platform-specific log file path.
func DefaultLogPath() string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return filepath.Join(programData, "machinemon", "logs", "events.jsonl")
	default:
		//nolint:gocritic // Intentional absolute path for Unix systems
		return filepath.Join("/var/log/machinemon", "events.jsonl")
	}
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file. A nil Logger discards the event.
func (l *Logger) Log(event *Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return l.encoder.Encode(event)
}

// LogRecording logs an ingestion event for one recording.
func (l *Logger) LogRecording(eventType EventType, equipmentID string, d RecordingDetails) error {
	return l.Log(&Event{
		Type:        eventType,
		EquipmentID: equipmentID,
		Details:     &d,
	})
}

// LogBackfill logs the summary of a backfill run.
func (l *Logger) LogBackfill(d BackfillDetails) error {
	return l.Log(&Event{
		Type:    BackfillCompleted,
		Details: &d,
	})
}

// LogState logs a state transition.
func (l *Logger) LogState(equipmentID string, d StateDetails) error {
	return l.Log(&Event{
		Type:        StateChanged,
		EquipmentID: equipmentID,
		Details:     &d,
	})
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll      TypeFilter = ""
	FilterIngest   TypeFilter = "ingest"
	FilterBackfill TypeFilter = "backfill"
	FilterState    TypeFilter = "state"
)

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads events newest first, skipping offset matching events and
// returning at most n. hasMore reports whether older matching events remain.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.Matches(event.Type) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == n {
			return events, true, nil
		}
		events = append(events, event)
	}

	return events, false, nil
}

// Matches reports whether t passes the filter.
func (f TypeFilter) Matches(t EventType) bool {
	switch f {
	case FilterIngest:
		return IsIngestEvent(t)
	case FilterBackfill:
		return IsBackfillEvent(t)
	case FilterState:
		return t == StateChanged
	default:
		return true
	}
}

// IsIngestEvent returns true if the event type is an ingestion event.
func IsIngestEvent(t EventType) bool {
	return t == RecordingIndexed || t == LevelFailed || t == IngestFailed
}

// IsBackfillEvent returns true if the event type is a backfill event.
func IsBackfillEvent(t EventType) bool {
	return t == BackfillUpdated || t == BackfillSkipped || t == BackfillCompleted
}
