// Package index defines the append-only recording index and the stores behind it.
//
// Records live in one partition ("AUDIO") sorted by "<capture time>#<random>",
// so same-timestamp uploads never collide. A record is never updated except for
// the one-time level backfill, which only fills an absent value.
package index

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/otomoni/machinemon/internal/equipment"
	"github.com/otomoni/machinemon/internal/threshold"
)

// Partition keys.
const (
	PartitionAudio  = "AUDIO"
	PartitionConfig = "CONFIG"
)

// DefaultContentType is assumed when the upload event carries none.
const DefaultContentType = "audio/wav"

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by Append when the sort key already exists.
var ErrDuplicate = errors.New("duplicate record key")

// RecordingReference identifies one stored audio blob.
type RecordingReference struct {
	Bucket      string    `json:"bucket"`
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	CapturedAt  time.Time `json:"lastModified"`
}

// Record is one index entry: the reference plus the optional level.
type Record struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
	RecordingReference
	// EquipmentID is set when the recording carried explicit metadata or a
	// derivable path; readers fall back to deriving it from Key.
	EquipmentID string   `json:"equipmentId,omitempty"`
	DBFS        *float64 `json:"dbfs,omitempty"`
}

// HasLevel reports whether the level has been computed.
func (r *Record) HasLevel() bool {
	return r.DBFS != nil
}

// Equipment returns the record's equipment identifier, deriving it from the key if unset.
func (r *Record) Equipment(derive equipment.Deriver) string {
	return equipment.Resolve(r.EquipmentID, r.Key, derive)
}

// Reading converts the record to a threshold reading. ok is false without a level.
func (r *Record) Reading(derive equipment.Deriver) (threshold.Reading, bool) {
	if r.DBFS == nil {
		return threshold.Reading{}, false
	}
	return threshold.Reading{
		EquipmentID: r.Equipment(derive),
		DBFS:        *r.DBFS,
		CapturedAt:  r.CapturedAt,
		Ref:         r.SK,
	}, true
}

// NewSortKey returns "<RFC3339 UTC millis>#<uuid>" for a capture time.
func NewSortKey(capturedAt time.Time) string {
	return capturedAt.UTC().Format(SortKeyTimeLayout) + "#" + uuid.NewString()
}

// SortKeyTimeLayout is fixed width so lexical order matches time order.
const SortKeyTimeLayout = "2006-01-02T15:04:05.000Z"

// NewRecord builds an AUDIO partition record for a reference.
func NewRecord(ref RecordingReference, equipmentID string, dbfs *float64) Record {
	if ref.ContentType == "" {
		ref.ContentType = DefaultContentType
	}
	ref.CapturedAt = ref.CapturedAt.UTC()
	return Record{
		PK:                 PartitionAudio,
		SK:                 NewSortKey(ref.CapturedAt),
		RecordingReference: ref,
		EquipmentID:        equipmentID,
		DBFS:               dbfs,
	}
}

// Appender appends immutable records.
type Appender interface {
	Append(ctx context.Context, rec Record) error
}

// Querier reads a partition newest first.
type Querier interface {
	QueryPartition(ctx context.Context, pk string, limit int) ([]Record, error)
}

// LevelSetter fills a record's level exactly once.
type LevelSetter interface {
	// SetLevelIfAbsent writes dbfs only when the record has none. It returns
	// false with a nil error when a value was already present.
	SetLevelIfAbsent(ctx context.Context, pk, sk string, dbfs float64) (bool, error)
}

// ConfigStore persists per-equipment threshold overrides.
type ConfigStore interface {
	// GetOverride returns nil and no error when the equipment has no override.
	GetOverride(ctx context.Context, equipmentID string) (*threshold.Override, error)
	PutOverride(ctx context.Context, equipmentID string, o threshold.Override) error
}

// Store is the full index contract.
type Store interface {
	Appender
	Querier
	LevelSetter
	ConfigStore
	Close() error
}

// ConfigSortKey returns the sort key of an equipment's override item.
func ConfigSortKey(equipmentID string) string {
	return "EQUIP#" + equipmentID
}
