// Package memstore is an in-process index store used by tests and the
// "memory" store type.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/otomoni/machinemon/internal/index"
	"github.com/otomoni/machinemon/internal/threshold"
)

// Store keeps records per partition sorted by sort key.
type Store struct {
	mu        sync.RWMutex
	parts     map[string][]index.Record
	overrides map[string]threshold.Override
}

var _ index.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		parts:     make(map[string][]index.Record),
		overrides: make(map[string]threshold.Override),
	}
}

// Append inserts rec, rejecting a duplicate sort key.
func (s *Store) Append(_ context.Context, rec index.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.parts[rec.PK]
	i, found := slices.BinarySearchFunc(recs, rec.SK, func(r index.Record, sk string) int {
		return cmp.Compare(r.SK, sk)
	})
	if found {
		return fmt.Errorf("append %s/%s: %w", rec.PK, rec.SK, index.ErrDuplicate)
	}
	s.parts[rec.PK] = slices.Insert(recs, i, cloneRecord(rec))
	return nil
}

// QueryPartition returns up to limit records newest first. limit <= 0 means all.
func (s *Store) QueryPartition(_ context.Context, pk string, limit int) ([]index.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.parts[pk]
	n := len(recs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]index.Record, 0, n)
	for i := len(recs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, cloneRecord(recs[i]))
	}
	return out, nil
}

// SetLevelIfAbsent fills the level of an existing record that has none.
func (s *Store) SetLevelIfAbsent(_ context.Context, pk, sk string, dbfs float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.parts[pk]
	i, found := slices.BinarySearchFunc(recs, sk, func(r index.Record, sk string) int {
		return cmp.Compare(r.SK, sk)
	})
	if !found {
		return false, fmt.Errorf("set level %s/%s: %w", pk, sk, index.ErrNotFound)
	}
	if recs[i].DBFS != nil {
		return false, nil
	}
	v := dbfs
	recs[i].DBFS = &v
	return true, nil
}

// GetOverride returns the stored override or nil.
func (s *Store) GetOverride(_ context.Context, equipmentID string) (*threshold.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.overrides[equipmentID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// PutOverride replaces the override for equipmentID.
func (s *Store) PutOverride(_ context.Context, equipmentID string, o threshold.Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[equipmentID] = o
	return nil
}

// Len returns the number of records in a partition.
func (s *Store) Len(pk string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.parts[pk])
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func cloneRecord(r index.Record) index.Record {
	if r.DBFS != nil {
		v := *r.DBFS
		r.DBFS = &v
	}
	return r
}
