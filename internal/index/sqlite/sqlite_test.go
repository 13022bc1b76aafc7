package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otomoni/machinemon/internal/index"
	"github.com/otomoni/machinemon/internal/threshold"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(at time.Time, dbfs *float64) index.Record {
	return index.NewRecord(index.RecordingReference{
		Bucket:     "recordings",
		Key:        "ras-1/eq-1/rec.wav",
		Size:       96044,
		CapturedAt: at,
	}, "eq-1", dbfs)
}

func TestAppendQuery(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	level := -22.5
	for i := range 4 {
		var d *float64
		if i == 3 {
			d = &level
		}
		require.NoError(t, s.Append(ctx, record(t0.Add(time.Duration(i)*time.Second), d)))
	}

	got, err := s.QueryPartition(ctx, index.PartitionAudio, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, t0.Add(3*time.Second), got[0].CapturedAt)
	require.NotNil(t, got[0].DBFS)
	assert.Equal(t, -22.5, *got[0].DBFS)
	assert.Nil(t, got[1].DBFS)
	assert.Equal(t, "eq-1", got[0].EquipmentID)

	all, err := s.QueryPartition(ctx, index.PartitionAudio, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestAppendDuplicate(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	rec := record(t0, nil)
	require.NoError(t, s.Append(ctx, rec))
	assert.ErrorIs(t, s.Append(ctx, rec), index.ErrDuplicate)
}

func TestSetLevelIfAbsentConcurrent(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	rec := record(t0, nil)
	require.NoError(t, s.Append(ctx, rec))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		updated int
	)
	for i := range 8 {
		wg.Go(func() {
			ok, err := s.SetLevelIfAbsent(ctx, rec.PK, rec.SK, -float64(i))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				updated++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	assert.Equal(t, 1, updated)

	ok, err := s.SetLevelIfAbsent(ctx, rec.PK, "missing", -1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOverrides(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	o, err := s.GetOverride(ctx, "eq-1")
	require.NoError(t, err)
	assert.Nil(t, o)

	tol := 0.0
	require.NoError(t, s.PutOverride(ctx, "eq-1", threshold.Override{TolDB: &tol, UpdatedAt: t0}))
	qHigh := 0.8
	require.NoError(t, s.PutOverride(ctx, "eq-1", threshold.Override{QHigh: &qHigh, UpdatedAt: t0.Add(time.Hour)}))

	o, err = s.GetOverride(ctx, "eq-1")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Nil(t, o.TolDB)
	assert.Equal(t, 0.8, *o.QHigh)
}

func TestOpenFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), record(t0, nil)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck
	got, err := s.QueryPartition(context.Background(), index.PartitionAudio, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
