package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWrapError(t *testing.T) {
	assert.NoError(t, WrapError("read", nil))
	base := errors.New("boom")
	err := WrapError("read header", base)
	assert.EqualError(t, err, "failed to read header: boom")
	assert.ErrorIs(t, err, base)
}

func TestIsConfigured(t *testing.T) {
	assert.True(t, IsConfigured())
	assert.True(t, IsConfigured("a", "b"))
	assert.False(t, IsConfigured("a", ""))
}

func TestValidatePath(t *testing.T) {
	assert.NoError(t, ValidatePath("p", "/var/lib/machinemon/index.db"))
	assert.NoError(t, ValidatePath("p", "index..db"))
	assert.NoError(t, ValidatePath("p", ":memory:"))
	assert.Error(t, ValidatePath("p", ""))
	assert.Error(t, ValidatePath("p", "../etc/passwd"))
	assert.Error(t, ValidatePath("p", "data/../../x.db"))
}

func TestBackoff(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 300*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, b.Next())
	assert.Equal(t, 200*time.Millisecond, b.Next())
	assert.Equal(t, 300*time.Millisecond, b.Next())
	assert.Equal(t, 300*time.Millisecond, b.Current())
	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.Next())
}

func TestBackoffWait(t *testing.T) {
	b := NewBackoff(time.Millisecond, time.Millisecond)
	assert.NoError(t, b.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := NewBackoff(time.Hour, time.Hour)
	assert.ErrorIs(t, slow.Wait(ctx), context.Canceled)
}
