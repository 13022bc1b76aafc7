package notify

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"github.com/otomoni/machinemon/internal/eventlog"
	"github.com/otomoni/machinemon/internal/hysteresis"
	"github.com/otomoni/machinemon/internal/status"
	"github.com/otomoni/machinemon/internal/util"
)

// StateSink records state transitions. *eventlog.Logger satisfies it.
type StateSink interface {
	LogState(equipmentID string, d eventlog.StateDetails) error
}

// Sender delivers webhook payloads. *Webhook satisfies it.
type Sender interface {
	Send(ctx context.Context, payload *WebhookPayload) error
}

// StateNotifier remembers the last reported state per equipment and notifies
// when it changes between status evaluations.
type StateNotifier struct {
	webhook Sender
	events  StateSink

	// mu protects last
	mu   sync.Mutex
	last map[string]hysteresis.State

	// wg tracks in-flight deliveries
	wg sync.WaitGroup
}

// NewStateNotifier returns a StateNotifier. Either sink may be nil.
func NewStateNotifier(webhook Sender, events StateSink) *StateNotifier {
	return &StateNotifier{
		webhook: webhook,
		events:  events,
		last:    make(map[string]hysteresis.State),
	}
}

// Observe records rep and reports whether the running state changed. The first
// report for an equipment only establishes its state. Reports without
// thresholds are ignored.
//
//nolint:gocritic // hugeParam: reports are observed once per evaluation
func (n *StateNotifier) Observe(ctx context.Context, rep status.Report) bool {
	if !rep.Sufficient() || rep.Running == "" {
		return false
	}

	n.mu.Lock()
	prev, seen := n.last[rep.EquipmentID]
	n.last[rep.EquipmentID] = rep.Running
	n.mu.Unlock()

	if !seen || prev == rep.Running {
		return false
	}

	d := eventlog.StateDetails{
		From:       string(prev),
		To:         string(rep.Running),
		Confidence: rep.Confidence,
	}
	if rep.Latest != nil {
		d.LatestDBFS = rep.Latest.DBFS
	}
	if rep.Thresholds != nil {
		d.On = rep.Thresholds.On
		d.Off = rep.Thresholds.Off
	}

	if n.events != nil {
		if err := n.events.LogState(rep.EquipmentID, d); err != nil {
			slog.Error("failed to write event log", "equipment", rep.EquipmentID, "error", err)
		}
	}
	if n.webhook != nil {
		payload := &WebhookPayload{
			Event:       EventStateChanged,
			EquipmentID: rep.EquipmentID,
			From:        d.From,
			To:          d.To,
			LatestDBFS:  d.LatestDBFS,
			On:          d.On,
			Off:         d.Off,
			Confidence:  d.Confidence,
		}
		n.wg.Go(func() {
			util.LogDelivery("state_webhook", func() error { return n.webhook.Send(ctx, payload) },
				"equipment", payload.EquipmentID, "to", payload.To)
		})
	}
	return true
}

// States returns a copy of the last observed state per equipment.
func (n *StateNotifier) States() map[string]hysteresis.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return maps.Clone(n.last)
}

// Wait blocks until in-flight deliveries finish.
func (n *StateNotifier) Wait() {
	n.wg.Wait()
}
