// Package hysteresis classifies level readings into running states using two
// thresholds and a dead zone in which the previous state is kept.
package hysteresis

import (
	"math"
	"slices"
	"time"
)

// State is the inferred running state of the equipment.
type State string

const (
	// StateOn indicates the equipment is running.
	StateOn State = "on"
	// StateOff indicates the equipment is stopped.
	StateOff State = "off"
)

// Thresholds is the decision boundary pair plus the center used for seeding.
type Thresholds struct {
	On     float64
	Off    float64
	Center float64
}

// Sample is one reading to classify.
type Sample struct {
	DBFS float64
	At   time.Time
}

// Classify returns the state for one reading given the previous state.
// Readings inside (off+tol, on-tol) keep prev; non-finite readings keep prev too.
func Classify(dbfs, on, off float64, prev State, tol float64) State {
	if math.IsNaN(dbfs) || math.IsInf(dbfs, 0) {
		return prev
	}
	if dbfs >= on-tol {
		return StateOn
	}
	if dbfs <= off+tol {
		return StateOff
	}
	return prev
}

// Seed guesses the state before the first reading of a batch.
// There is no ground truth for it: readings above center seed "on".
func Seed(first, center float64) State {
	if first > center {
		return StateOn
	}
	return StateOff
}

// ClassifySeries classifies samples in ascending time order and returns the
// states in the caller's original order. Samples with equal timestamps keep
// their relative input order.
func ClassifySeries(samples []Sample, th Thresholds, tol float64) []State {
	states := make([]State, len(samples))
	if len(samples) == 0 {
		return states
	}

	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return samples[a].At.Compare(samples[b].At)
	})

	prev := Seed(samples[order[0]].DBFS, th.Center)
	for _, i := range order {
		prev = Classify(samples[i].DBFS, th.On, th.Off, prev, tol)
		states[i] = prev
	}
	return states
}
