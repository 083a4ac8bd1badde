// Package prioritizer orders a scaling group's pending SessionWorkloads
// before validation/selection. Grounded on
// original_source/.../sokovan/scheduler.py's _get_prioritizer
// pool-by-name lookup pattern.
package prioritizer

import (
	"sort"
	"time"

	"github.com/cuemby/sokovan/pkg/domain"
)

// deferred filters out workloads whose StartsAt is still in the future,
// preserving input order; spec.md §4.2 requires these skipped rather
// than merely sorted last, since a later tick re-evaluates them.
func deferred(workloads []domain.SessionWorkload) []domain.SessionWorkload {
	now := time.Now()
	out := make([]domain.SessionWorkload, 0, len(workloads))
	for _, w := range workloads {
		if w.StartsAt != nil && w.StartsAt.After(now) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// Prioritizer orders workloads by returning a new, sorted slice; the
// input is left untouched so callers can reuse it.
type Prioritizer interface {
	Name() string
	Prioritize(workloads []domain.SessionWorkload) []domain.SessionWorkload
}

var registry = map[string]func() Prioritizer{
	"fifo": func() Prioritizer { return FIFO{} },
	"lifo": func() Prioritizer { return LIFO{} },
	"drf":  func() Prioritizer { return DRF{} },
}

// Get resolves a prioritizer by name, falling back to FIFO for an
// unknown or empty name the same way scheduler.py's _get_prioritizer
// falls back to its first registered entry.
func Get(name string) Prioritizer {
	if ctor, ok := registry[name]; ok {
		return ctor()
	}
	return FIFO{}
}

// FIFO orders by (-priority, enqueue_timestamp): higher priority first,
// oldest session first within a priority tier.
type FIFO struct{}

func (FIFO) Name() string { return "fifo" }

func (FIFO) Prioritize(workloads []domain.SessionWorkload) []domain.SessionWorkload {
	out := deferred(workloads)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// LIFO orders by (-priority, -enqueue_timestamp): higher priority
// first, newest session first within a priority tier.
type LIFO struct{}

func (LIFO) Name() string { return "lifo" }

func (LIFO) Prioritize(workloads []domain.SessionWorkload) []domain.SessionWorkload {
	out := deferred(workloads)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// DRF orders by each workload's largest resource amount: every
// resource's required amount is summed across the workload's kernels,
// and the workload whose largest such sum is smallest goes first. The
// amounts are raw: they are not divided by agent capacity or by the
// scaling group's total demand, and they are computed per workload,
// not aggregated per user. Ties go to the older session (earlier
// CreatedAt); Priority is not consulted.
type DRF struct{}

func (DRF) Name() string { return "drf" }

func (DRF) Prioritize(workloads []domain.SessionWorkload) []domain.SessionWorkload {
	filtered := deferred(workloads)
	type scored struct {
		workload domain.SessionWorkload
		share    float64
	}
	scoredWorkloads := make([]scored, len(filtered))
	for i, w := range filtered {
		scoredWorkloads[i] = scored{workload: w, share: maxResourceValue(w)}
	}

	sort.SliceStable(scoredWorkloads, func(i, j int) bool {
		if scoredWorkloads[i].share != scoredWorkloads[j].share {
			return scoredWorkloads[i].share < scoredWorkloads[j].share
		}
		return scoredWorkloads[i].workload.CreatedAt.Before(scoredWorkloads[j].workload.CreatedAt)
	})

	out := make([]domain.SessionWorkload, len(scoredWorkloads))
	for i, s := range scoredWorkloads {
		out[i] = s.workload
	}
	return out
}

func maxResourceValue(w domain.SessionWorkload) float64 {
	var sums = map[string]float64{}
	for _, k := range w.Kernels {
		for key, v := range k.RequiredSlots {
			f, _ := v.Float64()
			sums[key] += f
		}
	}
	max := 0.0
	for _, v := range sums {
		if v > max {
			max = v
		}
	}
	return max
}
