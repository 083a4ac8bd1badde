// Package resource implements the componentwise decimal resource vector
// used throughout the scheduling core (ResourceSlot), ported from
// backend.ai's Decimal-based ResourceSlot arithmetic.
package resource

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Slot is a componentwise resource vector, e.g. {"cpu": 4, "mem":
// 17179869184, "cuda.shares": 2}. Missing keys are treated as zero.
type Slot map[string]decimal.Decimal

// New builds a Slot from plain float64 values, for test and config
// convenience.
func New(values map[string]float64) Slot {
	s := make(Slot, len(values))
	for k, v := range values {
		s[k] = decimal.NewFromFloat(v)
	}
	return s
}

func (s Slot) Get(key string) decimal.Decimal {
	if v, ok := s[key]; ok {
		return v
	}
	return decimal.Zero
}

// Add returns the componentwise sum of s and other.
func (s Slot) Add(other Slot) Slot {
	out := make(Slot, len(s)+len(other))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range other {
		out[k] = out[k].Add(v)
	}
	return out
}

// Sub returns the componentwise difference s - other.
func (s Slot) Sub(other Slot) Slot {
	out := make(Slot, len(s)+len(other))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range other {
		out[k] = out.Get(k).Sub(v)
	}
	return out
}

// LessThanOrEqual reports whether every component of s is <= the
// matching component of other (missing components treated as zero).
// This is the "strict" comparison used by admission checks: a slot with
// keys other does not have is invalid.
func (s Slot) LessThanOrEqual(other Slot) bool {
	for k, v := range s {
		if v.GreaterThan(other.Get(k)) {
			return false
		}
	}
	return true
}

// FitsWithin is the permissive comparison used by the agent selector's
// resource filter: keys absent from other are allowed to be absent from
// s too (an agent simply doesn't advertise an accelerator it lacks).
func (s Slot) FitsWithin(available Slot) bool {
	for k, v := range s {
		if v.IsZero() {
			continue
		}
		if v.GreaterThan(available.Get(k)) {
			return false
		}
	}
	return true
}

// Eq reports whether s and other have the same effective value in every
// key either defines.
func (s Slot) Eq(other Slot) bool {
	keys := make(map[string]struct{}, len(s)+len(other))
	for k := range s {
		keys[k] = struct{}{}
	}
	for k := range other {
		keys[k] = struct{}{}
	}
	for k := range keys {
		if !s.Get(k).Equal(other.Get(k)) {
			return false
		}
	}
	return true
}

// IsZero reports whether every component of s is zero.
func (s Slot) IsZero() bool {
	for _, v := range s {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

// Keys returns the sorted set of resource keys present in s, used
// wherever selectors need a deterministic iteration order.
func (s Slot) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NumExtras counts resource keys that an agent advertises (in
// available) but that the requested slot does not ask for at all.
// Ported from original_source's allocators/concentrated.py and
// dispersed.py `get_num_extras`: agents with fewer "extra" unused
// resource types are preferred, so a GPU node isn't picked for a
// CPU-only kernel when a plain node is available.
func NumExtras(available, requested Slot) int {
	extras := 0
	for k, v := range available {
		if v.IsZero() {
			continue
		}
		if _, asked := requested[k]; !asked {
			extras++
		}
	}
	return extras
}
