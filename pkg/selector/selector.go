// Package selector implements the agent-selection strategies ported
// sort-key-for-sort-key from original_source/.../allocators/
// {concentrated,dispersed,legacy,roundrobin}.py.
package selector

import (
	"sort"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/resource"
	"github.com/cuemby/sokovan/pkg/schederr"
)

// Selector picks one agent to run req against, from the candidates
// already filtered for architecture/resource fit by FilterCandidates.
type Selector interface {
	Name() string
	SelectAgent(candidates []*domain.Agent, req domain.KernelRequirement, resourcePriority []string) (*domain.Agent, error)
}

// FilterCandidates narrows agents down to those matching the
// requirement's architecture and having enough remaining capacity.
// Grounded on original_source/.../allocators/base.py's
// filter_agents_by_resources / filter_agents_by_architecture.
func FilterCandidates(agents []*domain.Agent, req domain.KernelRequirement) []*domain.Agent {
	var out []*domain.Agent
	for _, a := range agents {
		if a.Status != domain.AgentStatusAlive {
			continue
		}
		if req.ImageArch != "" && a.Architecture != "" && a.Architecture != req.ImageArch {
			continue
		}
		if !req.RequiredSlots.FitsWithin(a.Remaining()) {
			continue
		}
		out = append(out, a)
	}
	return out
}

var registry = map[string]func() Selector{
	"concentrated": func() Selector { return &Concentrated{} },
	"dispersed":    func() Selector { return &Dispersed{} },
	"legacy":       func() Selector { return &Legacy{} },
	"roundrobin":   func() Selector { return NewRoundRobin() },
}

// Get resolves a selector by name, falling back to Concentrated.
func Get(name string) Selector {
	if ctor, ok := registry[name]; ok {
		return ctor()
	}
	return &Concentrated{}
}

func noAgentErr() error {
	return schederr.New(schederr.CodeNoAgentAvailable, "no candidate agent satisfies the kernel's resource requirements")
}

// Concentrated packs kernels onto fewer, busier agents: prefers the
// agent already running the most containers, then the fewest "extra"
// unused resource types, then the least remaining capacity in priority
// order. Ported from allocators/concentrated.py's
// min(agents, key=(-kernel_counts, get_num_extras, *remaining-per-key)).
type Concentrated struct{}

func (*Concentrated) Name() string { return "concentrated" }

func (*Concentrated) SelectAgent(candidates []*domain.Agent, req domain.KernelRequirement, resourcePriority []string) (*domain.Agent, error) {
	if len(candidates) == 0 {
		return nil, noAgentErr()
	}
	best := candidates[0]
	for _, a := range candidates[1:] {
		if concentratedLess(a, best, req, resourcePriority) {
			best = a
		}
	}
	return best, nil
}

// concentratedLess reports whether a sorts before b under
// Concentrated's key (a "smaller" key wins the min()).
func concentratedLess(a, b *domain.Agent, req domain.KernelRequirement, priority []string) bool {
	if a.ContainerCount != b.ContainerCount {
		return a.ContainerCount > b.ContainerCount // -kernel_counts: more containers sorts first
	}
	ea, eb := resource.NumExtras(a.AvailableSlots, req.RequiredSlots), resource.NumExtras(b.AvailableSlots, req.RequiredSlots)
	if ea != eb {
		return ea < eb
	}
	for _, key := range priority {
		ra, rb := a.Remaining().Get(key), b.Remaining().Get(key)
		if !ra.Equal(rb) {
			return ra.LessThan(rb)
		}
	}
	return false
}

// Dispersed spreads kernels across agents: prefers the fewest extras,
// then the most remaining capacity in priority order. Ported from
// allocators/dispersed.py's max(agents, key=(-extras, *remaining)).
type Dispersed struct{}

func (*Dispersed) Name() string { return "dispersed" }

func (*Dispersed) SelectAgent(candidates []*domain.Agent, req domain.KernelRequirement, resourcePriority []string) (*domain.Agent, error) {
	if len(candidates) == 0 {
		return nil, noAgentErr()
	}
	best := candidates[0]
	for _, a := range candidates[1:] {
		if dispersedBetter(a, best, req, resourcePriority) {
			best = a
		}
	}
	return best, nil
}

func dispersedBetter(a, b *domain.Agent, req domain.KernelRequirement, priority []string) bool {
	ea, eb := resource.NumExtras(a.AvailableSlots, req.RequiredSlots), resource.NumExtras(b.AvailableSlots, req.RequiredSlots)
	if ea != eb {
		return ea < eb // fewer extras wins (max() of -extras)
	}
	for _, key := range priority {
		ra, rb := a.Remaining().Get(key), b.Remaining().Get(key)
		if !ra.Equal(rb) {
			return ra.GreaterThan(rb) // more remaining capacity wins
		}
	}
	return false
}

// Legacy is Dispersed's predecessor: it compares raw advertised
// capacity (AvailableSlots) instead of remaining (available -
// occupied). Ported from allocators/legacy.py.
type Legacy struct{}

func (*Legacy) Name() string { return "legacy" }

func (*Legacy) SelectAgent(candidates []*domain.Agent, req domain.KernelRequirement, resourcePriority []string) (*domain.Agent, error) {
	if len(candidates) == 0 {
		return nil, noAgentErr()
	}
	best := candidates[0]
	for _, a := range candidates[1:] {
		if legacyBetter(a, best, req, resourcePriority) {
			best = a
		}
	}
	return best, nil
}

func legacyBetter(a, b *domain.Agent, req domain.KernelRequirement, priority []string) bool {
	ea, eb := resource.NumExtras(a.AvailableSlots, req.RequiredSlots), resource.NumExtras(b.AvailableSlots, req.RequiredSlots)
	if ea != eb {
		return ea < eb
	}
	for _, key := range priority {
		ra, rb := a.AvailableSlots.Get(key), b.AvailableSlots.Get(key)
		if !ra.Equal(rb) {
			return ra.GreaterThan(rb)
		}
	}
	return false
}

// RoundRobin cycles through agents sorted by ID, the way
// allocators/roundrobin.py keeps a per-(scaling-group, arch) cursor.
// Ported here as a single per-selector-instance cursor rather than a
// map, since SPEC_FULL.md's Open Question 2 scopes the cursor to one
// tick/selector instance rather than persisting it across restarts -
// see DESIGN.md.
type RoundRobin struct {
	nextIndex int
}

func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (*RoundRobin) Name() string { return "roundrobin" }

func (r *RoundRobin) SelectAgent(candidates []*domain.Agent, req domain.KernelRequirement, _ []string) (*domain.Agent, error) {
	if len(candidates) == 0 {
		return nil, noAgentErr()
	}
	sorted := append([]*domain.Agent(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	n := len(sorted)
	start := r.nextIndex % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		candidate := sorted[idx]
		if req.RequiredSlots.FitsWithin(candidate.Remaining()) {
			r.nextIndex = (idx + 1) % n
			return candidate, nil
		}
	}
	return nil, noAgentErr()
}
