// Package allocator implements the pure SOC-aware priority allocation
// function: no I/O, no clock reads, deterministic for identical input.
// Devices are scored by priority and state of charge, then headroom is
// distributed proportionally to score with clamp-and-redistribute for
// any slack left by devices that hit their own limits first.
package allocator

import (
	"sort"

	"github.com/ceh6514/derms-feeder-controller/internal/domain"
)

// Epsilon is the fixed small tolerance used throughout for float
// comparisons and slack redistribution termination.
const Epsilon = 0.001

// Mode selects the allocation algorithm.
type Mode string

const (
	ModeHeuristic Mode = "heuristic"
	ModeOptimizer Mode = "optimizer"
)

// DeviceInput is one dispatchable device's allocation-relevant state.
type DeviceInput struct {
	ID       string
	PMaxKw   float64
	Priority int
	Soc      *float64 // nil means unknown
}

// Params bundles the control parameters that shape allocation.
type Params struct {
	GlobalKwLimit       float64
	MinSocReserve       float64
	TargetSoc           float64
	RespectPriority     bool
	SocWeight           float64
	Mode                Mode
	EnforceTargetSoc    bool
	SolverEnabled       bool
	DeficitBoost        map[string]float64 // optimizer mode only, keyed by deviceId
}

// Allocate distributes availableKw (already clamped to the effective
// feeder headroom) across devices according to params, returning a
// per-device allocation in kW. The result is deterministic: identical
// inputs always produce an identical map.
func Allocate(devices []DeviceInput, availableKw float64, params Params) map[string]float64 {
	out := make(map[string]float64, len(devices))
	if len(devices) == 0 {
		return out
	}
	for _, d := range devices {
		out[d.ID] = 0
	}
	if availableKw <= 0 {
		return out
	}

	sorted := make([]DeviceInput, len(devices))
	copy(sorted, devices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	if params.GlobalKwLimit > 0 && params.GlobalKwLimit < availableKw {
		availableKw = params.GlobalKwLimit
	}

	switch params.Mode {
	case ModeOptimizer:
		return allocateOptimizer(sorted, availableKw, params)
	default:
		return allocateHeuristic(sorted, availableKw, params)
	}
}

func score(d DeviceInput, params Params) float64 {
	// Unknown soc is treated as the worst case (maximum deficit) so an
	// unreporting device is preferred for charging, not starved.
	soc := 0.0
	if d.Soc != nil {
		soc = *d.Soc
	}
	gap := params.TargetSoc - soc
	if gap < 0 {
		gap = 0
	}
	reserveBoost := 0.0
	if soc < params.MinSocReserve {
		reserveBoost = 0.5
	}
	socComponent := 1 + params.SocWeight*(gap+reserveBoost)

	priority := float64(d.Priority)
	if priority < 1 {
		priority = 1
	}
	priorityComponent := priority
	if params.RespectPriority {
		priorityComponent = priority * 1.5
	}
	return socComponent * priorityComponent
}

func allocateHeuristic(devices []DeviceInput, availableKw float64, params Params) map[string]float64 {
	out := make(map[string]float64, len(devices))
	weight := make(map[string]float64, len(devices))
	capKw := make(map[string]float64, len(devices))
	active := make(map[string]bool, len(devices))

	var totalWeight float64
	for _, d := range devices {
		out[d.ID] = 0
		c := d.PMaxKw
		if c < 0 {
			c = 0
		}
		capKw[d.ID] = c
		if c <= 0 {
			continue
		}
		w := score(d, params) * maxFloat(c, 0.1)
		weight[d.ID] = w
		active[d.ID] = true
		totalWeight += w
	}
	if totalWeight <= 0 {
		return out
	}

	slack := availableKw
	for slack > Epsilon {
		var activeWeight float64
		for _, d := range devices {
			if active[d.ID] {
				activeWeight += weight[d.ID]
			}
		}
		if activeWeight <= 0 {
			break
		}

		distributed := 0.0
		anyUncapped := false
		for _, d := range devices {
			if !active[d.ID] {
				continue
			}
			share := slack * (weight[d.ID] / activeWeight)
			room := capKw[d.ID] - out[d.ID]
			if share >= room-Epsilon {
				out[d.ID] = capKw[d.ID]
				active[d.ID] = false
				distributed += room
			} else {
				out[d.ID] += share
				distributed += share
				anyUncapped = true
			}
		}
		slack -= distributed
		if !anyUncapped || distributed <= Epsilon {
			break
		}
	}
	return out
}

func allocateOptimizer(devices []DeviceInput, availableKw float64, params Params) map[string]float64 {
	out := make(map[string]float64, len(devices))
	type candidate struct {
		id     string
		weight float64
		cap    float64
	}
	candidates := make([]candidate, 0, len(devices))
	for _, d := range devices {
		out[d.ID] = 0
		effectiveCap := d.PMaxKw
		if effectiveCap < 0 {
			effectiveCap = 0
		}
		if params.EnforceTargetSoc && d.Soc != nil && *d.Soc >= params.TargetSoc {
			effectiveCap = 0
		}
		if effectiveCap <= 0 {
			continue
		}
		w := score(d, params)
		if params.DeficitBoost != nil {
			w += params.DeficitBoost[d.ID]
		}
		candidates = append(candidates, candidate{id: d.ID, weight: w, cap: effectiveCap})
	}

	// No external solver is wired into this module: solverEnabled falls
	// back to the documented greedy pass regardless of its value.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].weight != candidates[j].weight {
			return candidates[i].weight > candidates[j].weight
		}
		return candidates[i].id < candidates[j].id
	})

	remaining := availableKw
	for _, c := range candidates {
		if remaining <= Epsilon {
			break
		}
		take := minFloat(c.cap, remaining)
		out[c.id] = take
		remaining -= take
	}
	return out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// ReasonCodes reports the set of domain.ReasonCode applicable to device
// d given its allocation, for assembly into a decision record.
func ReasonCodes(d DeviceInput, allocated float64, availableKw float64, params Params) []domain.ReasonCode {
	var codes []domain.ReasonCode
	if d.Soc != nil && params.EnforceTargetSoc && *d.Soc >= params.TargetSoc && allocated == 0 {
		codes = append(codes, domain.ReasonSocAtTarget)
	}
	if allocated >= d.PMaxKw-Epsilon && d.PMaxKw > 0 {
		codes = append(codes, domain.ReasonPMaxClamp)
	}
	if availableKw <= Epsilon {
		codes = append(codes, domain.ReasonHeadroomLimit)
	}
	return codes
}
